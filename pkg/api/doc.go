// Package api serves the fleetwatch REST endpoints.
//
// Routes:
//
//	GET  /api/v1/health                  fleet roll-up: device counts per status
//	GET  /api/v1/status                  every device in the topology
//	GET  /api/v1/status/{node}/{index}   one device
//	GET  /api/v1/reports/{node}/{index}  latest statistical health report
//	POST /api/v1/checks/{node}/{index}   run a check now (?type=dummy|statistical)
//
// All responses are JSON. Errors are {"error": "..."}.
package api
