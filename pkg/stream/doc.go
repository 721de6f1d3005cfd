// Package stream pushes fleet status snapshots to WebSocket clients.
//
// Clients connect to /ws/status and receive the current snapshot right away,
// then a {"event":"snapshot","data":{...}} message on the first interval tick
// after any device changes status. Clients that fall behind are disconnected
// rather than allowed to stall the hub.
package stream
