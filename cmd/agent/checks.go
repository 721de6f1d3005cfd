package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/justin-oleary/fleetwatch/pkg/healthcheck"
	"github.com/justin-oleary/fleetwatch/pkg/k8s"
	"github.com/justin-oleary/fleetwatch/pkg/status"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/watch"
	"k8s.io/client-go/kubernetes"
)

// nodeLocks ensures a node is never checked twice concurrently by this
// agent. Values are *sync.Mutex; TryLock discards the duplicate trigger.
var nodeLocks sync.Map

// scheduledCheck runs one scheduled pass: the local node in per-node mode,
// the whole fleet otherwise. ctrl may be nil.
func scheduledCheck(ctx context.Context, checker *healthcheck.Checker, ctrl *k8s.Controller, topo status.Topology, nodeName, checkType string) {
	if nodeName != "" {
		tryCheckNode(ctx, checker, ctrl, nodeName, checkType)
		return
	}

	results, err := checker.CheckAll(ctx, checkType)
	logSummary("fleet", results, err)
	if ctrl == nil {
		return
	}
	for _, node := range topo.Nodes {
		if err := ctrl.ReconcileNode(ctx, node); err != nil {
			slog.Error("reconcile failed", "node", node, "err", err)
		}
	}
}

// tryCheckNode checks every device of node, then reconciles its taint.
// A trigger arriving while the node is already being checked is dropped:
// the in-flight check will settle the taint either way.
func tryCheckNode(ctx context.Context, checker *healthcheck.Checker, ctrl *k8s.Controller, node, checkType string) {
	v, _ := nodeLocks.LoadOrStore(node, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	if !mu.TryLock() {
		slog.Info("node check already in progress, discarding duplicate trigger", "node", node)
		return
	}
	defer mu.Unlock()

	results, err := checker.CheckNode(ctx, node, checkType)
	logSummary(node, results, err)
	if ctrl == nil || ctx.Err() != nil {
		return
	}
	if err := ctrl.ReconcileNode(ctx, node); err != nil {
		slog.Error("reconcile failed", "node", node, "err", err)
	}
}

func logSummary(scope string, results []healthcheck.Result, err error) {
	var mismatch *healthcheck.TopologyMismatch
	if errors.As(err, &mismatch) {
		slog.Error("health check scan aborted",
			"scope", scope,
			"mismatch_scope", mismatch.Scope,
			"expected", mismatch.Expected,
			"found", mismatch.Found,
			"err", err,
		)
	} else if err != nil {
		slog.Error("health check scan failed", "scope", scope, "err", err)
	}
	if len(results) == 0 {
		return
	}
	s := healthcheck.Summarize(results)
	slog.Info("health check scan finished",
		"scope", scope,
		"verdict", s.Verdict,
		"total", s.Total,
		"passed", s.Passed,
		"failed", s.Failed,
		"aborted", s.Aborted,
		"skipped", s.Skipped,
		"worst_elapsed_ms", s.WorstElapsedMS,
	)
}

// watchNode watches the node's Ready condition indefinitely, reconnecting
// with exponential backoff whenever the API server closes the watch channel.
// The API server closes watch streams every few minutes; that is normal.
func watchNode(ctx context.Context, ctrl *k8s.Controller, clientset kubernetes.Interface, checker *healthcheck.Checker, nodeName string, checkType func() string) {
	const maxBackoff = 30 * time.Second
	backoff := time.Second

	for {
		if err := watchOnce(ctx, ctrl, clientset, checker, nodeName, checkType); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("watch ended, reconnecting", "node", nodeName, "err", err, "backoff", backoff)
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// watchOnce processes node events until the stream closes or ctx is
// cancelled. A node that turns Ready gets its devices checked at once.
func watchOnce(ctx context.Context, ctrl *k8s.Controller, clientset kubernetes.Interface, checker *healthcheck.Checker, nodeName string, checkType func() string) error {
	w, err := clientset.CoreV1().Nodes().Watch(ctx, metav1.ListOptions{
		FieldSelector: "metadata.name=" + nodeName,
	})
	if err != nil {
		return fmt.Errorf("watch node %s: %w", nodeName, err)
	}
	defer w.Stop()

	var wasReady bool
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			if ev.Type != watch.Modified && ev.Type != watch.Added {
				continue
			}
			node, ok := ev.Object.(*corev1.Node)
			if !ok {
				continue
			}
			ready := k8s.IsNodeReady(node)
			if ready && !wasReady {
				go tryCheckNode(ctx, checker, ctrl, nodeName, checkType())
			}
			wasReady = ready
		}
	}
}
