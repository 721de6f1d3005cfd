// Package k8s mirrors device status onto Kubernetes nodes: a node with any
// Unhealthy device is tainted NoSchedule, and the taint is lifted once every
// device on it reads Healthy.
package k8s

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/justin-oleary/fleetwatch/pkg/metrics"
	"github.com/justin-oleary/fleetwatch/pkg/status"

	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

const (
	quarantineTaintKey  = "fleetwatch.io/gpu-unhealthy"
	quarantineCondition = corev1.NodeConditionType("GPUUnhealthy")
)

// snapshotFunc reads the statuses of one node's devices.
// Defined as a type so tests can inject readings without a status tree.
type snapshotFunc func(ctx context.Context, node string) []status.Reading

// Controller keeps node taints in line with device status.
type Controller struct {
	client   kubernetes.Interface
	snapshot snapshotFunc
	logger   *slog.Logger
}

// NewController returns a Controller reading device status from store for
// the devices topo assigns to each node.
func NewController(client kubernetes.Interface, store *status.Store, topo status.Topology) *Controller {
	snap := func(ctx context.Context, node string) []status.Reading {
		devs := topo.NodeDevices(node)
		out := make([]status.Reading, 0, len(devs))
		for _, dev := range devs {
			out = append(out, store.Inspect(ctx, dev))
		}
		return out
	}
	return &Controller{client: client, snapshot: snap, logger: slog.Default()}
}

// newControllerWithSnapshot injects a custom status source.
// Only for use in unit tests.
func newControllerWithSnapshot(client kubernetes.Interface, fn snapshotFunc) *Controller {
	return &Controller{client: client, snapshot: fn, logger: slog.Default()}
}

// WithLogger swaps the controller's logger.
func (c *Controller) WithLogger(l *slog.Logger) *Controller {
	c.logger = l
	return c
}

// ReconcileNode applies or removes the quarantine taint on nodeName:
//  1. A node that is not Ready is left alone.
//  2. Any device still Checking leaves the node unchanged until the check lands.
//  3. Any Unhealthy device taints the node.
//  4. All devices Healthy removes the taint.
func (c *Controller) ReconcileNode(ctx context.Context, nodeName string) error {
	node, err := c.client.CoreV1().Nodes().Get(ctx, nodeName, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get node %s: %w", nodeName, err)
	}
	if !IsNodeReady(node) {
		return nil
	}

	readings := c.snapshot(ctx, nodeName)
	if len(readings) == 0 {
		return nil
	}

	var unhealthy []string
	for _, r := range readings {
		switch r.Status {
		case status.Checking:
			c.logger.Debug("check in progress, deferring reconcile", "node", nodeName, "gpu", r.Device.Index)
			return nil
		case status.Unhealthy:
			unhealthy = append(unhealthy, fmt.Sprintf("gpu%d", r.Device.Index))
		}
	}

	if len(unhealthy) == 0 {
		return c.removeTaint(ctx, nodeName, node)
	}

	c.logger.Warn("node quarantined",
		"node_name", nodeName,
		"unhealthy_gpus", strings.Join(unhealthy, ","),
		"unhealthy_count", len(unhealthy),
		"device_count", len(readings),
	)
	return c.applyTaint(ctx, nodeName, node, unhealthy, len(readings))
}

// IsNodeReady reports whether the node's Ready condition is True.
// Exported for use by the watch loop in cmd/agent.
func IsNodeReady(node *corev1.Node) bool {
	for _, c := range node.Status.Conditions {
		if c.Type == corev1.NodeReady {
			return c.Status == corev1.ConditionTrue
		}
	}
	return false
}

// applyTaint sets the quarantine NoSchedule taint on the node spec and a
// GPUUnhealthy condition in the status subresource. An existing taint is
// rewritten when the set of unhealthy devices has changed since it was set;
// otherwise the node is left untouched.
func (c *Controller) applyTaint(ctx context.Context, nodeName string, node *corev1.Node, unhealthy []string, total int) error {
	value := fmt.Sprintf("%dof%d", len(unhealthy), total)
	message := "unhealthy devices: " + strings.Join(unhealthy, ", ")

	taints := make([]corev1.Taint, 0, len(node.Spec.Taints)+1)
	var existing *corev1.Taint
	for i, t := range node.Spec.Taints {
		if t.Key == quarantineTaintKey {
			existing = &node.Spec.Taints[i]
			continue
		}
		taints = append(taints, t)
	}
	if existing != nil && existing.Value == value {
		if cond := findCondition(node, quarantineCondition); cond != nil &&
			cond.Status == corev1.ConditionTrue && cond.Message == message {
			return nil
		}
	}

	type specPatch struct {
		Spec struct {
			Taints []corev1.Taint `json:"taints"`
		} `json:"spec"`
	}
	sp := specPatch{}
	sp.Spec.Taints = append(taints, corev1.Taint{
		Key:    quarantineTaintKey,
		Value:  value,
		Effect: corev1.TaintEffectNoSchedule,
	})
	specBytes, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal taint patch: %w", err)
	}
	if _, err := c.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.MergePatchType, specBytes, metav1.PatchOptions{},
	); err != nil {
		return fmt.Errorf("patch node spec: %w", err)
	}

	type statusPatch struct {
		Status struct {
			Conditions []corev1.NodeCondition `json:"conditions"`
		} `json:"status"`
	}
	cond := corev1.NodeCondition{
		Type:               quarantineCondition,
		Status:             corev1.ConditionTrue,
		Reason:             "DeviceUnhealthy",
		Message:            message,
		LastTransitionTime: metav1.Now(),
	}
	st := statusPatch{}
	st.Status.Conditions = upsertCondition(node.Status.Conditions, cond)
	statusBytes, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status patch: %w", err)
	}
	if _, err := c.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.MergePatchType, statusBytes,
		metav1.PatchOptions{}, "status",
	); err != nil {
		return fmt.Errorf("patch node status: %w", err)
	}

	if existing != nil {
		metrics.NodeQuarantines.WithLabelValues("updated").Inc()
		return nil
	}
	metrics.NodeQuarantines.WithLabelValues("tainted").Inc()
	return nil
}

// removeTaint strips the quarantine taint and clears the GPUUnhealthy
// condition. Idempotent.
func (c *Controller) removeTaint(ctx context.Context, nodeName string, node *corev1.Node) error {
	filtered := make([]corev1.Taint, 0, len(node.Spec.Taints))
	for _, t := range node.Spec.Taints {
		if t.Key != quarantineTaintKey {
			filtered = append(filtered, t)
		}
	}
	if len(filtered) == len(node.Spec.Taints) {
		return nil
	}

	type specPatch struct {
		Spec struct {
			Taints []corev1.Taint `json:"taints"`
		} `json:"spec"`
	}
	sp := specPatch{}
	sp.Spec.Taints = filtered
	specBytes, err := json.Marshal(sp)
	if err != nil {
		return fmt.Errorf("marshal taint removal patch: %w", err)
	}
	if _, err := c.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.MergePatchType, specBytes, metav1.PatchOptions{},
	); err != nil {
		return fmt.Errorf("patch node spec (remove taint): %w", err)
	}

	type statusPatch struct {
		Status struct {
			Conditions []corev1.NodeCondition `json:"conditions"`
		} `json:"status"`
	}
	cond := corev1.NodeCondition{
		Type:               quarantineCondition,
		Status:             corev1.ConditionFalse,
		Reason:             "AllDevicesHealthy",
		Message:            "every device passed its last health check",
		LastTransitionTime: metav1.Now(),
	}
	st := statusPatch{}
	st.Status.Conditions = upsertCondition(node.Status.Conditions, cond)
	statusBytes, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal status patch (clear condition): %w", err)
	}
	if _, err := c.client.CoreV1().Nodes().Patch(
		ctx, nodeName, types.MergePatchType, statusBytes,
		metav1.PatchOptions{}, "status",
	); err != nil {
		return fmt.Errorf("patch node status (clear condition): %w", err)
	}

	metrics.NodeQuarantines.WithLabelValues("cleared").Inc()
	c.logger.Info("quarantine taint removed", "node_name", nodeName)
	return nil
}

func findCondition(node *corev1.Node, t corev1.NodeConditionType) *corev1.NodeCondition {
	for i := range node.Status.Conditions {
		if node.Status.Conditions[i].Type == t {
			return &node.Status.Conditions[i]
		}
	}
	return nil
}

func upsertCondition(conditions []corev1.NodeCondition, c corev1.NodeCondition) []corev1.NodeCondition {
	for i, existing := range conditions {
		if existing.Type == c.Type {
			conditions[i] = c
			return conditions
		}
	}
	return append(conditions, c)
}
