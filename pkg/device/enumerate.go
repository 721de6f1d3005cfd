// Package device maps a node's local accelerator indices to stable hardware
// GUIDs. Collections are keyed by GUID so a device's history survives
// reordering across reboots.
package device

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
)

// ErrNoDevices is returned when enumeration finds nothing.
var ErrNoDevices = errors.New("device: no GPUs enumerated")

// Enumerator lists the local devices of the current node.
type Enumerator interface {
	GUIDs(ctx context.Context) (map[int]string, error)
}

// Static is a fixed index → GUID table, used in tests and for hosts where
// the mapping is supplied by configuration.
type Static map[int]string

func (s Static) GUIDs(context.Context) (map[int]string, error) {
	if len(s) == 0 {
		return nil, ErrNoDevices
	}
	out := make(map[int]string, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out, nil
}

// ROCmSMI enumerates AMD GPUs with `rocm-smi --showid`.
type ROCmSMI struct {
	// Binary defaults to "rocm-smi" on PATH.
	Binary string

	// run executes the command; replaced in tests.
	run func(ctx context.Context, name string, args ...string) ([]byte, error)
}

func (r ROCmSMI) GUIDs(ctx context.Context) (map[int]string, error) {
	bin := r.Binary
	if bin == "" {
		bin = "rocm-smi"
	}
	run := r.run
	if run == nil {
		run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
			return exec.CommandContext(ctx, name, args...).Output()
		}
	}
	out, err := run(ctx, bin, "--showid")
	if err != nil {
		return nil, fmt.Errorf("rocm-smi: %w", err)
	}
	return ParseShowID(out)
}

// showIDLine matches e.g. "GPU[0]          : GUID:                 19794".
var showIDLine = regexp.MustCompile(`^GPU\[(\d+)\]\s*:\s*GUID:\s*(\S+)`)

// ParseShowID extracts the index → GUID table from `rocm-smi --showid`
// output. Lines other than GUID lines (headers, device names, serials) are
// ignored.
func ParseShowID(out []byte) (map[int]string, error) {
	guids := make(map[int]string)
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		m := showIDLine.FindSubmatch(bytes.TrimSpace(sc.Bytes()))
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(string(m[1]))
		if err != nil {
			return nil, fmt.Errorf("rocm-smi: bad index in %q: %w", sc.Text(), err)
		}
		if prev, dup := guids[idx]; dup && prev != string(m[2]) {
			return nil, fmt.Errorf("rocm-smi: GPU[%d] reported twice (%s, %s)", idx, prev, m[2])
		}
		guids[idx] = string(m[2])
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("rocm-smi: %w", err)
	}
	if len(guids) == 0 {
		return nil, ErrNoDevices
	}
	return guids, nil
}

// CollectionName is the document collection holding a device's history.
func CollectionName(guid string) string {
	return "gpu-" + guid
}
