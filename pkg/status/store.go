package status

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/justin-oleary/fleetwatch/pkg/metrics"
)

// FileName is the per-device status file.
const FileName = "current_status"

const (
	defaultReadAttempts   = 5
	defaultReadBackoff    = 100 * time.Millisecond
	defaultMaxCheckingAge = 10 * time.Minute
)

// Reading is one observation of a device's status file.
type Reading struct {
	Device DeviceID `json:"device"`

	// Status is the effective status: Raw, except that missing, malformed
	// and stale-Checking values read as Unhealthy.
	Status Status `json:"status"`
	Raw    Status `json:"raw"`

	Modified  time.Time `json:"modified"`
	Missing   bool      `json:"missing,omitempty"`
	Malformed bool      `json:"malformed,omitempty"`
	Stale     bool      `json:"stale,omitempty"`
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now for staleness decisions.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetry sets the number of read attempts made when a status file holds
// a malformed value and the fixed pause between them.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(s *Store) {
		if attempts > 0 {
			s.attempts = attempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// WithMaxCheckingAge sets how long a device may stay in Checking before it
// is considered abandoned. Zero disables staleness.
func WithMaxCheckingAge(d time.Duration) Option {
	return func(s *Store) { s.maxCheckingAge = d }
}

// WithLogger sets the logger used for fail-safe fallbacks.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store reads and writes device status files under root. It holds no lock:
// every device is independent, and atomic publishing keeps readers safe.
type Store struct {
	root           string
	attempts       int
	backoff        time.Duration
	maxCheckingAge time.Duration
	now            func() time.Time
	logger         *slog.Logger

	// readFile is replaced in tests to simulate a writer mid-transition.
	readFile func(path string) ([]byte, time.Time, error)
}

// NewStore returns a Store rooted at root. The directory is created lazily
// by Write and Provision.
func NewStore(root string, opts ...Option) *Store {
	s := &Store{
		root:           root,
		attempts:       defaultReadAttempts,
		backoff:        defaultReadBackoff,
		maxCheckingAge: defaultMaxCheckingAge,
		now:            time.Now,
		logger:         slog.Default(),
		readFile:       readWithModTime,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Root returns the fleet status root.
func (s *Store) Root() string { return s.root }

// Path returns the status file path for dev.
func (s *Store) Path(dev DeviceID) string {
	return filepath.Join(s.root, dev.Node, "gpu"+strconv.Itoa(dev.Index), FileName)
}

// Write atomically replaces dev's status. The value is written to a
// temporary file in the same directory, fsynced and renamed into place.
func (s *Store) Write(dev DeviceID, st Status) error {
	if !st.Valid() {
		return fmt.Errorf("status: refusing to write %s for %s", st, dev)
	}
	path := s.Path(dev)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("status: create %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, "."+FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("status: create temporary file: %w", err)
	}
	tmp := file.Name()

	if _, err := file.WriteString(strconv.Itoa(int(st))); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("status: write temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tmp)
		return fmt.Errorf("status: sync temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("status: close temporary file: %w", err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("status: chmod temporary file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("status: rename into place: %w", err)
	}

	if d, err := os.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}

	metrics.DeviceStatus.WithLabelValues(dev.Node, strconv.Itoa(dev.Index)).Set(float64(st))
	return nil
}

// Read returns dev's effective status. It never fails: a missing,
// malformed or abandoned value reads as Unhealthy.
func (s *Store) Read(ctx context.Context, dev DeviceID) Status {
	return s.Inspect(ctx, dev).Status
}

// Inspect reads dev's status file. A malformed value is retried up to the
// configured attempt count with a fixed backoff, since it most likely means
// a non-atomic writer is mid-update; after that it reads as Unhealthy.
func (s *Store) Inspect(ctx context.Context, dev DeviceID) Reading {
	path := s.Path(dev)
	r := Reading{Device: dev, Status: Unhealthy, Raw: Unhealthy}

	for attempt := 1; ; attempt++ {
		data, mod, err := s.readFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			r.Missing = true
			return r
		}

		var perr error
		if err == nil {
			var st Status
			st, perr = Parse(data)
			if perr == nil {
				r.Raw, r.Status, r.Modified = st, st, mod
				if st == Checking && s.stale(mod) {
					r.Status, r.Stale = Unhealthy, true
				}
				return r
			}
		} else {
			perr = err
		}

		if attempt >= s.attempts {
			r.Malformed = true
			s.logger.Warn("status unreadable, treating as unhealthy",
				"node", dev.Node,
				"gpu", dev.Index,
				"attempts", attempt,
				"err", perr,
			)
			return r
		}

		metrics.StatusReadRetries.Inc()
		select {
		case <-ctx.Done():
			r.Malformed = true
			return r
		case <-time.After(s.backoff):
		}
	}
}

func (s *Store) stale(mod time.Time) bool {
	return s.maxCheckingAge > 0 && s.now().Sub(mod) > s.maxCheckingAge
}

// Provision sets every device in t to Unhealthy, the state a device holds
// until its first check passes.
func (s *Store) Provision(t Topology) error {
	for _, dev := range t.Devices() {
		if err := s.Write(dev, Unhealthy); err != nil {
			return err
		}
	}
	return nil
}

// EnsureProvisioned provisions only the devices of t that have no status
// file yet and returns how many it created. Existing statuses are kept.
func (s *Store) EnsureProvisioned(t Topology) (int, error) {
	var created int
	for _, dev := range t.Devices() {
		if _, err := os.Stat(s.Path(dev)); err == nil {
			continue
		} else if !errors.Is(err, fs.ErrNotExist) {
			return created, err
		}
		if err := s.Write(dev, Unhealthy); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}

// Snapshot reads every device in t. Each read is independent; there is no
// fleet-wide consistent instant.
func (s *Store) Snapshot(ctx context.Context, t Topology) []Reading {
	devs := t.Devices()
	out := make([]Reading, 0, len(devs))
	for _, dev := range devs {
		out = append(out, s.Inspect(ctx, dev))
	}
	return out
}

// ReapStale reverts every device left in Checking for longer than the
// maximum check age to Unhealthy and returns how many it reverted.
func (s *Store) ReapStale(ctx context.Context, t Topology) (int, error) {
	var reaped int
	for _, dev := range t.Devices() {
		if err := ctx.Err(); err != nil {
			return reaped, err
		}
		r := s.Inspect(ctx, dev)
		if !r.Stale {
			continue
		}
		if err := s.Write(dev, Unhealthy); err != nil {
			return reaped, err
		}
		reaped++
		metrics.StaleChecksReaped.Inc()
		s.logger.Warn("reaped stale health check",
			"node", dev.Node,
			"gpu", dev.Index,
			"checking_since", r.Modified,
		)
	}
	return reaped, nil
}

// Nodes lists the node directories present under root.
func (s *Store) Nodes() ([]string, error) {
	return listDirs(s.root, "")
}

// DeviceCount returns the number of gpu<N> directories under node.
func (s *Store) DeviceCount(node string) (int, error) {
	dirs, err := listDirs(filepath.Join(s.root, node), "gpu")
	return len(dirs), err
}

func listDirs(path, prefix string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("status: list %s: %w", path, err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasPrefix(name, prefix) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

func readWithModTime(path string) ([]byte, time.Time, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, time.Time{}, err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil, time.Time{}, err
	}
	data, err := io.ReadAll(f)
	return data, info.ModTime(), err
}
