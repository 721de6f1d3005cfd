package docstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

const docSuffix = ".json"

// SkipHook is called for every document a scan could not use. path is the
// file that was skipped and err describes why.
type SkipHook func(path string, err error)

type options struct {
	now    func() time.Time
	onSkip SkipHook
}

// Option configures a Client.
type Option func(*options)

// WithClock overrides the clock used for _timestamp. Tests use it to get
// deterministic timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithSkipHook registers a callback for documents skipped during scans.
func WithSkipHook(h SkipHook) Option {
	return func(o *options) { o.onSkip = h }
}

// Client is the fleet root. Databases live one directory below it.
type Client struct {
	root string
	opts options

	mu          sync.Mutex
	collections map[string]*Collection
}

// Open returns a Client rooted at root, creating the directory if absent.
func Open(root string, opts ...Option) (*Client, error) {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create root %s: %w", root, err)
	}
	return &Client{root: root, opts: o, collections: make(map[string]*Collection)}, nil
}

// Root returns the fleet root directory.
func (c *Client) Root() string { return c.root }

// Database returns the named database, creating it if absent.
func (c *Client) Database(name string) (*Database, error) {
	clean, err := sanitize(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(c.root, clean)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create database %s: %w", clean, err)
	}
	return &Database{client: c, name: clean, path: path}, nil
}

// ListDatabases returns the database names under the root, sorted.
func (c *Client) ListDatabases() ([]string, error) {
	return listDirs(c.root)
}

// Database groups the collections of one node.
type Database struct {
	client *Client
	name   string
	path   string
}

func (d *Database) Name() string { return d.name }

// Collection returns the named collection, creating it if absent. Repeated
// calls for the same path return the same *Collection so timestamp ordering
// is shared between callers in this process.
func (d *Database) Collection(name string) (*Collection, error) {
	clean, err := sanitize(name)
	if err != nil {
		return nil, err
	}
	path := filepath.Join(d.path, clean)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create collection %s/%s: %w", d.name, clean, err)
	}

	d.client.mu.Lock()
	defer d.client.mu.Unlock()
	if coll, ok := d.client.collections[path]; ok {
		return coll, nil
	}
	coll := &Collection{name: clean, path: path, opts: d.client.opts}
	d.client.collections[path] = coll
	return coll, nil
}

// ListCollections returns the collection names of the database, sorted.
func (d *Database) ListCollections() ([]string, error) {
	return listDirs(d.path)
}

// Collection is the document history of one device: a directory holding one
// JSON file per document, named <_id>.json.
//
// Writers take no cross-process lock. Every write is published atomically
// (temporary file, fsync, link or rename into place) so a reader never sees a
// half-written document. Queries scan the directory and cost O(collection
// size); there is no index.
type Collection struct {
	name string
	path string
	opts options

	mu        sync.Mutex
	lastStamp time.Time
}

func (c *Collection) Name() string { return c.name }

func (c *Collection) Path() string { return c.path }

// Insert stores doc and returns its _id. A missing _id is assigned from a
// counter starting at the current collection size plus one; the counter
// advances past ids already taken, including ones claimed concurrently by
// other writers. A caller-supplied _id replaces any document with that id.
// _timestamp is always stamped. Both fields are set on doc itself.
func (c *Collection) Insert(doc *Document) (string, error) {
	if doc == nil {
		return "", ErrNilDocument
	}
	stamp := String(c.stamp().Format(TimestampLayout))

	if id, ok := doc.ID(); ok {
		clean, err := sanitize(id)
		if err != nil {
			return "", err
		}
		doc.Set(FieldID, String(clean))
		doc.Set(FieldTimestamp, stamp)
		data, err := encode(doc)
		if err != nil {
			return "", err
		}
		if err := c.publish(clean, data, true); err != nil {
			return "", err
		}
		return clean, nil
	}

	n, err := c.Count()
	if err != nil {
		return "", err
	}
	for next := n + 1; ; next++ {
		id := strconv.Itoa(next)
		doc.Set(FieldID, String(id))
		doc.Set(FieldTimestamp, stamp)
		data, err := encode(doc)
		if err != nil {
			return "", err
		}
		err = c.publish(id, data, false)
		if errors.Is(err, os.ErrExist) {
			continue
		}
		if err != nil {
			return "", err
		}
		return id, nil
	}
}

// FindOne returns the first matching document in iteration order, or nil.
func (c *Collection) FindOne(q Query) (*Document, error) {
	var found *Document
	err := c.scan(func(doc *Document, _ string) bool {
		if q.Matches(doc) {
			found = doc
			return false
		}
		return true
	})
	return found, err
}

// FindAll returns every matching document.
func (c *Collection) FindAll(q Query) ([]*Document, error) {
	var out []*Document
	err := c.scan(func(doc *Document, _ string) bool {
		if q.Matches(doc) {
			out = append(out, doc)
		}
		return true
	})
	return out, err
}

// FindMostRecent returns the matching document with the latest _timestamp,
// or nil. Ties go to the first document in iteration order. Documents
// without a parseable _timestamp are skipped.
func (c *Collection) FindMostRecent(q Query) (*Document, error) {
	var (
		best   *Document
		bestTS time.Time
	)
	err := c.scan(func(doc *Document, path string) bool {
		if !q.Matches(doc) {
			return true
		}
		ts, ok := doc.Timestamp()
		if !ok {
			c.skip(path, errBadTimestamp)
			return true
		}
		if best == nil || ts.After(bestTS) {
			best, bestTS = doc, ts
		}
		return true
	})
	return best, err
}

// FindMostRecentSet returns every matching document whose _timestamp equals
// the latest _timestamp among matches.
func (c *Collection) FindMostRecentSet(q Query) ([]*Document, error) {
	var (
		set    []*Document
		bestTS time.Time
	)
	err := c.scan(func(doc *Document, path string) bool {
		if !q.Matches(doc) {
			return true
		}
		ts, ok := doc.Timestamp()
		if !ok {
			c.skip(path, errBadTimestamp)
			return true
		}
		switch {
		case len(set) == 0 || ts.After(bestTS):
			set, bestTS = []*Document{doc}, ts
		case ts.Equal(bestTS):
			set = append(set, doc)
		}
		return true
	})
	return set, err
}

// Delete removes the first matching document and returns the number removed
// (0 or 1). It is not a bulk delete.
func (c *Collection) Delete(q Query) (int, error) {
	var target string
	err := c.scan(func(doc *Document, path string) bool {
		if q.Matches(doc) {
			target = path
			return false
		}
		return true
	})
	if err != nil || target == "" {
		return 0, err
	}
	if err := os.Remove(target); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("docstore: delete %s: %w", target, err)
	}
	return 1, nil
}

// All returns every readable document in the collection.
func (c *Collection) All() ([]*Document, error) {
	return c.FindAll(nil)
}

// ListIDs returns the ids of all documents, in iteration order.
func (c *Collection) ListIDs() ([]string, error) {
	names, err := c.files()
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(names))
	for i, name := range names {
		ids[i] = strings.TrimSuffix(name, docSuffix)
	}
	return ids, nil
}

// Count returns the number of document files, readable or not.
func (c *Collection) Count() (int, error) {
	names, err := c.files()
	return len(names), err
}

var errBadTimestamp = errors.New("missing or unparseable _timestamp")

// stamp returns the insert time, never earlier than the previous insert made
// through this Collection.
func (c *Collection) stamp() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.opts.now().UTC().Truncate(time.Second)
	if now.Before(c.lastStamp) {
		now = c.lastStamp
	}
	c.lastStamp = now
	return now
}

// publish writes data to a temporary file in the collection directory and
// moves it into place as <id>.json. With replace=false the final name is
// claimed with a hard link, which fails with os.ErrExist when another
// writer already owns the id.
func (c *Collection) publish(id string, data []byte, replace bool) error {
	file, err := os.CreateTemp(c.path, ".tmp-*")
	if err != nil {
		return fmt.Errorf("docstore: create temporary document: %w", err)
	}
	temporaryPath := file.Name()
	defer os.Remove(temporaryPath)

	if _, err := file.Write(data); err != nil {
		file.Close()
		return fmt.Errorf("docstore: write temporary document: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return fmt.Errorf("docstore: sync temporary document: %w", err)
	}
	if err := file.Close(); err != nil {
		return fmt.Errorf("docstore: close temporary document: %w", err)
	}

	final := filepath.Join(c.path, id+docSuffix)
	if replace {
		if err := os.Rename(temporaryPath, final); err != nil {
			return fmt.Errorf("docstore: rename document %s into place: %w", id, err)
		}
	} else if err := os.Link(temporaryPath, final); err != nil {
		if errors.Is(err, os.ErrExist) {
			return os.ErrExist
		}
		return fmt.Errorf("docstore: link document %s into place: %w", id, err)
	}

	if dir, err := os.Open(c.path); err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}

// scan visits every readable document in file-name order until fn returns
// false. Unreadable or corrupt files are reported to the skip hook and
// passed over.
func (c *Collection) scan(fn func(doc *Document, path string) bool) error {
	names, err := c.files()
	if err != nil {
		return err
	}
	for _, name := range names {
		path := filepath.Join(c.path, name)
		data, err := os.ReadFile(path)
		if err != nil {
			if !errors.Is(err, os.ErrNotExist) {
				c.skip(path, err)
			}
			continue
		}
		doc := NewDocument()
		if err := doc.UnmarshalJSON(data); err != nil {
			c.skip(path, err)
			continue
		}
		if !fn(doc, path) {
			return nil
		}
	}
	return nil
}

func (c *Collection) skip(path string, err error) {
	if c.opts.onSkip != nil {
		c.opts.onSkip(path, err)
	}
}

// files lists the document file names, sorted.
func (c *Collection) files() ([]string, error) {
	entries, err := os.ReadDir(c.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("docstore: list %s: %w", c.path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, docSuffix) {
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

func encode(doc *Document) ([]byte, error) {
	raw, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("docstore: encode document: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "    "); err != nil {
		return nil, fmt.Errorf("docstore: encode document: %w", err)
	}
	buf.WriteByte('\n')
	return buf.Bytes(), nil
}

// sanitize maps a name onto a single path element. Slashes become
// underscores; empty and dot names are rejected.
func sanitize(name string) (string, error) {
	clean := strings.ReplaceAll(name, "/", "_")
	clean = strings.ReplaceAll(clean, string(filepath.Separator), "_")
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, ".") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return clean, nil
}

func listDirs(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, fmt.Errorf("docstore: list %s: %w", path, err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}
