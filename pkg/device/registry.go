package device

import (
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/justin-oleary/fleetwatch/pkg/docstore"
)

// RegistryCollection is the per-node collection holding the index → GUID
// table last reported by that node.
const RegistryCollection = "devices"

// ErrUnknownDevice is returned by Lookup for an index the node never reported.
var ErrUnknownDevice = errors.New("device: no GUID recorded for device")

// Registry persists each node's index → GUID table in the document store so
// fleet-wide components can find a device's collection without running
// rocm-smi on that node.
type Registry struct {
	client *docstore.Client
}

// NewRegistry returns a Registry backed by client.
func NewRegistry(client *docstore.Client) *Registry {
	return &Registry{client: client}
}

// Save records guids for node, replacing any earlier entry per index.
func (r *Registry) Save(node string, guids map[int]string) error {
	coll, err := r.collection(node)
	if err != nil {
		return err
	}
	indices := make([]int, 0, len(guids))
	for idx := range guids {
		indices = append(indices, idx)
	}
	sort.Ints(indices)
	for _, idx := range indices {
		doc := docstore.NewDocument().
			Set(docstore.FieldID, docstore.String(entryID(idx))).
			Set("index", docstore.Int(int64(idx))).
			Set("guid", docstore.String(guids[idx]))
		if _, err := coll.Insert(doc); err != nil {
			return fmt.Errorf("device: save %s gpu%d: %w", node, idx, err)
		}
	}
	return nil
}

// Lookup returns the GUID recorded for node's device idx.
func (r *Registry) Lookup(node string, idx int) (string, error) {
	coll, err := r.collection(node)
	if err != nil {
		return "", err
	}
	doc, err := coll.FindOne(docstore.Where(docstore.FieldID, docstore.String(entryID(idx))))
	if err != nil {
		return "", err
	}
	if doc == nil {
		return "", fmt.Errorf("%w: %s gpu%d", ErrUnknownDevice, node, idx)
	}
	v, _ := doc.Get("guid")
	guid, ok := v.AsString()
	if !ok || guid == "" {
		return "", fmt.Errorf("%w: %s gpu%d", ErrUnknownDevice, node, idx)
	}
	return guid, nil
}

// Collection returns the history collection for node's device idx.
func (r *Registry) Collection(node string, idx int) (*docstore.Collection, error) {
	guid, err := r.Lookup(node, idx)
	if err != nil {
		return nil, err
	}
	db, err := r.client.Database(node)
	if err != nil {
		return nil, err
	}
	return db.Collection(CollectionName(guid))
}

func (r *Registry) collection(node string) (*docstore.Collection, error) {
	db, err := r.client.Database(node)
	if err != nil {
		return nil, err
	}
	return db.Collection(RegistryCollection)
}

func entryID(idx int) string {
	return "gpu" + strconv.Itoa(idx)
}
