package docstore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Reserved metadata fields stamped by Collection.Insert.
const (
	FieldID        = "_id"
	FieldTimestamp = "_timestamp"
)

// TimestampLayout is the on-disk format of the _timestamp field.
const TimestampLayout = "2006-01-02 15:04:05 UTC"

// Document is an ordered, schema-less mapping of field name to Value.
// Field order is insertion order and survives a round trip through disk.
// The zero value is an empty document ready to use.
//
// A Document is not safe for concurrent mutation.
type Document struct {
	keys   []string
	fields map[string]Value
}

// NewDocument returns an empty document.
func NewDocument() *Document {
	return &Document{fields: make(map[string]Value)}
}

// Get returns the value stored under key.
func (d *Document) Get(key string) (Value, bool) {
	if d == nil {
		return Value{}, false
	}
	v, ok := d.fields[key]
	return v, ok
}

// Set stores v under key. A new key is appended to the field order; an
// existing key keeps its position.
func (d *Document) Set(key string, v Value) *Document {
	if d.fields == nil {
		d.fields = make(map[string]Value)
	}
	if _, ok := d.fields[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.fields[key] = v
	return d
}

// Delete removes key. Missing keys are ignored.
func (d *Document) Delete(key string) {
	if _, ok := d.fields[key]; !ok {
		return
	}
	delete(d.fields, key)
	for i, k := range d.keys {
		if k == key {
			d.keys = append(d.keys[:i], d.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in order. The slice is a copy.
func (d *Document) Keys() []string {
	if d == nil {
		return nil
	}
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

func (d *Document) Len() int {
	if d == nil {
		return 0
	}
	return len(d.keys)
}

// ID returns the _id field rendered as a string. Numeric ids written by
// other tools are accepted.
func (d *Document) ID() (string, bool) {
	v, ok := d.Get(FieldID)
	if !ok {
		return "", false
	}
	return idString(v)
}

// Timestamp parses the _timestamp field.
func (d *Document) Timestamp() (time.Time, bool) {
	v, ok := d.Get(FieldTimestamp)
	if !ok {
		return time.Time{}, false
	}
	s, ok := v.AsString()
	if !ok {
		return time.Time{}, false
	}
	ts, err := time.Parse(TimestampLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// Clone returns a deep copy.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := &Document{
		keys:   make([]string, len(d.keys)),
		fields: make(map[string]Value, len(d.fields)),
	}
	copy(out.keys, d.keys)
	for k, v := range d.fields {
		out.fields[k] = v.clone()
	}
	return out
}

// Equal reports whether both documents hold the same fields, ignoring order.
func (d *Document) Equal(o *Document) bool {
	if d.Len() != o.Len() {
		return false
	}
	for _, k := range d.keys {
		ov, ok := o.fields[k]
		if !ok || !d.fields[k].Equal(ov) {
			return false
		}
	}
	return true
}

func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	if d != nil {
		for i, k := range d.keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			key, err := json.Marshal(k)
			if err != nil {
				return nil, err
			}
			buf.Write(key)
			buf.WriteByte(':')
			val, err := d.fields[k].MarshalJSON()
			if err != nil {
				return nil, fmt.Errorf("field %q: %w", k, err)
			}
			buf.Write(val)
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (d *Document) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("docstore: document must be a JSON object, got %v", tok)
	}
	parsed, err := decodeObject(dec)
	if err != nil {
		return err
	}
	*d = *parsed
	return nil
}

// idString renders an _id value as the string used for its file name.
func idString(v Value) (string, bool) {
	switch v.Kind() {
	case KindString:
		s, _ := v.AsString()
		return s, s != ""
	case KindNumber:
		if n, ok := v.AsInt(); ok {
			return strconv.FormatInt(n, 10), true
		}
		f, _ := v.AsFloat()
		return strconv.FormatFloat(f, 'g', -1, 64), true
	default:
		return "", false
	}
}
