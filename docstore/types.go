package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("docstore: document not found")

// Fields holds the schemaless content of a document. Values are strings,
// booleans, integers or floats.
type Fields map[string]any

// String returns the string stored under key.
func (f Fields) String(key string) (string, bool) {
	v, ok := f[key].(string)
	return v, ok
}

// Bool returns the boolean stored under key.
func (f Fields) Bool(key string) (bool, bool) {
	v, ok := f[key].(bool)
	return v, ok
}

// Int64 returns the integer stored under key, accepting the numeric shapes
// produced by the different backends.
func (f Fields) Int64(key string) (int64, bool) {
	switch v := f[key].(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case float64:
		return int64(v), v == float64(int64(v))
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func (f Fields) clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Document is a stored document with its store-assigned id.
type Document struct {
	ID     string `json:"id"`
	Fields Fields `json:"fields"`
}

// Filter matches documents whose Field equals Value.
type Filter struct {
	Field string
	Value any
}

// Order sorts a result set by Field.
type Order struct {
	Field      string
	Descending bool
}

// Query selects documents of one collection. Documents that compare equal on
// every Order are ordered by id.
type Query struct {
	Collection string
	Filters    []Filter
	OrderBy    []Order
}

// Client is the document store contract consumed by the repositories.
type Client interface {
	AddDocument(ctx context.Context, collection string, fields Fields) (string, error)
	GetDocument(ctx context.Context, collection, id string) (Fields, error)
	DeleteDocument(ctx context.Context, collection, id string) error
	Query(ctx context.Context, q Query) ([]Document, error)
	Subscribe(ctx context.Context, q Query) (*Subscription, error)
}

// Backend persists documents. Delete returns ErrNotFound for missing ids.
// List applies filters only; ordering is done by the Store.
type Backend interface {
	Insert(ctx context.Context, collection, id string, fields Fields) error
	Get(ctx context.Context, collection, id string) (Fields, error)
	Delete(ctx context.Context, collection, id string) error
	List(ctx context.Context, collection string, filters []Filter) ([]Document, error)
}

// Change types.
const (
	ChangeAdded   = "added"
	ChangeDeleted = "deleted"
	// ChangeResync tells listeners that notifications may have been lost.
	ChangeResync = "resync"
)

// Change describes a mutation of one document. Fields is set for additions.
type Change struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Type       string `json:"type"`
	Fields     Fields `json:"fields,omitempty"`
}

// Notifier distributes changes between store instances.
type Notifier interface {
	Publish(ctx context.Context, ch Change) error
	// Listen returns a listener that is already receiving when it is returned.
	Listen(ctx context.Context) (Listener, error)
}

// Listener receives changes until closed. Changes is closed when the
// listener stops.
type Listener interface {
	Changes() <-chan Change
	Close() error
}
