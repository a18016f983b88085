// Package docstore defines the hierarchical document store used for session and presence records,
// with an in-memory implementation. Postgres and MongoDB backends live in subpackages.
//
// Paths alternate collection and document segments: "users/u1" is a document in collection "users",
// "users/u1/sessions/s1" is a document in collection "users/u1/sessions".
package docstore

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by Get and Update when the document does not exist.
	ErrNotFound = errors.New("docstore: document not found")
	// ErrPermissionDenied is returned when the caller is no longer authorized for the path.
	ErrPermissionDenied = errors.New("docstore: permission denied")
	// ErrInvalidPath is returned for paths that do not name a document or collection.
	ErrInvalidPath = errors.New("docstore: invalid path")
)

// Document is a stored document.
type Document struct {
	ID         string
	Path       string
	Data       map[string]any
	UpdateTime time.Time
}

// String returns the string field key, or "" when absent or not a string.
func (d *Document) String(key string) string {
	if d == nil {
		return ""
	}
	s, _ := d.Data[key].(string)
	return s
}

// Bool returns the bool field key, or false when absent or not a bool.
func (d *Document) Bool(key string) bool {
	if d == nil {
		return false
	}
	b, _ := d.Data[key].(bool)
	return b
}

// Map returns the nested object field key, or nil.
func (d *Document) Map(key string) map[string]any {
	if d == nil {
		return nil
	}
	m, _ := d.Data[key].(map[string]any)
	return m
}

// Mutation describes an upsert. Fields are merged into the document at the top level.
// SetOnInsert fields are written only when the document is created by this call.
type Mutation struct {
	Fields      map[string]any
	SetOnInsert map[string]any
}

// Filter is an equality condition on a top-level field.
type Filter struct {
	Field string
	Value any
}

// Query selects the documents of a collection matching every filter.
type Query struct {
	Collection string
	Filters    []Filter
}

// Where returns a copy of q with an additional equality filter.
func (q Query) Where(field string, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Value: value})
	return q
}

// ChangeType classifies a document change within a query's result set.
type ChangeType int

const (
	ChangeAdded ChangeType = iota + 1
	ChangeModified
	ChangeRemoved
)

func (t ChangeType) String() string {
	switch t {
	case ChangeAdded:
		return "added"
	case ChangeModified:
		return "modified"
	case ChangeRemoved:
		return "removed"
	default:
		return "unknown"
	}
}

// Change is one entry of a snapshot. For removals Doc holds the last known state.
type Change struct {
	Type ChangeType
	Doc  *Document
}

// Snapshot is delivered to watchers. The first snapshot of a subscription has Initial set and
// reports every matching document as added.
type Snapshot struct {
	Initial bool
	Docs    []*Document
	Changes []Change
}

// Subscription is a live query. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

// SubscriptionFunc adapts a function to Subscription.
type SubscriptionFunc func()

func (f SubscriptionFunc) Unsubscribe() { f() }

// Reader is the read side of the store.
type Reader interface {
	Get(ctx context.Context, path string) (*Document, error)
	Query(ctx context.Context, q Query) ([]*Document, error)
}

// Writer is the write side of the store.
type Writer interface {
	Set(ctx context.Context, path string, m Mutation) error
	Update(ctx context.Context, path string, fields map[string]any) error
	Delete(ctx context.Context, path string) error
}

// Watcher opens live queries. onSnapshot and onError are never called concurrently for one subscription.
// After onError reports ErrPermissionDenied the subscription is closed by the store.
type Watcher interface {
	Watch(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error)
}

// Store is the full document store.
type Store interface {
	Reader
	Writer
	Watcher
	Ping(ctx context.Context) error
	Close() error
}
