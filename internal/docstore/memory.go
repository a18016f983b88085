package docstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Op names a store operation for access rules.
type Op string

const (
	OpGet    Op = "get"
	OpQuery  Op = "query"
	OpSet    Op = "set"
	OpUpdate Op = "update"
	OpDelete Op = "delete"
	OpWatch  Op = "watch"
)

// AccessRule rejects an operation by returning a non-nil error. For queries and watches path is the
// collection path.
type AccessRule func(op Op, path string) error

// ErrClosed is returned by a closed MemoryStore.
var ErrClosed = errors.New("docstore: store closed")

// MemoryStore is an in-process Store. Watch callbacks run on the goroutine that caused the change,
// after the store lock is released; callbacks of one subscription are never concurrent or reentrant.
type MemoryStore struct {
	mu       sync.Mutex
	docs     map[string]*Document
	watchers map[uint64]*memWatcher
	nextID   uint64
	rule     AccessRule
	nowF     func() time.Time
	closed   bool
}

// NewMemoryStore returns an empty store. A nil nowF means time.Now in UTC.
func NewMemoryStore(nowF func() time.Time) *MemoryStore {
	if nowF == nil {
		nowF = func() time.Time { return time.Now().UTC() }
	}
	return &MemoryStore{
		docs:     make(map[string]*Document),
		watchers: make(map[uint64]*memWatcher),
		nowF:     nowF,
	}
}

// SetAccessRule installs rule (nil allows everything). Live subscriptions the new rule rejects are
// closed and receive ErrPermissionDenied through their error callback.
func (s *MemoryStore) SetAccessRule(rule AccessRule) {
	s.mu.Lock()
	s.rule = rule
	var revoked []*memWatcher
	if rule != nil {
		for id, w := range s.watchers {
			if err := rule(OpWatch, w.q.Collection); err != nil {
				delete(s.watchers, id)
				w.enqueue(delivery{err: permissionError(err)})
				revoked = append(revoked, w)
			}
		}
	}
	s.mu.Unlock()
	drainAll(revoked)
}

// DenyUser is an access rule that rejects every operation under users/{userID}.
func DenyUser(userID string) AccessRule {
	prefix := "users/" + userID
	return func(_ Op, path string) error {
		if path == prefix || strings.HasPrefix(path, prefix+"/") {
			return ErrPermissionDenied
		}
		return nil
	}
}

func (s *MemoryStore) Get(_ context.Context, path string) (*Document, error) {
	if _, _, err := Split(path); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(OpGet, path); err != nil {
		return nil, err
	}
	d, ok := s.docs[path]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneDoc(d), nil
}

func (s *MemoryStore) Query(_ context.Context, q Query) ([]*Document, error) {
	nq, err := normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkLocked(OpQuery, nq.Collection); err != nil {
		return nil, err
	}
	return cloneDocs(s.queryLocked(nq)), nil
}

func (s *MemoryStore) Set(_ context.Context, path string, m Mutation) error {
	collection, id, err := Split(path)
	if err != nil {
		return err
	}
	fields, err := Normalize(m.Fields)
	if err != nil {
		return err
	}
	onInsert, err := Normalize(m.SetOnInsert)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkLocked(OpSet, path); err != nil {
		s.mu.Unlock()
		return err
	}
	d, ok := s.docs[path]
	if !ok {
		d = &Document{ID: id, Path: path, Data: onInsert}
		s.docs[path] = d
	} else {
		d = cloneDoc(d)
		s.docs[path] = d
	}
	for k, v := range fields {
		d.Data[k] = v
	}
	d.UpdateTime = s.nowF()
	notify := s.notifyLocked(collection)
	s.mu.Unlock()
	drainAll(notify)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, path string, fields map[string]any) error {
	collection, _, err := Split(path)
	if err != nil {
		return err
	}
	norm, err := Normalize(fields)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkLocked(OpUpdate, path); err != nil {
		s.mu.Unlock()
		return err
	}
	d, ok := s.docs[path]
	if !ok {
		s.mu.Unlock()
		return ErrNotFound
	}
	d = cloneDoc(d)
	for k, v := range norm {
		d.Data[k] = v
	}
	d.UpdateTime = s.nowF()
	s.docs[path] = d
	notify := s.notifyLocked(collection)
	s.mu.Unlock()
	drainAll(notify)
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, path string) error {
	collection, _, err := Split(path)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if err := s.checkLocked(OpDelete, path); err != nil {
		s.mu.Unlock()
		return err
	}
	if _, ok := s.docs[path]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.docs, path)
	notify := s.notifyLocked(collection)
	s.mu.Unlock()
	drainAll(notify)
	return nil
}

func (s *MemoryStore) Watch(ctx context.Context, q Query, onSnapshot func(Snapshot), onError func(error)) (Subscription, error) {
	nq, err := normalizeQuery(q)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	if err := s.checkLocked(OpWatch, nq.Collection); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.nextID++
	w := &memWatcher{id: s.nextID, q: nq, onSnapshot: onSnapshot, onError: onError}
	w.last = s.queryLocked(nq)
	s.watchers[w.id] = w
	docs := cloneDocs(w.last)
	w.enqueue(delivery{snap: Snapshot{Initial: true, Docs: docs, Changes: InitialChanges(docs)}})
	s.mu.Unlock()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			w.closed.Store(true)
			s.mu.Lock()
			delete(s.watchers, w.id)
			s.mu.Unlock()
		})
	}
	if ctx != nil && ctx.Done() != nil {
		context.AfterFunc(ctx, unsubscribe)
	}
	w.drain()
	return SubscriptionFunc(unsubscribe), nil
}

// Ping reports ErrClosed after Close.
func (s *MemoryStore) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Close drops every subscription. Further operations fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	for id, w := range s.watchers {
		w.closed.Store(true)
		delete(s.watchers, id)
	}
	return nil
}

// Watchers returns the number of live subscriptions.
func (s *MemoryStore) Watchers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.watchers)
}

func (s *MemoryStore) checkLocked(op Op, path string) error {
	if s.closed {
		return ErrClosed
	}
	if s.rule == nil {
		return nil
	}
	if err := s.rule(op, path); err != nil {
		return permissionError(err)
	}
	return nil
}

func (s *MemoryStore) queryLocked(q Query) []*Document {
	var out []*Document
	for _, d := range s.docs {
		c, _, err := Split(d.Path)
		if err != nil || c != q.Collection {
			continue
		}
		if Matches(d.Data, q.Filters) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func (s *MemoryStore) notifyLocked(collection string) []*memWatcher {
	var notify []*memWatcher
	for _, w := range s.watchers {
		if w.q.Collection != collection {
			continue
		}
		cur := s.queryLocked(w.q)
		changes := Diff(w.last, cur)
		w.last = cur
		if len(changes) == 0 {
			continue
		}
		w.enqueue(delivery{snap: Snapshot{Docs: cloneDocs(cur), Changes: cloneChanges(changes)}})
		notify = append(notify, w)
	}
	return notify
}

func permissionError(err error) error {
	if errors.Is(err, ErrPermissionDenied) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrPermissionDenied, err)
}

func normalizeQuery(q Query) (Query, error) {
	if !ValidCollection(q.Collection) {
		return Query{}, fmt.Errorf("%w: %q is not a collection path", ErrInvalidPath, q.Collection)
	}
	out := Query{Collection: q.Collection, Filters: make([]Filter, 0, len(q.Filters))}
	for _, f := range q.Filters {
		v, err := NormalizeValue(f.Value)
		if err != nil {
			return Query{}, err
		}
		out.Filters = append(out.Filters, Filter{Field: f.Field, Value: v})
	}
	return out, nil
}

type delivery struct {
	snap Snapshot
	err  error
}

type memWatcher struct {
	id         uint64
	q          Query
	last       []*Document
	onSnapshot func(Snapshot)
	onError    func(error)
	closed     atomic.Bool

	qmu        sync.Mutex
	queue      []delivery
	delivering bool
}

func (w *memWatcher) enqueue(d delivery) {
	w.qmu.Lock()
	w.queue = append(w.queue, d)
	w.qmu.Unlock()
}

// drain runs queued callbacks unless another call is already draining this watcher; that call picks
// up anything enqueued meanwhile, including deliveries caused by the callbacks themselves.
func (w *memWatcher) drain() {
	w.qmu.Lock()
	if w.delivering {
		w.qmu.Unlock()
		return
	}
	w.delivering = true
	for len(w.queue) > 0 {
		d := w.queue[0]
		w.queue = w.queue[1:]
		w.qmu.Unlock()
		if !w.closed.Load() {
			if d.err != nil {
				w.closed.Store(true)
				if w.onError != nil {
					w.onError(d.err)
				}
			} else if w.onSnapshot != nil {
				w.onSnapshot(d.snap)
			}
		}
		w.qmu.Lock()
	}
	w.delivering = false
	w.qmu.Unlock()
}

func drainAll(ws []*memWatcher) {
	for _, w := range ws {
		w.drain()
	}
}

func cloneDocs(docs []*Document) []*Document {
	out := make([]*Document, len(docs))
	for i, d := range docs {
		out[i] = cloneDoc(d)
	}
	return out
}

func cloneChanges(changes []Change) []Change {
	out := make([]Change, len(changes))
	for i, c := range changes {
		out[i] = Change{Type: c.Type, Doc: cloneDoc(c.Doc)}
	}
	return out
}

func cloneDoc(d *Document) *Document {
	if d == nil {
		return nil
	}
	return &Document{ID: d.ID, Path: d.Path, UpdateTime: d.UpdateTime, Data: cloneMap(d.Data)}
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return cloneMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}
