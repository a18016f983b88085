// Package postgres implements docstore.Store on a single jsonb table. Live queries use LISTEN/NOTIFY:
// a trigger announces the collection of every changed row, and each watcher re-runs its query and diffs.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"presence-agent/internal/docstore"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Channel is the NOTIFY channel written by the documents trigger.
const Channel = "docstore_changes"

const (
	sqlGet = `SELECT path, data, updated_at FROM documents WHERE path = $1`
	sqlSet = `INSERT INTO documents (path, collection, data, updated_at)
VALUES ($1, $2, $3::jsonb || $4::jsonb, now())
ON CONFLICT (path) DO UPDATE SET data = documents.data || $4::jsonb, updated_at = now()`
	sqlUpdate = `UPDATE documents SET data = data || $2::jsonb, updated_at = now() WHERE path = $1`
	sqlDelete = `DELETE FROM documents WHERE path = $1`
	sqlQuery  = `SELECT path, data, updated_at FROM documents WHERE collection = $1 AND data @> $2::jsonb ORDER BY path`
)

// retryDelay is how long a watcher waits after a failed LISTEN before reconnecting.
var retryDelay = 2 * time.Second

// Store is a docstore.Store backed by a pgx pool.
type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// New returns a Store using pool. The schema from internal/db/migrations must be applied.
func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{pool: pool, logger: logger.Named("docstore.postgres")}
}

func (s *Store) Get(ctx context.Context, path string) (*docstore.Document, error) {
	if _, _, err := docstore.Split(path); err != nil {
		return nil, err
	}
	doc, err := scanDocument(s.pool.QueryRow(ctx, sqlGet, path))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, docstore.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}
	return doc, nil
}

func (s *Store) Set(ctx context.Context, path string, m docstore.Mutation) error {
	collection, _, err := docstore.Split(path)
	if err != nil {
		return err
	}
	onInsert, err := encode(m.SetOnInsert)
	if err != nil {
		return err
	}
	fields, err := encode(m.Fields)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlSet, path, collection, onInsert, fields); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, path string, fields map[string]any) error {
	if _, _, err := docstore.Split(path); err != nil {
		return err
	}
	raw, err := encode(fields)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, sqlUpdate, path, raw)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return docstore.ErrNotFound
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, path string) error {
	if _, _, err := docstore.Split(path); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, sqlDelete, path); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if !docstore.ValidCollection(q.Collection) {
		return nil, fmt.Errorf("%w: %q is not a collection path", docstore.ErrInvalidPath, q.Collection)
	}
	filter := make(map[string]any, len(q.Filters))
	for _, f := range q.Filters {
		filter[f.Field] = f.Value
	}
	raw, err := encode(filter)
	if err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, sqlQuery, q.Collection, raw)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var out []*docstore.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, mapErr(err)
		}
		out = append(out, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}
	return out, nil
}

// Watch holds a dedicated connection LISTENing on Channel until the subscription ends. The baseline
// snapshot is delivered before Watch returns.
func (s *Store) Watch(ctx context.Context, q docstore.Query, onSnapshot func(docstore.Snapshot), onError func(error)) (docstore.Subscription, error) {
	conn, initial, err := listenThenQuery(ctx, s.listen,
		func(ctx context.Context) ([]*docstore.Document, error) { return s.Query(ctx, q) },
		(*pgxpool.Conn).Release)
	if err != nil {
		return nil, err
	}
	if onSnapshot != nil {
		onSnapshot(docstore.Snapshot{Initial: true, Docs: initial, Changes: docstore.InitialChanges(initial)})
	}

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	go s.watchLoop(wctx, conn, q, initial, onSnapshot, onError)

	// Unsubscribe may run inside a callback on the loop goroutine, so it must not wait for the loop.
	var once sync.Once
	return docstore.SubscriptionFunc(func() {
		once.Do(func() {
			stop()
			cancel()
		})
	}), nil
}

// listenThenQuery starts listening before reading the baseline, so a change committed in between still
// produces a notification.
func listenThenQuery[C any](ctx context.Context, listen func(context.Context) (C, error),
	query func(context.Context) ([]*docstore.Document, error), release func(C)) (C, []*docstore.Document, error) {
	conn, err := listen(ctx)
	if err != nil {
		var zero C
		return zero, nil, err
	}
	docs, err := query(ctx)
	if err != nil {
		release(conn)
		var zero C
		return zero, nil, err
	}
	return conn, docs, nil
}

func (s *Store) listen(ctx context.Context) (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, mapErr(err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+Channel); err != nil {
		conn.Release()
		return nil, mapErr(err)
	}
	return conn, nil
}

func (s *Store) watchLoop(ctx context.Context, conn *pgxpool.Conn, q docstore.Query, last []*docstore.Document,
	onSnapshot func(docstore.Snapshot), onError func(error)) {
	defer func() {
		if conn != nil {
			conn.Release()
		}
	}()
	report := func(err error) {
		if onError != nil {
			onError(err)
		}
	}
	for {
		if conn == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(retryDelay):
			}
			c, err := s.listen(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				report(err)
				if errors.Is(err, docstore.ErrPermissionDenied) {
					return
				}
				continue
			}
			conn = c
			// Changes may have been missed while disconnected; resync below.
		} else {
			n, err := conn.Conn().WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("listen connection lost", zap.Error(err))
				conn.Release()
				conn = nil
				continue
			}
			if n.Payload != q.Collection {
				continue
			}
		}
		current, err := s.Query(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			report(err)
			if errors.Is(err, docstore.ErrPermissionDenied) {
				return
			}
			continue
		}
		changes := docstore.Diff(last, current)
		last = current
		if len(changes) > 0 && onSnapshot != nil && ctx.Err() == nil {
			onSnapshot(docstore.Snapshot{Docs: current, Changes: changes})
		}
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return mapErr(s.pool.Ping(ctx))
}

// Close closes the pool.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func scanDocument(row pgx.Row) (*docstore.Document, error) {
	var (
		path    string
		raw     []byte
		updated time.Time
	)
	if err := row.Scan(&path, &raw, &updated); err != nil {
		return nil, err
	}
	_, id, err := docstore.Split(path)
	if err != nil {
		return nil, err
	}
	data := map[string]any{}
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, fmt.Errorf("docstore: decode %s: %w", path, err)
	}
	return &docstore.Document{ID: id, Path: path, Data: data, UpdateTime: updated.UTC()}, nil
}

func encode(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("docstore: encode document: %w", err)
	}
	return string(raw), nil
}

// mapErr translates insufficient_privilege (row-level security or revoked grants) to ErrPermissionDenied.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "42501" {
		return fmt.Errorf("%w: %s", docstore.ErrPermissionDenied, pgErr.Message)
	}
	return err
}
