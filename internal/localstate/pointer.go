package localstate

import (
	"context"
	"errors"
)

// SessionKey is the key holding the current session id.
const SessionKey = "currentSessionId"

// SessionPointer remembers which session this device owns.
type SessionPointer struct {
	store Store
}

// NewSessionPointer wraps store.
func NewSessionPointer(store Store) *SessionPointer {
	return &SessionPointer{store: store}
}

// Load returns the stored session id, or "" when none is stored.
func (p *SessionPointer) Load(ctx context.Context) (string, error) {
	id, err := p.store.Get(ctx, SessionKey)
	if errors.Is(err, ErrNotFound) {
		return "", nil
	}
	return id, err
}

// Save stores id.
func (p *SessionPointer) Save(ctx context.Context, id string) error {
	return p.store.Set(ctx, SessionKey, id)
}

// Clear removes the stored id.
func (p *SessionPointer) Clear(ctx context.Context) error {
	return p.store.Delete(ctx, SessionKey)
}

// ClearIf removes the stored id only when it equals expected, so a stale cleanup cannot erase a newer
// session's pointer. It reports whether the pointer was cleared.
func (p *SessionPointer) ClearIf(ctx context.Context, expected string) (bool, error) {
	cur, err := p.Load(ctx)
	if err != nil {
		return false, err
	}
	if cur == "" || cur != expected {
		return false, nil
	}
	return true, p.Clear(ctx)
}
