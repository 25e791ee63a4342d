package store

import (
	"context"
	"fmt"
	"time"

	"cronflow/internal/core"
)

// Lease implements core.Lease on the leases table. Replicas sharing the
// database file share ownership through it.
type Lease struct {
	store  *Store
	holder string
	now    func() time.Time
}

var _ core.Lease = (*Lease)(nil)

// NewLease returns a lease handle for holder. An empty holder gets a random id.
func (s *Store) NewLease(holder string) *Lease {
	if holder == "" {
		holder = core.NewID()
	}
	return &Lease{store: s, holder: holder, now: time.Now}
}

// Holder returns the identity this handle acquires leases under.
func (l *Lease) Holder() string { return l.holder }

// Acquire takes the key when it is free, expired or already held by us.
func (l *Lease) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := l.now()
	res, err := l.store.DB.ExecContext(ctx, `
		INSERT INTO leases (key, holder, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE leases.holder = excluded.holder OR leases.expires_at <= ?
	`, key, l.holder, now.Add(ttl).UnixMilli(), now.UnixMilli())
	if err != nil {
		return false, fmt.Errorf("acquire lease %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Extend pushes the expiry of a key we hold.
func (l *Lease) Extend(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	res, err := l.store.DB.ExecContext(ctx, `
		UPDATE leases SET expires_at = ? WHERE key = ? AND holder = ?
	`, l.now().Add(ttl).UnixMilli(), key, l.holder)
	if err != nil {
		return false, fmt.Errorf("extend lease %s: %w", key, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (l *Lease) Release(ctx context.Context, key string) error {
	if _, err := l.store.DB.ExecContext(ctx, `DELETE FROM leases WHERE key = ? AND holder = ?`, key, l.holder); err != nil {
		return fmt.Errorf("release lease %s: %w", key, err)
	}
	return nil
}
