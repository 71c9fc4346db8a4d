// Package directory defines the boundary between the AAA core and the
// subscriber/billing record store. The core treats every operation as a
// synchronous request/response call; the store's internal schema is not
// part of this package.
package directory

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a looked-up entity does not exist.
	ErrNotFound = errors.New("directory: not found")

	// ErrConflict is returned when a write would violate a uniqueness
	// invariant (duplicate open accounting record, double pool claim).
	ErrConflict = errors.New("directory: conflict")
)

// Directory is the record store consumed by the AAA core.
type Directory interface {
	// Subscriber lookups and narrow session-state writes.
	SubscriberByUsername(ctx context.Context, username string) (*Subscriber, error)
	OnlineByAddress(ctx context.Context, ip string) ([]*Subscriber, error)
	UpdateSubscriberSession(ctx context.Context, username string, upd SessionUpdate) error

	// NAS table.
	NASByAddress(ctx context.Context, addr string) (*NAS, error)
	ListNAS(ctx context.Context) ([]*NAS, error)

	// Rate-limit sources, in descending priority.
	ActiveOverride(ctx context.Context, username string) (*BandwidthOverride, error)
	CustomRate(ctx context.Context, username string) (string, error)

	// Persisted per-username address overrides (written by conflict
	// resolution and pool claims, read on reconnect).
	AddressOverride(ctx context.Context, username string) (string, error)
	SetAddressOverride(ctx context.Context, username, ip string) error
	AddressOverrides(ctx context.Context) (map[string]string, error)

	// ReservedOwner returns the username that holds ip either as a
	// static assignment or as a persisted override, or "" when the
	// address is unreserved.
	ReservedOwner(ctx context.Context, ip string) (string, error)

	// Accounting records.
	CreateAccounting(ctx context.Context, rec *AccountingRecord) error
	OpenAccounting(ctx context.Context, sessionID, username string) (*AccountingRecord, error)
	UpdateAccounting(ctx context.Context, rec *AccountingRecord) error

	// Pool assignment rows. TryClaimPoolRow atomically moves an
	// available, unclaimed row to in_use; it returns false without
	// blocking when the row is unavailable or held by a concurrent
	// claimant.
	PoolRows(ctx context.Context, pool string) ([]*PoolAddress, error)
	PoolRowByAddress(ctx context.Context, address string) (*PoolAddress, error)
	CreatePoolRow(ctx context.Context, row *PoolAddress) error
	TryClaimPoolRow(ctx context.Context, address, username, nas string) (bool, error)
	ReleasePoolRow(ctx context.Context, address string) error
	ReleasePoolRowsForUser(ctx context.Context, username string) (int, error)
	SetPoolRowOwner(ctx context.Context, address, username string) error
	SetPoolRowSession(ctx context.Context, address, sessionID string) error

	// Audit trail.
	CreateAudit(ctx context.Context, entry *AuditEntry) error
}
