// Package nas maintains the table of network access servers allowed to
// exchange RADIUS traffic with this daemon. The table is keyed by the
// NAS source IP and doubles as the layeh radius.SecretSource, so an
// unknown NAS never gets past packet validation.
package nas

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/directory"
)

// ErrUnknownNAS is returned for packets arriving from an address with
// no registered NAS. layeh's PacketServer drops such packets silently.
var ErrUnknownNAS = fmt.Errorf("nas: unknown client address")

// Table is a read-mostly snapshot of the NAS directory. Lookups are
// per-packet, so reloads swap the whole map instead of mutating it.
type Table struct {
	dir    directory.Directory
	logger *zap.Logger

	mu     sync.RWMutex
	byAddr map[string]*directory.NAS
}

// NewTable builds an empty table. Call Reload before serving.
func NewTable(dir directory.Directory, logger *zap.Logger) *Table {
	return &Table{
		dir:    dir,
		logger: logger,
		byAddr: make(map[string]*directory.NAS),
	}
}

// Reload replaces the table with the directory's current NAS list.
// On error the previous snapshot stays in effect.
func (t *Table) Reload(ctx context.Context) error {
	list, err := t.dir.ListNAS(ctx)
	if err != nil {
		return fmt.Errorf("list nas: %w", err)
	}
	next := make(map[string]*directory.NAS, len(list))
	for _, n := range list {
		next[n.Address] = n
	}

	t.mu.Lock()
	t.byAddr = next
	t.mu.Unlock()

	t.logger.Info("Reloaded NAS table", zap.Int("count", len(next)))
	return nil
}

// ByAddress returns the NAS registered for the given source IP.
func (t *Table) ByAddress(addr string) (*directory.NAS, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.byAddr[addr]
	if !ok {
		return nil, ErrUnknownNAS
	}
	cp := *n
	return &cp, nil
}

// All returns the current snapshot, for CoA fan-out and diagnostics.
func (t *Table) All() []*directory.NAS {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*directory.NAS, 0, len(t.byAddr))
	for _, n := range t.byAddr {
		cp := *n
		out = append(out, &cp)
	}
	return out
}

// RADIUSSecret implements radius.SecretSource. The remote address
// includes the ephemeral source port, which is stripped before lookup.
func (t *Table) RADIUSSecret(_ context.Context, remoteAddr net.Addr) ([]byte, error) {
	host, _, err := net.SplitHostPort(remoteAddr.String())
	if err != nil {
		host = remoteAddr.String()
	}
	n, err := t.ByAddress(host)
	if err != nil {
		t.logger.Debug("Dropping packet from unregistered NAS", zap.String("addr", host))
		return nil, err
	}
	return []byte(n.Secret), nil
}
