// Package pool manages the finite set of allocatable customer IP
// addresses. Claims are serialized through an in-process mutex wrapped
// around the directory's row-level try-claim, so concurrent claimants
// never race onto the same address and never block indefinitely.
package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/directory"
)

var (
	// ErrPoolExhausted is returned when no usable address remains in a
	// pool. Callers fall back to handing the pool name to the NAS.
	ErrPoolExhausted = errors.New("pool: exhausted")

	// ErrBadRange is returned for an unparsable import range.
	ErrBadRange = errors.New("pool: bad address range")
)

// maxRangeSize caps a single imported A-B range to bound memory.
const maxRangeSize = 65536

// Manager claims, releases, imports and reconciles pool addresses.
type Manager struct {
	dir    directory.Directory
	logger *zap.Logger

	mu     sync.Mutex
	cursor map[string]string // pool -> last claimed address
}

// NewManager creates a pool manager over the directory row store.
func NewManager(dir directory.Directory, logger *zap.Logger) *Manager {
	return &Manager{
		dir:    dir,
		logger: logger,
		cursor: make(map[string]string),
	}
}

// Claim selects exactly one available address in the named pool for
// username, skipping addresses reserved for any other subscriber. For N
// concurrent claims against M usable addresses, exactly min(N, M)
// succeed with distinct addresses; the rest get ErrPoolExhausted.
func (m *Manager) Claim(ctx context.Context, poolName, username, nasName string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows, err := m.dir.PoolRows(ctx, poolName)
	if err != nil {
		return "", fmt.Errorf("read pool %q: %w", poolName, err)
	}

	// Resume after the previous claim so freshly released addresses are
	// not immediately re-issued to a different subscriber.
	start := 0
	if last, ok := m.cursor[poolName]; ok {
		for i, row := range rows {
			if row.Address > last {
				start = i
				break
			}
		}
	}

	for i := 0; i < len(rows); i++ {
		row := rows[(start+i)%len(rows)]
		if row.Status != directory.PoolAvailable {
			continue
		}

		owner, err := m.dir.ReservedOwner(ctx, row.Address)
		if err != nil {
			return "", fmt.Errorf("check reservation for %s: %w", row.Address, err)
		}
		if owner != "" && owner != username {
			continue
		}

		claimed, err := m.dir.TryClaimPoolRow(ctx, row.Address, username, nasName)
		if err != nil {
			return "", fmt.Errorf("claim %s: %w", row.Address, err)
		}
		if !claimed {
			// Locked or taken by a concurrent claimant; skip.
			continue
		}

		m.cursor[poolName] = row.Address
		m.logger.Debug("Pool address claimed",
			zap.String("pool", poolName),
			zap.String("address", row.Address),
			zap.String("username", username),
		)
		return row.Address, nil
	}

	return "", fmt.Errorf("pool %q for %s: %w", poolName, username, ErrPoolExhausted)
}

// Release returns a single address to its pool.
func (m *Manager) Release(ctx context.Context, address string) error {
	if err := m.dir.ReleasePoolRow(ctx, address); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil // not a pooled address
		}
		return fmt.Errorf("release %s: %w", address, err)
	}
	m.logger.Debug("Pool address released", zap.String("address", address))
	return nil
}

// ReleaseAll frees every address held by username and returns the count.
func (m *Manager) ReleaseAll(ctx context.Context, username string) (int, error) {
	released, err := m.dir.ReleasePoolRowsForUser(ctx, username)
	if err != nil {
		return 0, fmt.Errorf("release addresses of %s: %w", username, err)
	}
	if released > 0 {
		m.logger.Info("Released pool addresses",
			zap.String("username", username),
			zap.Int("count", released),
		)
	}
	return released, nil
}

// AttachSession records the accounting session id on an in-use row.
func (m *Manager) AttachSession(ctx context.Context, address, sessionID string) error {
	if err := m.dir.SetPoolRowSession(ctx, address, sessionID); err != nil {
		if errors.Is(err, directory.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("attach session to %s: %w", address, err)
	}
	return nil
}

// Import creates pool rows from a list of comma-separated single
// addresses and "A-B" ranges, returning the number of rows created.
// Addresses that already exist are skipped.
func (m *Manager) Import(ctx context.Context, poolName, ranges, nasName string) (int, error) {
	addrs, err := ExpandRanges(ranges)
	if err != nil {
		return 0, err
	}

	created := 0
	for _, addr := range addrs {
		err := m.dir.CreatePoolRow(ctx, &directory.PoolAddress{
			Address: addr,
			Pool:    poolName,
			Status:  directory.PoolAvailable,
			NAS:     nasName,
		})
		if err != nil {
			if errors.Is(err, directory.ErrConflict) {
				continue
			}
			return created, fmt.Errorf("import %s into %q: %w", addr, poolName, err)
		}
		created++
	}

	m.logger.Info("Imported pool addresses",
		zap.String("pool", poolName),
		zap.Int("created", created),
		zap.Int("parsed", len(addrs)),
	)
	return created, nil
}

// Reconcile repairs drift between the authoritative override table and
// the pool rows: any row still marked available whose address has a
// persisted override is flipped to in_use under the override's owner.
// Returns the number of rows changed.
func (m *Manager) Reconcile(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	overrides, err := m.dir.AddressOverrides(ctx)
	if err != nil {
		return 0, fmt.Errorf("read overrides: %w", err)
	}

	// Deterministic order keeps repeated reconciles stable.
	users := make([]string, 0, len(overrides))
	for user := range overrides {
		users = append(users, user)
	}
	sort.Strings(users)

	changed := 0
	for _, user := range users {
		addr := overrides[user]
		row, err := m.dir.PoolRowByAddress(ctx, addr)
		if err != nil {
			if errors.Is(err, directory.ErrNotFound) {
				continue // override points outside the managed pools
			}
			return changed, fmt.Errorf("read row %s: %w", addr, err)
		}
		if row.Status != directory.PoolAvailable {
			continue
		}
		if err := m.dir.SetPoolRowOwner(ctx, addr, user); err != nil {
			return changed, fmt.Errorf("reassign row %s: %w", addr, err)
		}
		changed++
	}

	if changed > 0 {
		m.logger.Info("Reconciled pool assignments", zap.Int("changed", changed))
	}
	return changed, nil
}

// Stats summarizes one pool's utilization.
type Stats struct {
	Pool      string
	Total     int
	InUse     int
	Available int
}

// PoolStats reports utilization for the named pool.
func (m *Manager) PoolStats(ctx context.Context, poolName string) (Stats, error) {
	rows, err := m.dir.PoolRows(ctx, poolName)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{Pool: poolName, Total: len(rows)}
	for _, row := range rows {
		if row.Status == directory.PoolInUse {
			st.InUse++
		} else {
			st.Available++
		}
	}
	return st, nil
}

// ExpandRanges parses a comma-separated list of dotted-quad addresses
// and "A-B" ranges into individual addresses. Ranges are expanded by
// 32-bit integer arithmetic and capped at 65536 addresses each.
func ExpandRanges(ranges string) ([]string, error) {
	var out []string
	for _, part := range strings.Split(ranges, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		lo, hi, found := strings.Cut(part, "-")
		if !found {
			single := net.ParseIP(lo)
			if single == nil || single.To4() == nil {
				return nil, fmt.Errorf("%w: %q", ErrBadRange, part)
			}
			out = append(out, single.String())
			continue
		}

		start := net.ParseIP(strings.TrimSpace(lo))
		end := net.ParseIP(strings.TrimSpace(hi))
		if start == nil || end == nil || start.To4() == nil || end.To4() == nil {
			return nil, fmt.Errorf("%w: %q", ErrBadRange, part)
		}
		s, e := ipToUint32(start), ipToUint32(end)
		if e < s {
			return nil, fmt.Errorf("%w: %q (end before start)", ErrBadRange, part)
		}
		count := e - s + 1
		if count > maxRangeSize {
			count = maxRangeSize
		}
		for i := uint32(0); i < count; i++ {
			out = append(out, uint32ToIP(s+i).String())
		}
	}
	return out, nil
}

func ipToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	return uint32(v4[0])<<24 | uint32(v4[1])<<16 | uint32(v4[2])<<8 | uint32(v4[3])
}

func uint32ToIP(v uint32) net.IP {
	return net.IPv4(byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// FreeAddressInSubnet finds an unused host address in the /24 of
// contested, scanning host suffixes 10 through 249 and skipping
// anything already online, statically assigned, overridden, or held by
// a pool row. Returns ErrPoolExhausted when the subnet is saturated.
func FreeAddressInSubnet(ctx context.Context, dir directory.Directory, contested string) (string, error) {
	ip := net.ParseIP(contested)
	if ip == nil || ip.To4() == nil {
		return "", fmt.Errorf("%w: %q", ErrBadRange, contested)
	}
	base := ip.To4()

	for host := 10; host <= 249; host++ {
		candidate := net.IPv4(base[0], base[1], base[2], byte(host)).String()
		if candidate == contested {
			continue
		}

		online, err := dir.OnlineByAddress(ctx, candidate)
		if err != nil {
			return "", err
		}
		if len(online) > 0 {
			continue
		}

		owner, err := dir.ReservedOwner(ctx, candidate)
		if err != nil {
			return "", err
		}
		if owner != "" {
			continue
		}

		// Any pooled address is off limits: the allocator could hand it
		// out later even if it is available right now.
		if _, err := dir.PoolRowByAddress(ctx, candidate); err == nil {
			continue
		} else if !errors.Is(err, directory.ErrNotFound) {
			return "", err
		}

		return candidate, nil
	}
	return "", fmt.Errorf("%w: no free host in subnet of %s", ErrPoolExhausted, contested)
}
