package directory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryStore is an in-memory Directory implementation. It backs unit
// tests and standalone deployments where the authoritative store is
// loaded at startup and mutated only through this process.
type MemoryStore struct {
	logger *zap.Logger

	mu sync.RWMutex

	subscribers map[string]*Subscriber // username -> subscriber
	nas         map[string]*NAS        // address -> NAS
	overrides   map[string][]*BandwidthOverride
	customRates map[string]string // username -> rate-limit string
	addrByUser  map[string]string // username -> persisted override IP
	userByAddr  map[string]string // persisted override IP -> username

	accounting map[string]*AccountingRecord // unique id -> record
	openAcct   map[string]string            // sessionID+"\x00"+username -> unique id

	poolRows map[string]*PoolAddress // address -> row
	byPool   map[string][]string     // pool -> sorted addresses

	audit []*AuditEntry

	// subscribers currently online, indexed by assigned address
	onlineByIP map[string]map[string]struct{} // ip -> set of usernames
}

// NewMemoryStore creates an empty in-memory directory.
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &MemoryStore{
		logger:      logger,
		subscribers: make(map[string]*Subscriber),
		nas:         make(map[string]*NAS),
		overrides:   make(map[string][]*BandwidthOverride),
		customRates: make(map[string]string),
		addrByUser:  make(map[string]string),
		userByAddr:  make(map[string]string),
		accounting:  make(map[string]*AccountingRecord),
		openAcct:    make(map[string]string),
		poolRows:    make(map[string]*PoolAddress),
		byPool:      make(map[string][]string),
		onlineByIP:  make(map[string]map[string]struct{}),
	}
}

func acctKey(sessionID, username string) string {
	return sessionID + "\x00" + username
}

// PutSubscriber inserts or replaces a subscriber record. Used by the
// loading/CRUD surface, not by the AAA core.
func (m *MemoryStore) PutSubscriber(sub *Subscriber) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subscribers[sub.Username] = &cp
	m.reindexOnlineLocked(&cp)
}

// PutNAS inserts or replaces a NAS record.
func (m *MemoryStore) PutNAS(n *NAS) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *n
	m.nas[n.Address] = &cp
}

// PutOverride adds a bandwidth override rule for a subscriber.
func (m *MemoryStore) PutOverride(o *BandwidthOverride) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.overrides[o.Username] = append(m.overrides[o.Username], &cp)
}

// PutCustomRate stores a persisted rate-limit value for a username.
func (m *MemoryStore) PutCustomRate(username, rate string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customRates[username] = rate
}

func (m *MemoryStore) reindexOnlineLocked(sub *Subscriber) {
	for ip, users := range m.onlineByIP {
		if _, ok := users[sub.Username]; ok {
			delete(users, sub.Username)
			if len(users) == 0 {
				delete(m.onlineByIP, ip)
			}
		}
	}
	if sub.Online && sub.IPAddress != "" {
		users := m.onlineByIP[sub.IPAddress]
		if users == nil {
			users = make(map[string]struct{})
			m.onlineByIP[sub.IPAddress] = users
		}
		users[sub.Username] = struct{}{}
	}
}

func (m *MemoryStore) SubscriberByUsername(_ context.Context, username string) (*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sub, ok := m.subscribers[username]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *sub
	return &cp, nil
}

func (m *MemoryStore) OnlineByAddress(_ context.Context, ip string) ([]*Subscriber, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Subscriber
	for username := range m.onlineByIP[ip] {
		if sub, ok := m.subscribers[username]; ok {
			cp := *sub
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (m *MemoryStore) UpdateSubscriberSession(_ context.Context, username string, upd SessionUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscribers[username]
	if !ok {
		return ErrNotFound
	}
	if upd.Online != nil {
		sub.Online = *upd.Online
	}
	if upd.IPAddress != nil {
		sub.IPAddress = *upd.IPAddress
	}
	if upd.SessionID != nil {
		sub.SessionID = *upd.SessionID
	}
	if upd.MACAddress != nil {
		sub.MACAddress = *upd.MACAddress
	}
	if upd.LastSeen != nil {
		sub.LastSeen = *upd.LastSeen
	}
	m.reindexOnlineLocked(sub)
	return nil
}

func (m *MemoryStore) NASByAddress(_ context.Context, addr string) (*NAS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n, ok := m.nas[addr]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (m *MemoryStore) ListNAS(_ context.Context) ([]*NAS, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*NAS, 0, len(m.nas))
	for _, n := range m.nas {
		cp := *n
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out, nil
}

// ActiveOverride returns the highest-priority rule active now, or
// ErrNotFound when no rule applies.
func (m *MemoryStore) ActiveOverride(_ context.Context, username string) (*BandwidthOverride, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	now := time.Now()
	var best *BandwidthOverride
	for _, o := range m.overrides[username] {
		if !o.ActiveAt(now) {
			continue
		}
		if best == nil || o.Priority > best.Priority {
			best = o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) CustomRate(_ context.Context, username string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rate, ok := m.customRates[username]
	if !ok || rate == "" {
		return "", ErrNotFound
	}
	return rate, nil
}

func (m *MemoryStore) AddressOverride(_ context.Context, username string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ip, ok := m.addrByUser[username]
	if !ok {
		return "", ErrNotFound
	}
	return ip, nil
}

func (m *MemoryStore) SetAddressOverride(_ context.Context, username, ip string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if old, ok := m.addrByUser[username]; ok {
		delete(m.userByAddr, old)
	}
	if ip == "" {
		delete(m.addrByUser, username)
		return nil
	}
	m.addrByUser[username] = ip
	m.userByAddr[ip] = username
	return nil
}

func (m *MemoryStore) AddressOverrides(_ context.Context) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]string, len(m.addrByUser))
	for user, ip := range m.addrByUser {
		out[user] = ip
	}
	return out, nil
}

func (m *MemoryStore) ReservedOwner(_ context.Context, ip string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if user, ok := m.userByAddr[ip]; ok {
		return user, nil
	}
	for _, sub := range m.subscribers {
		if sub.StaticIP == ip {
			return sub.Username, nil
		}
	}
	return "", nil
}

func (m *MemoryStore) CreateAccounting(_ context.Context, rec *AccountingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := acctKey(rec.SessionID, rec.Username)
	if rec.Open() {
		if _, exists := m.openAcct[key]; exists {
			return ErrConflict
		}
	}
	cp := *rec
	m.accounting[rec.UniqueID] = &cp
	if rec.Open() {
		m.openAcct[key] = rec.UniqueID
	}
	return nil
}

func (m *MemoryStore) OpenAccounting(_ context.Context, sessionID, username string) (*AccountingRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.openAcct[acctKey(sessionID, username)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m.accounting[id]
	return &cp, nil
}

func (m *MemoryStore) UpdateAccounting(_ context.Context, rec *AccountingRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, ok := m.accounting[rec.UniqueID]
	if !ok {
		return ErrNotFound
	}
	key := acctKey(old.SessionID, old.Username)
	cp := *rec
	m.accounting[rec.UniqueID] = &cp
	if !cp.Open() {
		delete(m.openAcct, key)
	}
	return nil
}

// AccountingByUniqueID is a test and reconciliation helper.
func (m *MemoryStore) AccountingByUniqueID(id string) (*AccountingRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounting[id]
	if !ok {
		return nil, false
	}
	cp := *rec
	return &cp, true
}

func (m *MemoryStore) PoolRows(_ context.Context, pool string) ([]*PoolAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	addrs := m.byPool[pool]
	out := make([]*PoolAddress, 0, len(addrs))
	for _, a := range addrs {
		cp := *m.poolRows[a]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) PoolRowByAddress(_ context.Context, address string) (*PoolAddress, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	row, ok := m.poolRows[address]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *row
	return &cp, nil
}

func (m *MemoryStore) CreatePoolRow(_ context.Context, row *PoolAddress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.poolRows[row.Address]; exists {
		return ErrConflict
	}
	cp := *row
	if cp.Status == "" {
		cp.Status = PoolAvailable
	}
	m.poolRows[row.Address] = &cp
	m.byPool[row.Pool] = insertSorted(m.byPool[row.Pool], row.Address)
	return nil
}

func (m *MemoryStore) TryClaimPoolRow(_ context.Context, address, username, nas string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.poolRows[address]
	if !ok {
		return false, ErrNotFound
	}
	if row.Status != PoolAvailable {
		return false, nil
	}
	now := time.Now()
	row.Status = PoolInUse
	row.Username = username
	row.NAS = nas
	row.SessionID = ""
	row.AssignedAt = &now
	row.ReleasedAt = nil
	return true, nil
}

func (m *MemoryStore) ReleasePoolRow(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.poolRows[address]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	row.Status = PoolAvailable
	row.Username = ""
	row.NAS = ""
	row.SessionID = ""
	row.ReleasedAt = &now
	return nil
}

func (m *MemoryStore) ReleasePoolRowsForUser(_ context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	released := 0
	now := time.Now()
	for _, row := range m.poolRows {
		if row.Status == PoolInUse && row.Username == username {
			row.Status = PoolAvailable
			row.Username = ""
			row.NAS = ""
			row.SessionID = ""
			row.ReleasedAt = &now
			released++
		}
	}
	return released, nil
}

func (m *MemoryStore) SetPoolRowOwner(_ context.Context, address, username string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.poolRows[address]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	row.Status = PoolInUse
	row.Username = username
	row.AssignedAt = &now
	row.ReleasedAt = nil
	return nil
}

func (m *MemoryStore) SetPoolRowSession(_ context.Context, address, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.poolRows[address]
	if !ok {
		return ErrNotFound
	}
	row.SessionID = sessionID
	return nil
}

func (m *MemoryStore) CreateAudit(_ context.Context, entry *AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *entry
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now()
	}
	m.audit = append(m.audit, &cp)
	return nil
}

// AuditEntries returns a snapshot of the audit trail, newest last.
func (m *MemoryStore) AuditEntries() []*AuditEntry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*AuditEntry, len(m.audit))
	for i, e := range m.audit {
		cp := *e
		out[i] = &cp
	}
	return out
}

func insertSorted(addrs []string, addr string) []string {
	i := sort.SearchStrings(addrs, addr)
	addrs = append(addrs, "")
	copy(addrs[i+1:], addrs[i:])
	addrs[i] = addr
	return addrs
}
