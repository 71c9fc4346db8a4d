package directory

import (
	"strings"
	"time"
)

// SubscriberStatus represents the provisioning state of a subscriber.
type SubscriberStatus string

const (
	StatusActive    SubscriberStatus = "active"
	StatusInactive  SubscriberStatus = "inactive"
	StatusSuspended SubscriberStatus = "suspended"
)

// Plan holds the speed and pool parameters assigned to a subscriber.
// Speed values are operator-entered strings ("5M", "5000k", "500") and
// are normalized at response-build time, not here.
type Plan struct {
	Name          string `json:"name"`
	PoolName      string `json:"pool_name,omitempty"`
	UploadSpeed   string `json:"upload_speed,omitempty"`
	DownloadSpeed string `json:"download_speed,omitempty"`

	// Burst parameters, all optional. Burst speeds use the same
	// normalization rules as the primary speeds.
	BurstUpload        string `json:"burst_upload,omitempty"`
	BurstDownload      string `json:"burst_download,omitempty"`
	BurstThresholdUp   int    `json:"burst_threshold_up,omitempty"`
	BurstThresholdDown int    `json:"burst_threshold_down,omitempty"`
	BurstTimeUp        int    `json:"burst_time_up,omitempty"`
	BurstTimeDown      int    `json:"burst_time_down,omitempty"`
}

// Subscriber is the directory's view of one customer account.
// The core reads most fields and mutates only the session-tracking
// subset (Online, IPAddress, SessionID, MACAddress, LastSeen) through
// UpdateSubscriberSession.
type Subscriber struct {
	Username          string           `json:"username"`
	Password          string           `json:"password,omitempty"`
	PasswordEncrypted string           `json:"password_encrypted,omitempty"`
	Status            SubscriberStatus `json:"status"`
	ExpiresAt         time.Time        `json:"expires_at"`

	StaticIP   string `json:"static_ip,omitempty"`
	MACAddress string `json:"mac_address,omitempty"`
	BindMAC    bool   `json:"bind_mac"`

	MaxSessions int  `json:"max_sessions"`
	Plan        Plan `json:"plan"`

	// Live session state, owned by the accounting path.
	Online    bool      `json:"online"`
	IPAddress string    `json:"ip_address,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	LastSeen  time.Time `json:"last_seen"`
}

// Expired reports whether the subscriber's service period has ended.
func (s *Subscriber) Expired(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && now.After(s.ExpiresAt)
}

// NAS describes one network access server allowed to talk to us.
type NAS struct {
	Name    string `json:"name"`
	Address string `json:"address"` // source IP, one secret per address
	Secret  string `json:"secret"`
	CoAPort int    `json:"coa_port,omitempty"`

	// AllowedRealms is a comma-separated list of realms that may be
	// stripped from usernames arriving via this NAS. Empty means never
	// strip.
	AllowedRealms string `json:"allowed_realms,omitempty"`
}

// RealmAllowed reports whether realm may be stripped for this NAS.
// Matching is case-insensitive.
func (n *NAS) RealmAllowed(realm string) bool {
	if n.AllowedRealms == "" {
		return false
	}
	realm = strings.ToLower(realm)
	for _, allowed := range strings.Split(n.AllowedRealms, ",") {
		if strings.TrimSpace(strings.ToLower(allowed)) == realm {
			return true
		}
	}
	return false
}

// BandwidthOverride is a subscriber-scoped, time-bounded rate-limit
// rule. The highest-priority active rule wins; at most one applies per
// authentication decision.
type BandwidthOverride struct {
	Username     string    `json:"username"`
	Enabled      bool      `json:"enabled"`
	Priority     int       `json:"priority"`
	UploadKbps   int       `json:"upload_kbps"`
	DownloadKbps int       `json:"download_kbps"`
	StartsAt     time.Time `json:"starts_at"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// ActiveAt reports whether the override applies at t.
func (o *BandwidthOverride) ActiveAt(t time.Time) bool {
	if !o.Enabled {
		return false
	}
	if !o.StartsAt.IsZero() && t.Before(o.StartsAt) {
		return false
	}
	if !o.ExpiresAt.IsZero() && t.After(o.ExpiresAt) {
		return false
	}
	return true
}

// AccountingRecord is one row per NAS session. Exactly one open
// (StopTime == nil) record may exist per (SessionID, Username) pair.
type AccountingRecord struct {
	UniqueID         string     `json:"unique_id"` // <=32 chars, stable across restarts
	SessionID        string     `json:"session_id"`
	Username         string     `json:"username"`
	NASAddress       string     `json:"nas_address"`
	CallingStationID string     `json:"calling_station_id,omitempty"`
	FramedIP         string     `json:"framed_ip,omitempty"`
	StartTime        time.Time  `json:"start_time"`
	UpdateTime       time.Time  `json:"update_time"`
	StopTime         *time.Time `json:"stop_time,omitempty"`
	SessionTime      uint32     `json:"session_time"`
	InputOctets      uint64     `json:"input_octets"`
	OutputOctets     uint64     `json:"output_octets"`
	TerminateCause   string     `json:"terminate_cause,omitempty"`
}

// Open reports whether the record is still accumulating.
func (r *AccountingRecord) Open() bool { return r.StopTime == nil }

// PoolStatus is the allocation state of one poolable address.
type PoolStatus string

const (
	PoolAvailable PoolStatus = "available"
	PoolInUse     PoolStatus = "in_use"
)

// PoolAddress is one row per poolable address. An address is in_use by
// at most one username at a time.
type PoolAddress struct {
	Address    string     `json:"address"`
	Pool       string     `json:"pool"`
	Status     PoolStatus `json:"status"`
	Username   string     `json:"username,omitempty"`
	NAS        string     `json:"nas,omitempty"`
	SessionID  string     `json:"session_id,omitempty"`
	AssignedAt *time.Time `json:"assigned_at,omitempty"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// AuditEntry records one post-authentication decision.
type AuditEntry struct {
	ID               string    `json:"id"`
	Username         string    `json:"username"`
	CallingStationID string    `json:"calling_station_id,omitempty"`
	Reply            string    `json:"reply"` // "Access-Accept" or "Access-Reject"
	CreatedAt        time.Time `json:"created_at"`
}

// SessionUpdate is the narrow set of subscriber fields the accounting
// and authentication paths are authorized to mutate. Nil pointers leave
// the corresponding field untouched.
type SessionUpdate struct {
	Online     *bool
	IPAddress  *string
	SessionID  *string
	MACAddress *string
	LastSeen   *time.Time
}
