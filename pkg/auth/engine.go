// Package auth evaluates Access-Requests against subscriber state and
// produces Accept/Reject decisions with provisioning attributes.
package auth

import (
	"context"
	"net"
	"strings"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2869"

	"github.com/codelaboratoryltd/radiusd/pkg/directory"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/mschap"
	"github.com/codelaboratoryltd/radiusd/pkg/nas"
	"github.com/codelaboratoryltd/radiusd/pkg/pool"
	"github.com/codelaboratoryltd/radiusd/pkg/vsa"
	"github.com/codelaboratoryltd/radiusd/pkg/worker"
)

// mschapResponseLen is the minimum MS-CHAP2-Response blob size. Shorter
// blobs fall back to PAP.
const mschapResponseLen = 50

// Config holds the tunables of the authentication engine.
type Config struct {
	// DefaultSessionTimeout caps Session-Timeout in seconds. The reply
	// carries min(this, seconds until subscriber expiry).
	DefaultSessionTimeout int

	// IdleTimeout is sent as-is; 0 omits the attribute.
	IdleTimeout int

	// IPManagement enables pool claims for subscribers whose plan names
	// a pool. When off the NAS self-assigns from the named pool.
	IPManagement bool
}

// Engine handles authentication requests.
type Engine struct {
	dir     directory.Directory
	nas     *nas.Table
	pool    *pool.Manager
	workers *worker.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	cfg     Config

	// decrypt recovers a cleartext password from the subscriber's
	// encrypted credential field. Nil means encrypted credentials
	// cannot be resolved.
	decrypt func(string) string

	now func() time.Time
}

// NewEngine creates an authentication engine.
func NewEngine(dir directory.Directory, nasTable *nas.Table, poolMgr *pool.Manager,
	workers *worker.Pool, m *metrics.Metrics, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultSessionTimeout <= 0 {
		cfg.DefaultSessionTimeout = 86400
	}
	return &Engine{
		dir:     dir,
		nas:     nasTable,
		pool:    poolMgr,
		workers: workers,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// SetDecrypt installs the recoverable-credential hook.
func (e *Engine) SetDecrypt(fn func(string) string) { e.decrypt = fn }

// Handle implements radius.Handler for the authentication port.
func (e *Engine) Handle(w radius.ResponseWriter, r *radius.Request) {
	start := e.now()
	ctx := r.Context()

	originalUsername := rfc2865.UserName_GetString(r.Packet)
	callingStationID := rfc2865.CallingStationID_GetString(r.Packet)
	nasAddr := e.nasAddress(r)

	e.logger.Debug("Auth request",
		zap.String("user", originalUsername),
		zap.String("nas", nasAddr),
		zap.String("mac", callingStationID),
	)

	challenge := vsa.Lookup(r.Packet, vsa.VendorMicrosoft, vsa.MSCHAPChallenge)
	response := vsa.Lookup(r.Packet, vsa.VendorMicrosoft, vsa.MSCHAP2Response)
	method := "pap"
	if len(challenge) > 0 && len(response) >= mschapResponseLen {
		method = "mschapv2"
	}

	username := e.stripRealm(ctx, originalUsername, nasAddr)

	sub, err := e.dir.SubscriberByUsername(ctx, username)
	if err != nil {
		e.reject(w, r, username, callingStationID, method, "user not found", start)
		return
	}
	if sub.Status != directory.StatusActive {
		e.reject(w, r, username, callingStationID, method, "not active", start)
		return
	}
	if sub.Expired(e.now()) {
		e.reject(w, r, username, callingStationID, method, "expired", start)
		return
	}

	password := sub.Password
	if password == "" && sub.PasswordEncrypted != "" && e.decrypt != nil {
		password = e.decrypt(sub.PasswordEncrypted)
	}
	if password == "" {
		e.reject(w, r, username, callingStationID, method, "credential unresolved", start)
		return
	}

	var successBlob []byte
	if method == "mschapv2" {
		// The peer hashed the full NAS-supplied name, realm included.
		ok, success := mschap.Verify(originalUsername, password, challenge, response)
		if !ok {
			e.reject(w, r, username, callingStationID, method, "mschapv2 failed", start)
			return
		}
		successBlob = success
	} else {
		if rfc2865.UserPassword_GetString(r.Packet) != password {
			e.reject(w, r, username, callingStationID, method, "wrong password", start)
			return
		}
	}

	if sub.BindMAC && sub.MACAddress != "" {
		if normalizeMAC(callingStationID) != normalizeMAC(sub.MACAddress) {
			e.reject(w, r, username, callingStationID, method, "mac mismatch", start)
			return
		}
	}

	reply := r.Response(radius.CodeAccessAccept)

	if len(successBlob) > 0 {
		vsa.Add(reply, vsa.VendorMicrosoft, vsa.MSCHAP2Success, successBlob)
	}

	if rateLimit := e.rateLimitFor(ctx, username, sub); rateLimit != "" {
		vsa.Add(reply, vsa.VendorMikrotik, vsa.MikrotikRateLimit, []byte(rateLimit))
		e.logger.Debug("Rate limit assigned",
			zap.String("user", username),
			zap.String("rate_limit", rateLimit),
		)
	}

	e.assignAddress(ctx, reply, username, sub, nasAddr)

	if timeout := e.sessionTimeout(sub); timeout > 0 {
		rfc2865.SessionTimeout_Set(reply, rfc2865.SessionTimeout(timeout))
	}
	if e.cfg.IdleTimeout > 0 {
		rfc2865.IdleTimeout_Set(reply, rfc2865.IdleTimeout(e.cfg.IdleTimeout))
	}

	if (!sub.BindMAC || sub.MACAddress == "") && callingStationID != "" {
		e.learnMAC(username, callingStationID)
	}
	e.audit(username, callingStationID, "Access-Accept")

	latency := e.now().Sub(start)
	if e.metrics != nil {
		e.metrics.RecordAuth(method, "accept", latency)
	}
	e.logger.Info("Auth accept",
		zap.String("user", username),
		zap.String("method", method),
		zap.Duration("latency", latency),
	)
	w.Write(reply)
}

func (e *Engine) reject(w radius.ResponseWriter, r *radius.Request,
	username, callingStationID, method, reason string, start time.Time) {
	e.audit(username, callingStationID, "Access-Reject")
	if e.metrics != nil {
		e.metrics.RecordAuth(method, "reject", e.now().Sub(start))
	}
	e.logger.Info("Auth reject",
		zap.String("user", username),
		zap.String("reason", reason),
	)
	w.Write(r.Response(radius.CodeAccessReject))
}

// nasAddress prefers the NAS-IP-Address attribute; packets without one
// fall back to the UDP source address.
func (e *Engine) nasAddress(r *radius.Request) string {
	if ip := rfc2865.NASIPAddress_Get(r.Packet); ip != nil {
		return ip.String()
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr.String())
	if err != nil {
		return r.RemoteAddr.String()
	}
	return host
}

// stripRealm removes an "@realm" suffix when the originating NAS has
// the realm on its allow-list. Unknown NAS or unlisted realm keeps the
// name intact.
func (e *Engine) stripRealm(ctx context.Context, username, nasAddr string) string {
	at := strings.LastIndex(username, "@")
	if at < 0 {
		return username
	}
	realm := username[at+1:]

	n, err := e.nas.ByAddress(nasAddr)
	if err != nil {
		e.logger.Debug("Keeping realm, NAS not registered", zap.String("nas", nasAddr))
		return username
	}
	if !n.RealmAllowed(realm) {
		e.logger.Debug("Realm not allowed for NAS",
			zap.String("realm", realm),
			zap.String("nas", n.Name),
		)
		return username
	}
	stripped := username[:at]
	e.logger.Debug("Realm stripped",
		zap.String("from", username),
		zap.String("to", stripped),
	)
	return stripped
}

// assignAddress applies the address chain: static, persisted override,
// pool claim, pool-name hand-off.
func (e *Engine) assignAddress(ctx context.Context, reply *radius.Packet,
	username string, sub *directory.Subscriber, nasAddr string) {
	if sub.StaticIP != "" {
		if ip := net.ParseIP(sub.StaticIP); ip != nil {
			rfc2865.FramedIPAddress_Set(reply, ip)
			return
		}
		e.logger.Warn("Unparseable static IP",
			zap.String("user", username),
			zap.String("static_ip", sub.StaticIP),
		)
	}

	if override, err := e.dir.AddressOverride(ctx, username); err == nil {
		if ip := net.ParseIP(override); ip != nil {
			rfc2865.FramedIPAddress_Set(reply, ip)
			return
		}
	}

	if sub.Plan.PoolName == "" {
		return
	}

	if e.cfg.IPManagement && e.pool != nil {
		addr, err := e.pool.Claim(ctx, sub.Plan.PoolName, username, nasAddr)
		if err == nil {
			// Persist so the subscriber gets the same address on
			// reconnect.
			if err := e.dir.SetAddressOverride(ctx, username, addr); err != nil {
				e.logger.Warn("Failed to persist address override",
					zap.String("user", username),
					zap.Error(err),
				)
			}
			rfc2865.FramedIPAddress_Set(reply, net.ParseIP(addr))
			return
		}
		e.logger.Warn("Pool claim failed, handing off pool name",
			zap.String("user", username),
			zap.String("pool", sub.Plan.PoolName),
			zap.Error(err),
		)
	}

	rfc2869.FramedPool_SetString(reply, sub.Plan.PoolName)
}

// sessionTimeout returns min(configured default, seconds to expiry),
// or 0 when the attribute should be omitted.
func (e *Engine) sessionTimeout(sub *directory.Subscriber) int {
	timeout := e.cfg.DefaultSessionTimeout
	if !sub.ExpiresAt.IsZero() {
		remaining := int(sub.ExpiresAt.Sub(e.now()).Seconds())
		if remaining < timeout {
			timeout = remaining
		}
	}
	if timeout <= 0 {
		return 0
	}
	return timeout
}

func (e *Engine) learnMAC(username, mac string) {
	e.submit("learn-mac", func(ctx context.Context) error {
		return e.dir.UpdateSubscriberSession(ctx, username, directory.SessionUpdate{
			MACAddress: &mac,
		})
	})
}

func (e *Engine) audit(username, callingStationID, reply string) {
	entry := &directory.AuditEntry{
		Username:         username,
		CallingStationID: callingStationID,
		Reply:            reply,
		CreatedAt:        e.now(),
	}
	e.submit("post-auth-audit", func(ctx context.Context) error {
		return e.dir.CreateAudit(ctx, entry)
	})
}

// submit queues a fire-and-forget task, falling back to synchronous
// execution when no worker pool is wired (tests).
func (e *Engine) submit(name string, run func(context.Context) error) {
	if e.workers != nil {
		e.workers.Submit(worker.Task{Name: name, Run: run})
		return
	}
	if err := run(context.Background()); err != nil {
		e.logger.Warn("Background task failed", zap.String("task", name), zap.Error(err))
	}
}

func normalizeMAC(mac string) string {
	return strings.ToUpper(strings.ReplaceAll(mac, "-", ":"))
}
