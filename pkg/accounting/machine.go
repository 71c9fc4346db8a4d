// Package accounting processes Start/Interim-Update/Stop events,
// resolves duplicate-IP collisions via CoA, and keeps accounting
// records and subscriber session state in step with the directory.
package accounting

import (
	"context"
	"fmt"
	"hash/fnv"
	"strconv"
	"time"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/codelaboratoryltd/radiusd/pkg/directory"
	"github.com/codelaboratoryltd/radiusd/pkg/metrics"
	"github.com/codelaboratoryltd/radiusd/pkg/nas"
	"github.com/codelaboratoryltd/radiusd/pkg/pool"
	"github.com/codelaboratoryltd/radiusd/pkg/worker"
)

// terminateCauseCleanup marks records closed by conflict resolution.
const terminateCauseCleanup = "Duplicate-IP-Cleanup"

// uniqueIDMaxLen is the accounting unique-id length limit.
const uniqueIDMaxLen = 32

// Config holds the accounting tunables.
type Config struct {
	// IPManagement enables pool bookkeeping on session start and stop.
	IPManagement bool
}

// Disconnector sends a CoA disconnect for one session. *coa.Client
// satisfies it; tests substitute a recorder.
type Disconnector interface {
	Disconnect(ctx context.Context, nasAddr, secret, username, sessionID string, port int) error
}

// Machine is the accounting state machine.
type Machine struct {
	dir     directory.Directory
	nas     *nas.Table
	pool    *pool.Manager
	coa     Disconnector
	workers *worker.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger
	strikes *strikeTracker
	cfg     Config

	now func() time.Time
}

// NewMachine creates an accounting state machine.
func NewMachine(dir directory.Directory, nasTable *nas.Table, poolMgr *pool.Manager,
	disconnector Disconnector, workers *worker.Pool, m *metrics.Metrics,
	cfg Config, logger *zap.Logger) *Machine {
	return &Machine{
		dir:     dir,
		nas:     nasTable,
		pool:    poolMgr,
		coa:     disconnector,
		workers: workers,
		metrics: m,
		logger:  logger,
		strikes: newStrikeTracker(),
		cfg:     cfg,
		now:     time.Now,
	}
}

// request carries the decoded accounting attributes through a single
// event.
type request struct {
	username         string
	sessionID        string
	nasAddr          string
	framedIP         string
	callingStationID string
	sessionTime      uint32
	inputOctets      uint64
	outputOctets     uint64
	terminateCause   uint32
}

// Handle implements radius.Handler for the accounting port. Every
// branch answers Accounting-Response.
func (m *Machine) Handle(w radius.ResponseWriter, r *radius.Request) {
	ctx := r.Context()
	req := decode(r.Packet)
	statusType := rfc2866.AcctStatusType_Get(r.Packet)

	m.logger.Debug("Acct request",
		zap.String("user", req.username),
		zap.Uint32("type", uint32(statusType)),
		zap.String("session", req.sessionID),
	)

	switch statusType {
	case rfc2866.AcctStatusType_Value_Start:
		m.handleStart(ctx, req)
	case rfc2866.AcctStatusType_Value_InterimUpdate:
		m.handleInterim(ctx, req)
	case rfc2866.AcctStatusType_Value_Stop:
		m.handleStop(ctx, req)
	default:
		m.logger.Debug("Ignoring accounting status type",
			zap.Uint32("type", uint32(statusType)),
		)
	}

	w.Write(r.Response(radius.CodeAccountingResponse))
}

func decode(p *radius.Packet) request {
	req := request{
		username:         rfc2865.UserName_GetString(p),
		sessionID:        rfc2866.AcctSessionID_GetString(p),
		callingStationID: rfc2865.CallingStationID_GetString(p),
		sessionTime:      uint32(rfc2866.AcctSessionTime_Get(p)),
		inputOctets:      uint64(rfc2866.AcctInputOctets_Get(p)),
		outputOctets:     uint64(rfc2866.AcctOutputOctets_Get(p)),
		terminateCause:   uint32(rfc2866.AcctTerminateCause_Get(p)),
	}
	if ip := rfc2865.NASIPAddress_Get(p); ip != nil {
		req.nasAddr = ip.String()
	}
	if ip := rfc2865.FramedIPAddress_Get(p); ip != nil {
		req.framedIP = ip.String()
	}
	return req
}

func (m *Machine) handleStart(ctx context.Context, req request) {
	if m.metrics != nil {
		m.metrics.RecordAcct("start")
	}

	if req.framedIP != "" {
		if resolved := m.resolveConflict(ctx, req); !resolved {
			// The newcomer was disconnected or reassigned; no record.
			return
		}
	}

	now := m.now()
	rec := &directory.AccountingRecord{
		UniqueID:         UniqueID(req.sessionID, now),
		SessionID:        req.sessionID,
		Username:         req.username,
		NASAddress:       req.nasAddr,
		CallingStationID: req.callingStationID,
		FramedIP:         req.framedIP,
		StartTime:        now,
		UpdateTime:       now,
	}
	if err := m.dir.CreateAccounting(ctx, rec); err != nil {
		// A replayed Start for an already-open session is not an error.
		m.logger.Debug("Accounting record not created",
			zap.String("session", req.sessionID),
			zap.Error(err),
		)
	}

	m.markOnline(req, now)
	if m.cfg.IPManagement && m.pool != nil && req.framedIP != "" {
		framedIP, sessionID := req.framedIP, req.sessionID
		m.submit("attach-pool-session", func(ctx context.Context) error {
			return m.pool.AttachSession(ctx, framedIP, sessionID)
		})
	}
}

func (m *Machine) handleInterim(ctx context.Context, req request) {
	if m.metrics != nil {
		m.metrics.RecordAcct("interim")
	}
	now := m.now()

	rec, err := m.dir.OpenAccounting(ctx, req.sessionID, req.username)
	if err != nil {
		// The Start was lost, likely across a restart. Synthesize the
		// record with an estimated start time.
		start := now.Add(-time.Duration(req.sessionTime) * time.Second)
		rec = &directory.AccountingRecord{
			UniqueID:         UniqueID(req.sessionID, start),
			SessionID:        req.sessionID,
			Username:         req.username,
			NASAddress:       req.nasAddr,
			CallingStationID: req.callingStationID,
			FramedIP:         req.framedIP,
			StartTime:        start,
			UpdateTime:       now,
			SessionTime:      req.sessionTime,
			InputOctets:      req.inputOctets,
			OutputOctets:     req.outputOctets,
		}
		if err := m.dir.CreateAccounting(ctx, rec); err != nil {
			m.logger.Warn("Failed to synthesize accounting record",
				zap.String("session", req.sessionID),
				zap.Error(err),
			)
		} else {
			m.logger.Info("Synthesized accounting record from interim",
				zap.String("user", req.username),
				zap.String("session", req.sessionID),
			)
		}
	} else {
		rec.UpdateTime = now
		rec.SessionTime = req.sessionTime
		rec.InputOctets = req.inputOctets
		rec.OutputOctets = req.outputOctets
		if err := m.dir.UpdateAccounting(ctx, rec); err != nil {
			m.logger.Warn("Failed to update accounting record",
				zap.String("session", req.sessionID),
				zap.Error(err),
			)
		}
	}

	// Self-heal online state: the NAS says the session exists.
	m.markOnline(req, now)
}

func (m *Machine) handleStop(ctx context.Context, req request) {
	if m.metrics != nil {
		m.metrics.RecordAcct("stop")
	}
	now := m.now()

	rec, err := m.dir.OpenAccounting(ctx, req.sessionID, req.username)
	if err == nil {
		rec.StopTime = &now
		rec.UpdateTime = now
		rec.SessionTime = req.sessionTime
		rec.InputOctets = req.inputOctets
		rec.OutputOctets = req.outputOctets
		if req.terminateCause > 0 {
			rec.TerminateCause = strconv.FormatUint(uint64(req.terminateCause), 10)
		}
		if err := m.dir.UpdateAccounting(ctx, rec); err != nil {
			m.logger.Warn("Failed to close accounting record",
				zap.String("session", req.sessionID),
				zap.Error(err),
			)
		}
	} else {
		m.logger.Debug("Stop for unknown session",
			zap.String("user", req.username),
			zap.String("session", req.sessionID),
		)
	}

	if m.cfg.IPManagement && m.pool != nil && req.framedIP != "" {
		framedIP := req.framedIP
		m.submit("release-pool-address", func(ctx context.Context) error {
			return m.pool.Release(ctx, framedIP)
		})
	}

	m.markOffline(req.username)
}

// resolveConflict applies the duplicate-IP decision table when another
// subscriber is already online with the newcomer's address. It returns
// true when the newcomer keeps the address and the Start proceeds.
func (m *Machine) resolveConflict(ctx context.Context, req request) bool {
	online, err := m.dir.OnlineByAddress(ctx, req.framedIP)
	if err != nil {
		m.logger.Warn("Conflict check failed", zap.Error(err))
		return true
	}
	var other *directory.Subscriber
	for _, sub := range online {
		if sub.Username != req.username {
			other = sub
			break
		}
	}
	if other == nil {
		return true
	}

	owner, err := m.dir.ReservedOwner(ctx, req.framedIP)
	if err != nil {
		m.logger.Warn("Reserved-owner check failed", zap.Error(err))
		return true
	}
	staticToOther := owner != "" && owner != req.username

	strikesReached := false
	if staticToOther {
		count := m.strikes.strike(req.username, req.framedIP, m.now())
		strikesReached = count >= strikeThreshold
	}

	switch resolve(staticToOther, strikesReached) {
	case disconnectOld:
		m.logger.Info("Duplicate IP: disconnecting previous session",
			zap.String("ip", req.framedIP),
			zap.String("old_user", other.Username),
			zap.String("new_user", req.username),
		)
		m.closeRecord(ctx, other.SessionID, other.Username, terminateCauseCleanup)
		m.markOffline(other.Username)
		m.disconnect(req.nasAddr, other.Username, other.SessionID)
		if m.metrics != nil {
			m.metrics.RecordConflict("old_disconnected")
		}
		return true

	case disconnectNew:
		m.logger.Info("Duplicate IP on static address: disconnecting newcomer",
			zap.String("ip", req.framedIP),
			zap.String("owner", owner),
			zap.String("new_user", req.username),
		)
		m.disconnect(req.nasAddr, req.username, req.sessionID)
		if m.metrics != nil {
			m.metrics.RecordConflict("new_disconnected")
		}
		return false

	default: // reassignNew
		if m.reassign(ctx, req) {
			m.strikes.clear(req.username, req.framedIP)
			if m.metrics != nil {
				m.metrics.RecordConflict("reassigned")
			}
		} else if m.metrics != nil {
			m.metrics.RecordConflict("new_disconnected")
		}
		return false
	}
}

// reassign moves a repeat offender to a fresh address in the contested
// /24 and disconnects it so the reconnect picks the new address up. It
// returns false when no address could be found; the strike counter must
// stay in place so the next attempt escalates again.
func (m *Machine) reassign(ctx context.Context, req request) bool {
	addr, err := pool.FreeAddressInSubnet(ctx, m.dir, req.framedIP)
	if err != nil || addr == "" {
		m.logger.Error("No free address for reassignment",
			zap.String("user", req.username),
			zap.String("subnet_of", req.framedIP),
			zap.Error(err),
		)
		m.disconnect(req.nasAddr, req.username, req.sessionID)
		return false
	}
	if err := m.dir.SetAddressOverride(ctx, req.username, addr); err != nil {
		m.logger.Error("Failed to persist reassigned address",
			zap.String("user", req.username),
			zap.Error(err),
		)
	}
	m.logger.Info("Reassigned conflicting subscriber",
		zap.String("user", req.username),
		zap.String("from", req.framedIP),
		zap.String("to", addr),
	)
	m.disconnect(req.nasAddr, req.username, req.sessionID)
	return true
}

// closeRecord closes the open record of a session torn down by conflict
// resolution.
func (m *Machine) closeRecord(ctx context.Context, sessionID, username, cause string) {
	rec, err := m.dir.OpenAccounting(ctx, sessionID, username)
	if err != nil {
		return
	}
	now := m.now()
	rec.StopTime = &now
	rec.UpdateTime = now
	rec.TerminateCause = cause
	if err := m.dir.UpdateAccounting(ctx, rec); err != nil {
		m.logger.Warn("Failed to close displaced record",
			zap.String("session", sessionID),
			zap.Error(err),
		)
	}
}

// disconnect sends a CoA disconnect in the background. Delivery
// failures are logged; the next natural trigger retries.
func (m *Machine) disconnect(nasAddr, username, sessionID string) {
	n, err := m.nas.ByAddress(nasAddr)
	if err != nil {
		m.logger.Warn("Cannot disconnect via unknown NAS",
			zap.String("nas", nasAddr),
			zap.String("user", username),
		)
		return
	}
	m.submit("coa-disconnect", func(ctx context.Context) error {
		err := m.coa.Disconnect(ctx, n.Address, n.Secret, username, sessionID, n.CoAPort)
		if m.metrics != nil {
			if err != nil {
				m.metrics.RecordCoA("no_reply")
			} else {
				m.metrics.RecordCoA("delivered")
			}
		}
		if err != nil {
			return fmt.Errorf("disconnect %s on %s: %w", username, n.Name, err)
		}
		return nil
	})
}

// markOffline clears a subscriber's session state in the background so
// the online-by-address index stops returning it.
func (m *Machine) markOffline(username string) {
	seen := m.now()
	m.submit("mark-offline", func(ctx context.Context) error {
		offline := false
		empty := ""
		return m.dir.UpdateSubscriberSession(ctx, username, directory.SessionUpdate{
			Online:    &offline,
			SessionID: &empty,
			LastSeen:  &seen,
		})
	})
}

func (m *Machine) markOnline(req request, now time.Time) {
	username := req.username
	upd := directory.SessionUpdate{LastSeen: &now}
	online := true
	upd.Online = &online
	if req.framedIP != "" {
		ip := req.framedIP
		upd.IPAddress = &ip
	}
	if req.sessionID != "" {
		sid := req.sessionID
		upd.SessionID = &sid
	}
	if req.callingStationID != "" {
		mac := req.callingStationID
		upd.MACAddress = &mac
	}
	m.submit("mark-online", func(ctx context.Context) error {
		return m.dir.UpdateSubscriberSession(ctx, username, upd)
	})
}

// submit queues a fire-and-forget task, executing inline when no worker
// pool is wired (tests).
func (m *Machine) submit(name string, run func(context.Context) error) {
	if m.workers != nil {
		m.workers.Submit(worker.Task{Name: name, Run: run})
		return
	}
	if err := run(context.Background()); err != nil {
		m.logger.Warn("Background task failed", zap.String("task", name), zap.Error(err))
	}
}

// UniqueID derives the accounting unique id from the session id and a
// time suffix so it stays unique across NAS restarts. Ids longer than
// 32 characters are hash-compressed.
func UniqueID(sessionID string, t time.Time) string {
	id := fmt.Sprintf("%s-%d", sessionID, t.Unix())
	if len(id) <= uniqueIDMaxLen {
		return id
	}
	h := fnv.New64a()
	h.Write([]byte(id))
	return fmt.Sprintf("%016x-%d", h.Sum64(), t.Unix())
}
