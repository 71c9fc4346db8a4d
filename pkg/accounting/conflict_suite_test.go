package accounting_test

import (
	"context"
	"fmt"
	"net"
	"sync"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"go.uber.org/zap"
	"layeh.com/radius"
	"layeh.com/radius/rfc2865"
	"layeh.com/radius/rfc2866"

	"github.com/codelaboratoryltd/radiusd/pkg/accounting"
	"github.com/codelaboratoryltd/radiusd/pkg/directory"
	"github.com/codelaboratoryltd/radiusd/pkg/nas"
	"github.com/codelaboratoryltd/radiusd/pkg/pool"
)

func TestDuplicateIPResolution(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Duplicate IP Resolution Suite")
}

type recordingDisconnector struct {
	mu    sync.Mutex
	calls []disconnectCall
}

type disconnectCall struct {
	Username  string
	SessionID string
}

func (r *recordingDisconnector) Disconnect(_ context.Context, _, _, username, sessionID string, _ int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, disconnectCall{Username: username, SessionID: sessionID})
	return nil
}

func (r *recordingDisconnector) Calls() []disconnectCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]disconnectCall, len(r.calls))
	copy(out, r.calls)
	return out
}

type nullWriter struct{}

func (nullWriter) Write(*radius.Packet) error { return nil }

var _ = Describe("Duplicate IP Resolution", func() {
	var (
		store   *directory.MemoryStore
		machine *accounting.Machine
		disc    *recordingDisconnector
		ctx     context.Context
	)

	const contested = "10.20.0.100"

	startRequest := func(username, sessionID string) *radius.Request {
		p := radius.New(radius.CodeAccountingRequest, []byte("s3cret"))
		Expect(rfc2866.AcctStatusType_Set(p, rfc2866.AcctStatusType_Value_Start)).To(Succeed())
		Expect(rfc2865.UserName_SetString(p, username)).To(Succeed())
		Expect(rfc2866.AcctSessionID_SetString(p, sessionID)).To(Succeed())
		Expect(rfc2865.NASIPAddress_Set(p, net.ParseIP("192.0.2.1"))).To(Succeed())
		Expect(rfc2865.FramedIPAddress_Set(p, net.ParseIP(contested))).To(Succeed())
		return &radius.Request{
			RemoteAddr: &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 40000},
			Packet:     p,
		}
	}

	BeforeEach(func() {
		ctx = context.Background()
		store = directory.NewMemoryStore(zap.NewNop())
		store.PutNAS(&directory.NAS{Name: "edge-1", Address: "192.0.2.1", Secret: "s3cret"})
		table := nas.NewTable(store, zap.NewNop())
		Expect(table.Reload(ctx)).To(Succeed())

		disc = &recordingDisconnector{}
		mgr := pool.NewManager(store, zap.NewNop())
		machine = accounting.NewMachine(store, table, mgr, disc, nil, nil, accounting.Config{}, zap.NewNop())
	})

	Context("when the contested address is not statically owned", func() {
		BeforeEach(func() {
			store.PutSubscriber(&directory.Subscriber{
				Username: "old-user", Status: directory.StatusActive,
				Online: true, IPAddress: contested, SessionID: "old-sess",
			})
			store.PutSubscriber(&directory.Subscriber{
				Username: "new-user", Status: directory.StatusActive,
			})
			machine.Handle(nullWriter{}, startRequest("old-user", "old-sess"))
			disc.calls = nil

			machine.Handle(nullWriter{}, startRequest("new-user", "new-sess"))
		})

		It("disconnects the previous session", func() {
			calls := disc.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].Username).To(Equal("old-user"))
			Expect(calls[0].SessionID).To(Equal("old-sess"))
		})

		It("closes the displaced record with a cleanup cause", func() {
			_, err := store.OpenAccounting(ctx, "old-sess", "old-user")
			Expect(err).To(MatchError(directory.ErrNotFound))
		})

		It("lets the newcomer keep the address", func() {
			rec, err := store.OpenAccounting(ctx, "new-sess", "new-user")
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.FramedIP).To(Equal(contested))
		})

		It("marks the displaced subscriber offline", func() {
			sub, err := store.SubscriberByUsername(ctx, "old-user")
			Expect(err).NotTo(HaveOccurred())
			Expect(sub.Online).To(BeFalse())
			Expect(sub.SessionID).To(BeEmpty())
		})

		It("does not disconnect the displaced session again on a retransmitted start", func() {
			machine.Handle(nullWriter{}, startRequest("new-user", "new-sess"))

			calls := disc.Calls()
			Expect(calls).To(HaveLen(1))
			Expect(calls[0].SessionID).To(Equal("old-sess"))
		})
	})

	Context("when the contested address is static to another subscriber", func() {
		BeforeEach(func() {
			store.PutSubscriber(&directory.Subscriber{
				Username: "owner", Status: directory.StatusActive,
				StaticIP: contested,
				Online:   true, IPAddress: contested, SessionID: "owner-sess",
			})
			store.PutSubscriber(&directory.Subscriber{
				Username: "intruder", Status: directory.StatusActive,
			})
		})

		It("disconnects the newcomer on the first strikes", func() {
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-1"))
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-2"))

			calls := disc.Calls()
			Expect(calls).To(HaveLen(2))
			Expect(calls[0].Username).To(Equal("intruder"))
			Expect(calls[1].Username).To(Equal("intruder"))

			// The owner's session must be untouched.
			for _, c := range calls {
				Expect(c.Username).NotTo(Equal("owner"))
			}

			// No record for the rejected starts.
			_, err := store.OpenAccounting(ctx, "bad-1", "intruder")
			Expect(err).To(MatchError(directory.ErrNotFound))
		})

		It("reassigns the newcomer after the third strike", func() {
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-1"))
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-2"))
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-3"))

			override, err := store.AddressOverride(ctx, "intruder")
			Expect(err).NotTo(HaveOccurred())
			Expect(override).NotTo(Equal(contested))
			Expect(override).To(HavePrefix("10.20.0."))

			// The escalation still disconnects the current attempt.
			Expect(disc.Calls()).To(HaveLen(3))
		})
	})

	Context("when every host in the contested /24 is taken", func() {
		BeforeEach(func() {
			store.PutSubscriber(&directory.Subscriber{
				Username: "owner", Status: directory.StatusActive,
				StaticIP: contested,
				Online:   true, IPAddress: contested, SessionID: "owner-sess",
			})
			store.PutSubscriber(&directory.Subscriber{
				Username: "intruder", Status: directory.StatusActive,
			})
			for host := 10; host <= 249; host++ {
				addr := fmt.Sprintf("10.20.0.%d", host)
				if addr == contested {
					continue
				}
				store.PutSubscriber(&directory.Subscriber{
					Username: fmt.Sprintf("tenant-%d", host),
					Status:   directory.StatusActive,
					StaticIP: addr,
				})
			}
		})

		It("keeps disconnecting the newcomer without a bogus reassignment", func() {
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-1"))
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-2"))
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-3"))

			_, err := store.AddressOverride(ctx, "intruder")
			Expect(err).To(MatchError(directory.ErrNotFound))
			Expect(disc.Calls()).To(HaveLen(3))

			// The strike counter stays armed so the next attempt is
			// still treated as an escalation.
			machine.Handle(nullWriter{}, startRequest("intruder", "bad-4"))
			Expect(disc.Calls()).To(HaveLen(4))
			_, err = store.AddressOverride(ctx, "intruder")
			Expect(err).To(MatchError(directory.ErrNotFound))
		})
	})

	Context("when the same subscriber restarts on its own address", func() {
		It("does not treat the restart as a conflict", func() {
			store.PutSubscriber(&directory.Subscriber{
				Username: "alice", Status: directory.StatusActive,
				Online: true, IPAddress: contested, SessionID: "sess-1",
			})
			machine.Handle(nullWriter{}, startRequest("alice", "sess-2"))

			Expect(disc.Calls()).To(BeEmpty())
			_, err := store.OpenAccounting(ctx, "sess-2", "alice")
			Expect(err).NotTo(HaveOccurred())
		})
	})
})
