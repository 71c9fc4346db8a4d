// Package coa implements the client side of RADIUS Change-of-Authorization
// (RFC 5176): unsolicited disconnect of live sessions and shared-secret
// probing against a NAS.
package coa

import (
	"context"
	"crypto/md5"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"go.uber.org/zap"
)

// CoA packet codes.
const (
	CodeCoARequest = 43
	CodeCoAACK     = 44
	CodeCoANAK     = 45
)

// Attribute types carried in disconnect requests.
const (
	attrUserName      = 1
	attrAcctSessionID = 44
)

// Well-known CoA ports, probed in order: the modern default first, then
// the legacy fallback some NAS firmware still listens on.
const (
	DefaultPort = 3799
	LegacyPort  = 1700
)

// ErrNoReply is returned when the NAS did not answer within the timeout.
var ErrNoReply = errors.New("coa: no reply from NAS")

// SecretStatus is the outcome of a secret probe.
type SecretStatus int

const (
	// SecretUnknown means no port answered; the secret is neither
	// proven right nor wrong.
	SecretUnknown SecretStatus = iota
	// SecretValid means the NAS accepted the request authenticator
	// (an ACK or a NAK both prove the secret).
	SecretValid
)

func (s SecretStatus) String() string {
	if s == SecretValid {
		return "valid"
	}
	return "unknown"
}

// Client sends CoA requests over UDP with a short per-send timeout.
type Client struct {
	logger  *zap.Logger
	timeout time.Duration
}

// NewClient creates a CoA client. A zero timeout defaults to 2 seconds.
func NewClient(timeout time.Duration, logger *zap.Logger) *Client {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{logger: logger, timeout: timeout}
}

// Disconnect tells the NAS at nasAddr to drop the session identified by
// username and sessionID. An ACK or a NAK both mean the command was
// delivered (a NAK just means the NAS had no matching session anymore).
func (c *Client) Disconnect(ctx context.Context, nasAddr, secret, username, sessionID string, port int) error {
	if port <= 0 {
		port = DefaultPort
	}

	attrs := encodeAttribute(attrUserName, []byte(username))
	attrs = append(attrs, encodeAttribute(attrAcctSessionID, []byte(sessionID))...)

	code, err := c.exchange(ctx, net.JoinHostPort(nasAddr, fmt.Sprint(port)), secret, attrs)
	if err != nil {
		return fmt.Errorf("coa disconnect %s@%s: %w", username, nasAddr, err)
	}

	switch code {
	case CodeCoAACK:
		c.logger.Info("CoA disconnect acknowledged",
			zap.String("nas", nasAddr),
			zap.String("username", username),
			zap.String("session_id", sessionID),
		)
	case CodeCoANAK:
		c.logger.Info("CoA disconnect NAKed (session already gone)",
			zap.String("nas", nasAddr),
			zap.String("username", username),
			zap.String("session_id", sessionID),
		)
	default:
		return fmt.Errorf("coa disconnect %s@%s: unexpected reply code %d", username, nasAddr, code)
	}
	return nil
}

// ProbeSecret checks whether secret is accepted by the NAS at nasAddr.
// It walks the well-known CoA ports in order with a throwaway request;
// both an ACK and a NAK prove the secret (a NAK only means no session
// matched). When every port times out the result is SecretUnknown.
func (c *Client) ProbeSecret(ctx context.Context, nasAddr, secret string, ports ...int) SecretStatus {
	if len(ports) == 0 {
		ports = []int{DefaultPort, LegacyPort}
	}

	attrs := encodeAttribute(attrUserName, []byte("radiusd-secret-probe"))
	attrs = append(attrs, encodeAttribute(attrAcctSessionID, []byte("00000000"))...)

	for _, port := range ports {
		code, err := c.exchange(ctx, net.JoinHostPort(nasAddr, fmt.Sprint(port)), secret, attrs)
		if err != nil {
			c.logger.Debug("CoA probe port gave no answer",
				zap.String("nas", nasAddr),
				zap.Int("port", port),
				zap.Error(err),
			)
			continue
		}
		if code == CodeCoAACK || code == CodeCoANAK {
			return SecretValid
		}
	}
	return SecretUnknown
}

// exchange sends one CoA-Request and waits for the matching reply.
func (c *Client) exchange(ctx context.Context, addr, secret string, attrs []byte) (byte, error) {
	identifier := byte(rand.Intn(256))
	packet := buildRequest(identifier, attrs, []byte(secret))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", addr)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
		deadline = ctxDeadline
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return 0, err
	}

	if _, err := conn.Write(packet); err != nil {
		return 0, err
	}

	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return 0, ErrNoReply
			}
			return 0, err
		}
		if n < 20 {
			continue
		}
		if buf[1] != identifier {
			continue
		}
		length := binary.BigEndian.Uint16(buf[2:4])
		if int(length) > n || length < 20 {
			continue
		}
		if !verifyResponse(buf[:length], packet[4:20], []byte(secret)) {
			c.logger.Warn("CoA reply failed authenticator check", zap.String("addr", addr))
			continue
		}
		return buf[0], nil
	}
}

// buildRequest assembles a CoA-Request: code, identifier, length,
// request authenticator, attributes. The authenticator is
// MD5(code + id + length + 16 zero bytes + attributes + secret).
func buildRequest(identifier byte, attrs, secret []byte) []byte {
	length := 20 + len(attrs)
	packet := make([]byte, length)
	packet[0] = CodeCoARequest
	packet[1] = identifier
	binary.BigEndian.PutUint16(packet[2:4], uint16(length))
	copy(packet[20:], attrs)

	hash := md5.New()
	hash.Write(packet[:4])
	hash.Write(make([]byte, 16))
	hash.Write(packet[20:])
	hash.Write(secret)
	copy(packet[4:20], hash.Sum(nil))

	return packet
}

// verifyResponse checks the reply authenticator:
// MD5(code + id + length + request authenticator + attributes + secret).
func verifyResponse(packet, requestAuth, secret []byte) bool {
	hash := md5.New()
	hash.Write(packet[:4])
	hash.Write(requestAuth)
	hash.Write(packet[20:])
	hash.Write(secret)
	expected := hash.Sum(nil)

	for i := 0; i < 16; i++ {
		if packet[4+i] != expected[i] {
			return false
		}
	}
	return true
}

func encodeAttribute(attrType byte, value []byte) []byte {
	attr := make([]byte, 2+len(value))
	attr[0] = attrType
	attr[1] = byte(2 + len(value))
	copy(attr[2:], value)
	return attr
}
