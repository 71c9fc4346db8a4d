// Package server runs the authentication and accounting UDP listeners.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"layeh.com/radius"
)

// shutdownGrace bounds how long in-flight handlers may finish.
const shutdownGrace = 5 * time.Second

// Config holds the listener addresses.
type Config struct {
	AuthAddr string
	AcctAddr string
}

// Server owns the two RADIUS packet servers.
type Server struct {
	cfg    Config
	auth   *radius.PacketServer
	acct   *radius.PacketServer
	logger *zap.Logger

	authConn net.PacketConn
	acctConn net.PacketConn
}

// New creates the server pair. The secret source decides which NAS may
// talk to either port.
func New(cfg Config, authHandler, acctHandler radius.Handler, secrets radius.SecretSource, logger *zap.Logger) *Server {
	return &Server{
		cfg: cfg,
		auth: &radius.PacketServer{
			Handler:      authHandler,
			SecretSource: secrets,
		},
		acct: &radius.PacketServer{
			Handler:      acctHandler,
			SecretSource: secrets,
		},
		logger: logger,
	}
}

// Listen binds both UDP sockets. Run can then be called; tests read
// the bound addresses via AuthAddr/AcctAddr.
func (s *Server) Listen() error {
	authConn, err := net.ListenPacket("udp", s.cfg.AuthAddr)
	if err != nil {
		return fmt.Errorf("listen auth %s: %w", s.cfg.AuthAddr, err)
	}
	acctConn, err := net.ListenPacket("udp", s.cfg.AcctAddr)
	if err != nil {
		authConn.Close()
		return fmt.Errorf("listen acct %s: %w", s.cfg.AcctAddr, err)
	}
	s.authConn = authConn
	s.acctConn = acctConn
	s.logger.Info("RADIUS listeners bound",
		zap.String("auth", authConn.LocalAddr().String()),
		zap.String("acct", acctConn.LocalAddr().String()),
	)
	return nil
}

// AuthAddr returns the bound authentication address.
func (s *Server) AuthAddr() net.Addr { return s.authConn.LocalAddr() }

// AcctAddr returns the bound accounting address.
func (s *Server) AcctAddr() net.Addr { return s.acctConn.LocalAddr() }

// Run serves both listeners until ctx is cancelled, then shuts both
// down gracefully. Listen must have been called.
func (s *Server) Run(ctx context.Context) error {
	if s.authConn == nil || s.acctConn == nil {
		return fmt.Errorf("server: Run called before Listen")
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.auth.Serve(s.authConn); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
			return fmt.Errorf("auth server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if err := s.acct.Serve(s.acctConn); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
			return fmt.Errorf("acct server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.logger.Info("Shutting down RADIUS listeners")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := s.auth.Shutdown(shutdownCtx); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
			s.logger.Warn("Auth server shutdown", zap.Error(err))
		}
		if err := s.acct.Shutdown(shutdownCtx); err != nil && !errors.Is(err, radius.ErrServerShutdown) {
			s.logger.Warn("Acct server shutdown", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}
