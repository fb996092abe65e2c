// Package server implements the control server (spec §4.3, C3): the
// accept loop, one reader/writer task pair per session, and graceful
// shutdown. It plays the role internal/device's connection-accept
// plumbing plays in the teacher repo, generalized from a single local PTY
// bridge to many simultaneous authenticated TCP clients.
package server

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/srg/bleproxyd/internal/bleproxy"
	"github.com/srg/bleproxyd/internal/proxy"
	"github.com/srg/bleproxyd/internal/session"
	"github.com/srg/bleproxyd/internal/taskrunner"
	"github.com/srg/bleproxyd/internal/wire"
)

// DefaultShutdownGrace is SHUTDOWN_GRACE.
const DefaultShutdownGrace = 5 * time.Second

// pingIntervalDivisor sets the ping cadence to PingTimeout/4: the session
// closes on the fourth consecutive tick without a pong, so a silent peer is
// dropped within PingTimeout of its last pong.
const pingIntervalDivisor = 4

// Config bundles the control server's accept-loop and session settings.
type Config struct {
	Host           string
	Port           int
	SessionConfig  session.Config
	ShutdownGrace  time.Duration
	OutboxCapacity int
}

// Server owns the listening socket, the session manager, and the
// coordinator every session dispatches into.
type Server struct {
	cfg    Config
	coord  *proxy.Coordinator
	mgr    *session.Manager
	logger *logrus.Logger

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New returns a Server bound to coord. mgr must be the same Manager coord
// was constructed with as its proxy.OutboundSink.
func New(cfg Config, coord *proxy.Coordinator, mgr *session.Manager, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Server{cfg: cfg, coord: coord, mgr: mgr, logger: logger}
}

// Serve binds the listening socket and runs the accept loop (T1) until
// ctx is cancelled, at which point it performs the graceful shutdown
// sequence spec §4.3 describes.
func (srv *Server) Serve(ctx context.Context) error {
	port := srv.cfg.Port
	if port <= 0 {
		port = 6053
	}
	addr := net.JoinHostPort(srv.cfg.Host, strconv.Itoa(port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return bleproxy.New(bleproxy.KindInternal, "listen failed", err)
	}
	srv.mu.Lock()
	srv.listener = ln
	srv.mu.Unlock()

	srv.logger.WithField("addr", addr).Info("control server listening")

	go func() {
		<-ctx.Done()
		srv.shutdown()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			srv.mu.Lock()
			closing := srv.closing
			srv.mu.Unlock()
			if closing {
				srv.wg.Wait()
				return nil
			}
			return bleproxy.New(bleproxy.KindInternal, "accept failed", err)
		}
		srv.wg.Add(1)
		taskrunner.Go(ctx, "session-task", func(taskCtx context.Context) {
			defer srv.wg.Done()
			srv.serveConn(taskCtx, conn)
		})
	}
}

func (srv *Server) shutdown() {
	srv.mu.Lock()
	srv.closing = true
	ln := srv.listener
	srv.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}

	for _, s := range srv.mgr.Sessions() {
		s.Close()
	}

	done := make(chan struct{})
	go func() { srv.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(srv.cfg.ShutdownGrace):
		srv.logger.Warn("shutdown grace period elapsed with sessions still draining")
	}
}

func (srv *Server) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	id := srv.mgr.NextID()
	out := session.NewOutbox(srv.cfg.OutboxCapacity)
	sess := session.New(id, srv.cfg.SessionConfig, srv.coord, out, srv.logger)
	srv.mgr.Register(sess)
	defer srv.mgr.Unregister(id)

	writerDone := make(chan struct{})
	taskrunner.Go(ctx, "session-writer", func(context.Context) {
		defer close(writerDone)
		srv.writeLoop(conn, out)
	})

	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	taskrunner.Go(pingCtx, "session-ping-monitor", func(context.Context) {
		srv.pingMonitor(pingCtx, conn, sess)
	})

	srv.readLoop(conn, sess)
	sess.Close()
	<-writerDone
}

// pingMonitor drives T2's half of the PING_TIMEOUT contract: it pings the
// peer every PingTimeout/pingIntervalDivisor and closes the socket once
// three consecutive pings go unanswered.
func (srv *Server) pingMonitor(ctx context.Context, conn net.Conn, sess *session.Session) {
	timeout := srv.cfg.SessionConfig.PingTimeout
	if timeout <= 0 {
		timeout = session.DefaultPingTimeout
	}
	ticker := time.NewTicker(timeout / pingIntervalDivisor)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sess.SendPing()
			if sess.CheckPingTimeout() {
				srv.logger.Warn("session closing: ping timeout")
				_ = conn.Close()
				return
			}
		}
	}
}

func (srv *Server) readLoop(conn net.Conn, sess *session.Session) {
	dec := wire.NewDecoder()
	buf := make([]byte, 4096)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, ok, ferr := dec.Next()
				if ferr != nil {
					srv.logger.WithError(ferr).Warn("session closing on frame error")
					return
				}
				if !ok {
					break
				}
				if herr := sess.HandleFrame(f); herr != nil {
					srv.logger.WithError(herr).Debug("session closing after handler error")
					return
				}
			}
		}
		if err != nil {
			if dec.Pending() {
				srv.logger.WithError(err).Warn("session closing on mid-frame EOF")
			}
			return
		}
	}
}

func (srv *Server) writeLoop(conn net.Conn, out *session.Outbox) {
	buf := make([]byte, 4096)
	for {
		n, err := out.Drain(buf)
		if err != nil {
			return
		}
		if n > 0 {
			if _, werr := conn.Write(buf[:n]); werr != nil {
				return
			}
			continue
		}
		select {
		case <-out.Notify():
		case <-time.After(100 * time.Millisecond):
		}
	}
}

