// Package server accepts connections on TCP and unix sockets and runs one
// decode session per connection.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"gitlab.com/d21d3q/wmbusd/internal/decoder"
)

const (
	minAcceptBackoff = 5 * time.Millisecond
	maxAcceptBackoff = time.Second
)

// Config selects the endpoints to serve and the per-session limits.
type Config struct {
	TCP      string
	Unix     string
	UnixMode os.FileMode
	Session  Options
}

// Server owns the listeners and the live sessions.
type Server struct {
	cfg        Config
	dispatcher *decoder.Dispatcher
	log        logrus.FieldLogger

	connIDs *atomic.Int64
	live    *atomic.Int64

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[int64]*Session
	closed    bool
	done      chan struct{}
	sessWG    sync.WaitGroup
}

// New returns a server that decodes with d.
func New(cfg Config, d *decoder.Dispatcher, log logrus.FieldLogger) *Server {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Server{
		cfg:        cfg,
		dispatcher: d,
		log:        log,
		connIDs:    atomic.NewInt64(0),
		live:       atomic.NewInt64(0),
		sessions:   make(map[int64]*Session),
		done:       make(chan struct{}),
	}
}

// Listen binds every configured endpoint. Any bind failure closes what was
// already bound and is returned.
func (s *Server) Listen() error {
	if s.cfg.TCP == "" && s.cfg.Unix == "" {
		return errors.New("no endpoint configured")
	}
	if s.cfg.TCP != "" {
		l, err := net.Listen("tcp", s.cfg.TCP)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen tcp %s: %w", s.cfg.TCP, err)
		}
		s.addListener(l)
	}
	if s.cfg.Unix != "" {
		l, err := listenUnix(s.cfg.Unix, s.cfg.UnixMode)
		if err != nil {
			s.closeListeners()
			return err
		}
		s.addListener(l)
	}
	return nil
}

func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if fi, err := os.Lstat(path); err == nil {
		if fi.Mode()&os.ModeSocket == 0 {
			return nil, fmt.Errorf("listen unix %s: file exists and is not a socket", path)
		}
		if err := os.Remove(path); err != nil {
			return nil, fmt.Errorf("remove stale socket %s: %w", path, err)
		}
	}
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen unix %s: %w", path, err)
	}
	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			l.Close()
			return nil, fmt.Errorf("chmod %s: %w", path, err)
		}
	}
	return l, nil
}

func (s *Server) addListener(l net.Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
	s.log.WithField("endpoint", endpoint(l.Addr())).Info("listening")
}

// Addrs returns the bound listener addresses.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

// Live returns the number of open sessions.
func (s *Server) Live() int64 { return s.live.Load() }

// Serve accepts connections on all bound listeners until ctx is cancelled
// or Close is called, then waits for every session to end.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()
	if len(listeners) == 0 {
		return errors.New("serve: no listener bound")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-s.done:
		}
		s.Close()
		return nil
	})
	for _, l := range listeners {
		g.Go(func() error {
			return s.acceptLoop(ctx, l)
		})
	}
	err := g.Wait()
	s.sessWG.Wait()
	return err
}

// ListenAndServe binds the configured endpoints and serves them.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

func (s *Server) acceptLoop(ctx context.Context, l net.Listener) error {
	log := s.log.WithField("endpoint", endpoint(l.Addr()))
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || s.isClosed() {
				return nil
			}
			if backoff == 0 {
				backoff = minAcceptBackoff
			} else if backoff *= 2; backoff > maxAcceptBackoff {
				backoff = maxAcceptBackoff
			}
			log.WithError(err).WithField("retry_in", backoff).Warn("accept failed")
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil
			}
			continue
		}
		backoff = 0
		s.ServeConn(ctx, conn)
	}
}

// ServeConn starts a session on conn and returns immediately. The server
// closes conn when it is shut down.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn) {
	id := s.connIDs.Inc()
	sess, err := NewSession(id, conn, s.dispatcher, s.cfg.Session, s.log)
	if err != nil {
		s.log.WithError(err).WithField("conn", id).Error("cannot start session")
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.sessions[id] = sess
	s.sessWG.Add(1)
	s.mu.Unlock()

	s.live.Inc()
	log := s.log.WithFields(logrus.Fields{"conn": id, "remote": remoteName(conn), "local": endpoint(conn.LocalAddr())})
	log.Info("connection opened")
	go func() {
		defer s.sessWG.Done()
		err := sess.Run(ctx)
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		s.live.Dec()
		entry := log.WithFields(logrus.Fields{
			"requests": sess.Requests(),
			"meters":   sess.Cache().Len(),
			"evicted":  sess.Cache().Evictions(),
		})
		if err != nil {
			entry = entry.WithError(err)
		}
		entry.Info("connection closed")
	}()
}

// Close stops accepting, then closes every live session. Serve returns once
// they have ended.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	s.closeListeners()
	for _, sess := range sessions {
		sess.Close()
	}
}

func (s *Server) closeListeners() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, l := range s.listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.WithError(err).WithField("endpoint", endpoint(l.Addr())).Warn("closing listener")
		}
	}
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func endpoint(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	return addr.Network() + "://" + addr.String()
}
