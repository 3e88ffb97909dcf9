package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"gitlab.com/d21d3q/wmbusd/internal/decoder"
	"gitlab.com/d21d3q/wmbusd/internal/protocol"
)

// Session states.
const (
	StateListening = "listening"
	StateActive    = "active"
	StateDraining  = "draining"
	StateClosed    = "closed"
)

const (
	eventStart = "start"
	eventDrain = "drain"
	eventClose = "close"
)

// Options bound the resources one session may use.
type Options struct {
	Workers         int
	MaxPending      int
	MaxCachedMeters int
	MaxLineBytes    int
	RequestTimeout  time.Duration
	IdleTimeout     time.Duration
}

// DefaultOptions returns the limits used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Workers:         4,
		MaxPending:      64,
		MaxCachedMeters: 256,
		MaxLineBytes:    64 * 1024,
		RequestTimeout:  5 * time.Second,
		IdleTimeout:     5 * time.Minute,
	}
}

// slot receives the response of one request. Slots are queued in request
// order and the writer drains them in that order.
type slot chan protocol.Response

// Session serves the JSON lines protocol on one connection. Decodes run
// concurrently on a bounded pool while responses are written in request
// order.
type Session struct {
	id         int64
	conn       net.Conn
	opts       Options
	dispatcher *decoder.Dispatcher
	cache      *decoder.Cache
	log        logrus.FieldLogger

	state *fsm.FSM
	order *meterOrder

	ctx    context.Context
	cancel context.CancelFunc

	requests   *atomic.Int64
	inflight   *atomic.Int64
	lastActive *atomic.Int64

	closeOnce sync.Once
	writeErr  error
}

// NewSession prepares a session for conn. It does not start reading until
// Run is called.
func NewSession(id int64, conn net.Conn, d *decoder.Dispatcher, opts Options, log logrus.FieldLogger) (*Session, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithFields(logrus.Fields{"conn": id, "remote": remoteName(conn)})
	cache, err := decoder.NewCache(opts.MaxCachedMeters, log)
	if err != nil {
		return nil, err
	}
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.MaxPending < 1 {
		opts.MaxPending = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		conn:       conn,
		opts:       opts,
		dispatcher: d,
		cache:      cache,
		log:        log,
		state: fsm.NewFSM(StateListening, fsm.Events{
			{Name: eventStart, Src: []string{StateListening}, Dst: StateActive},
			{Name: eventDrain, Src: []string{StateActive}, Dst: StateDraining},
			{Name: eventClose, Src: []string{StateListening, StateActive, StateDraining}, Dst: StateClosed},
		}, fsm.Callbacks{}),
		order:      newMeterOrder(),
		ctx:        ctx,
		cancel:     cancel,
		requests:   atomic.NewInt64(0),
		inflight:   atomic.NewInt64(0),
		lastActive: atomic.NewInt64(time.Now().UnixNano()),
	}, nil
}

// ID returns the connection id assigned by the server.
func (s *Session) ID() int64 { return s.id }

// State returns the current session state.
func (s *Session) State() string { return s.state.Current() }

// Requests returns the number of request lines read so far.
func (s *Session) Requests() int64 { return s.requests.Load() }

// Cache returns the session's meter cache.
func (s *Session) Cache() *decoder.Cache { return s.cache }

// Run serves the connection until the client hangs up, a write fails or ctx
// is cancelled. All outstanding responses are flushed when the client hangs
// up. The returned error is the write error that ended the session, if any.
func (s *Session) Run(ctx context.Context) error {
	s.log.Debug("session started")

	stop := context.AfterFunc(ctx, s.shutdown)
	defer stop()

	pending := make(chan slot, s.opts.MaxPending)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(pending)
	}()
	if s.opts.IdleTimeout > 0 {
		go s.watchIdle()
	}

	var workers sync.WaitGroup
	err := s.readLoop(pending, &workers)
	close(pending)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && s.ctx.Err() == nil {
		s.log.WithError(err).Debug("read failed")
	}
	s.transition(eventDrain)

	<-writerDone
	workers.Wait()
	s.shutdown()
	s.log.WithField("requests", s.requests.Load()).Debug("session closed")
	return s.writeErr
}

// Close ends the session without flushing outstanding responses.
func (s *Session) Close() {
	s.shutdown()
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
	})
	s.transition(eventClose)
}

func (s *Session) readLoop(pending chan<- slot, workers *sync.WaitGroup) error {
	sem := make(chan struct{}, s.opts.Workers)
	lines := protocol.NewLineReader(activityReader{r: s.conn, touch: s.touch}, s.opts.MaxLineBytes)
	started := false
	for {
		line, err := lines.Next()
		if !started && (err == nil || errors.Is(err, protocol.ErrLineTooLong)) {
			s.transition(eventStart)
			started = true
		}
		switch {
		case errors.Is(err, protocol.ErrLineTooLong):
			s.requests.Inc()
			sl := make(slot, 1)
			sl <- s.dispatcher.ShapeFailure(err)
			if !s.enqueue(pending, sl) {
				return s.ctx.Err()
			}
			continue
		case err != nil:
			return err
		}
		s.requests.Inc()

		sl := make(slot, 1)
		if !s.enqueue(pending, sl) {
			return s.ctx.Err()
		}
		job := s.dispatcher.Prepare(line)
		select {
		case sem <- struct{}{}:
		case <-s.ctx.Done():
			sl <- s.dispatcher.TimeoutFailure(job, s.ctx.Err())
			return s.ctx.Err()
		}
		// Jobs for the same meter run one after another in the order they
		// were read, so cache updates such as learned compact formats are
		// applied as if the requests had been sent one at a time.
		prev, release := s.order.next(job.Identity())
		workers.Add(1)
		go func() {
			defer workers.Done()
			defer func() { <-sem }()
			defer release()
			s.decode(job, prev, sl)
		}()
	}
}

// enqueue blocks while the pending queue is full, which stops the reader
// from taking more input.
func (s *Session) enqueue(pending chan<- slot, sl slot) bool {
	s.inflight.Inc()
	select {
	case pending <- sl:
		return true
	case <-s.ctx.Done():
		s.inflight.Dec()
		return false
	}
}

// decode holds its worker slot until the driver has returned, even when
// the response already went out as a timeout. The request timeout starts
// once the previous job for the same meter is done.
func (s *Session) decode(job *decoder.Job, prev <-chan struct{}, sl slot) {
	if prev != nil {
		select {
		case <-prev:
		case <-s.ctx.Done():
			sl <- s.dispatcher.TimeoutFailure(job, s.ctx.Err())
			<-prev
			return
		}
	}
	ctx := s.ctx
	if s.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}
	s.dispatcher.Execute(ctx, job, s.cache, func(resp protocol.Response) { sl <- resp })
}

func (s *Session) writeLoop(pending <-chan slot) {
	for sl := range pending {
		var resp protocol.Response
		select {
		case resp = <-sl:
		case <-s.ctx.Done():
			s.inflight.Dec()
			continue
		}
		if s.ctx.Err() == nil {
			if err := s.write(resp); err != nil {
				s.writeErr = fmt.Errorf("write response: %w", err)
				s.log.WithError(err).Debug("write failed, closing session")
				s.shutdown()
			}
		}
		s.touch()
		s.inflight.Dec()
	}
}

func (s *Session) write(resp protocol.Response) error {
	if _, err := resp.MarshalJSON(); err != nil {
		s.log.WithError(err).WithField("meter_id", resp.ID).Warn("driver returned fields that cannot be encoded")
		resp = protocol.Response{Error: "decoding failed: " + err.Error(), ID: resp.ID}
	}
	return protocol.WriteResponse(s.conn, resp)
}

// watchIdle closes the connection once nothing was read or written and no
// request was outstanding for the idle timeout.
func (s *Session) watchIdle() {
	timer := time.NewTimer(s.opts.IdleTimeout)
	defer timer.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-timer.C:
		}
		idle := time.Since(time.Unix(0, s.lastActive.Load()))
		if idle >= s.opts.IdleTimeout && s.inflight.Load() == 0 {
			s.log.WithField("idle", idle.Round(time.Millisecond)).Info("closing idle connection")
			s.conn.Close()
			return
		}
		next := s.opts.IdleTimeout - idle
		if next <= 0 {
			next = s.opts.IdleTimeout
		}
		timer.Reset(next)
	}
}

func (s *Session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

func (s *Session) transition(event string) {
	err := s.state.Event(context.Background(), event)
	var invalid fsm.InvalidEventError
	if err != nil && !errors.As(err, &invalid) {
		s.log.WithError(err).WithField("event", event).Debug("session state change")
	}
}

// meterOrder chains the jobs of each meter identity.
type meterOrder struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

func newMeterOrder() *meterOrder {
	return &meterOrder{tails: make(map[string]chan struct{})}
}

// next registers a job for identity. The job may start once prev is closed
// (prev is nil when nothing is outstanding) and must call release when done.
func (o *meterOrder) next(identity string) (prev <-chan struct{}, release func()) {
	if identity == "" {
		return nil, func() {}
	}
	done := make(chan struct{})
	o.mu.Lock()
	if tail, ok := o.tails[identity]; ok {
		prev = tail
	}
	o.tails[identity] = done
	o.mu.Unlock()
	return prev, func() {
		o.mu.Lock()
		if o.tails[identity] == done {
			delete(o.tails, identity)
		}
		o.mu.Unlock()
		close(done)
	}
}

func (o *meterOrder) len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.tails)
}

type activityReader struct {
	r     io.Reader
	touch func()
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}

func remoteName(conn net.Conn) string {
	if addr := conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}
