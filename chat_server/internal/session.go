package internal

import (
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"chatrelay/tools"
	"chatrelay/tools/logging"
)

// lineHandler receives the events of a session. Broker is the production implementation.
type lineHandler interface {
	Dispatch(s *Session, line string)
	onDisconnect(s *Session, cause error)
}

type sessionConfig struct {
	idleTimeout  time.Duration
	writeTimeout time.Duration
	outboxSize   int
}

// Session owns one client connection: a read loop feeding the broker and
// a writer goroutine draining the outbox filled by broadcasts.
type Session struct {
	id      string
	conn    Connection
	remote  string
	handler lineHandler
	config  sessionConfig
	logger  *logging.Logger

	mu    sync.RWMutex
	name  string
	cause error

	alive      atomic.Bool
	outbox     chan string
	quit       chan struct{}
	quitOnce   sync.Once
	abortOnce  sync.Once
	writerDone chan struct{}
}

func newSession(conn Connection, handler lineHandler, config sessionConfig, logger *logging.Logger) *Session {
	if config.outboxSize <= 0 {
		config.outboxSize = defaultOutboxSize
	}
	if logger == nil {
		logger = logging.Nop()
	}
	id := uuid.New().String()
	remote := conn.RemoteAddr()
	s := &Session{
		id:         id,
		conn:       conn,
		remote:     remote,
		handler:    handler,
		config:     config,
		logger:     logger.With(logging.Fields{"session": id, "remote": remote}),
		name:       remote,
		outbox:     make(chan string, config.outboxSize),
		quit:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	s.alive.Store(true)
	return s
}

// ID returns the unique session identifier.
func (s *Session) ID() string {
	return s.id
}

// Name returns the display name: the remote address until the client sent a "<name>: ..." line.
func (s *Session) Name() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.name
}

// RemoteAddr returns the peer address of the connection.
func (s *Session) RemoteAddr() string {
	return s.remote
}

// Alive reports whether the session still accepts deliveries.
func (s *Session) Alive() bool {
	return s.alive.Load()
}

// Run blocks for the whole life of the session. The end of the read loop is the only
// way a session terminates; the broker is told exactly once, then Run waits for the writer.
func (s *Session) Run() {
	go s.writeLoop()

	err := s.readLoop()
	if !s.alive.Load() && s.failure() == nil {
		// closed on our side, the read error is only the echo of it
		err = nil
	}
	s.abort(err)

	s.handler.onDisconnect(s, s.failure())
	<-s.writerDone
}

// Deliver queues line for the writer without blocking.
func (s *Session) Deliver(line string) error {
	if !s.alive.Load() {
		return ErrSessionClosed
	}
	select {
	case s.outbox <- line:
		return nil
	default:
		return ErrOutboxFull
	}
}

// Close stops accepting deliveries, lets the writer flush what is already queued
// and then closes the connection.
func (s *Session) Close() {
	s.stop()
}

// Abort closes the connection immediately. cause is reported to the broker.
func (s *Session) Abort(cause error) {
	s.abort(cause)
}

func (s *Session) stop() {
	s.quitOnce.Do(func() {
		s.alive.Store(false)
		close(s.quit)
	})
}

func (s *Session) abort(cause error) {
	s.abortOnce.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		s.stop()
		s.conn.Close()
	})
}

func (s *Session) failure() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cause
}

func (s *Session) readLoop() error {
	for {
		if s.config.idleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.config.idleTimeout))
		}
		line, err := s.conn.ReadLine()
		if err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return &SessionIOFailure{SessionID: s.id, Op: "read", Err: err}
		}
		s.learnName(line)
		s.handler.Dispatch(s, line)
	}
}

func (s *Session) learnName(line string) {
	name, _, ok := tools.SplitMessage(line)
	if !ok || name == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.name == s.remote {
		s.name = name
	}
}

func (s *Session) writeLoop() {
	defer close(s.writerDone)
	for {
		select {
		case line := <-s.outbox:
			if err := s.write(line); err != nil {
				s.logger.Debug("write failed", logging.Fields{"error": err.Error()})
				s.abort(&SessionIOFailure{SessionID: s.id, Op: "write", Err: err})
				return
			}
		case <-s.quit:
			s.drain()
			s.conn.Close()
			return
		}
	}
}

// drain writes whatever is still queued. A shutdown notice is flushed this way.
func (s *Session) drain() {
	for {
		select {
		case line := <-s.outbox:
			if err := s.write(line); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(line string) error {
	if s.config.writeTimeout > 0 {
		s.conn.SetWriteDeadline(time.Now().Add(s.config.writeTimeout))
	}
	return s.conn.WriteLine(line)
}

// partReason describes why a session ended, for logs and the audit trail.
func partReason(cause error) string {
	if cause == nil || errors.Is(cause, io.EOF) {
		return "left"
	}
	var ioErr *SessionIOFailure
	if errors.As(cause, &ioErr) && ioErr.Op == "write" {
		return "write failed"
	}
	var netErr net.Error
	if errors.As(cause, &netErr) && netErr.Timeout() {
		return "timed out"
	}
	if errors.Is(cause, ErrOutboxFull) {
		return "too slow"
	}
	return "read failed"
}
