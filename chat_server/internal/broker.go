package internal

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"chatrelay/tools"
	"chatrelay/tools/logging"
)

// State is the lifecycle stage of a Broker.
type State int32

const (
	// StateListening accepts connections and relays lines.
	StateListening State = iota
	// StateShuttingDown has stopped accepting and is flushing the final notice.
	StateShuttingDown
	// StateStopped is terminal.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateListening:
		return "listening"
	case StateShuttingDown:
		return "shutting down"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

const (
	defaultOutboxSize      = 64
	defaultWriteTimeout    = 10 * time.Second
	defaultShutdownTimeout = 5 * time.Second
	acceptRetryDelay       = 10 * time.Millisecond
)

// ShutdownNotice is the line broadcast when a client ends the chat with the EXIT sentinel.
func ShutdownNotice(requester string) string {
	return fmt.Sprintf("%s has chosen to close the server", requester)
}

type inbound struct {
	session *Session
	line    string
}

// Broker accepts connections, turns them into sessions and relays every inbound line
// to all live sessions. A single dispatcher goroutine serialises append and fan-out,
// so every client sees lines in history order.
type Broker struct {
	store           *MessageStore
	logger          *logging.Logger
	mirror          Mirror
	audit           Auditor
	session         sessionConfig
	historyGreets   int
	shutdownTimeout time.Duration

	state    atomic.Int32
	inbox    chan inbound
	control  chan string
	quit     chan struct{}
	done     chan struct{}
	hooks    *hookRunner
	sessions sync.WaitGroup

	mu        sync.Mutex
	listeners map[net.Listener]struct{}
	closers   []io.Closer
}

// New builds a Broker around store and starts its dispatcher.
func New(store *MessageStore, options ...Option) (*Broker, error) {
	if store == nil {
		return nil, errors.New("broker.New: message store is nil")
	}
	b := &Broker{
		store:  store,
		logger: logging.Nop(),
		session: sessionConfig{
			writeTimeout: defaultWriteTimeout,
			outboxSize:   defaultOutboxSize,
		},
		shutdownTimeout: defaultShutdownTimeout,
		inbox:           make(chan inbound),
		control:         make(chan string),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		listeners:       make(map[net.Listener]struct{}),
	}
	if err := setup(b, options...); err != nil {
		return nil, err
	}
	b.hooks = newHookRunner(b.logger.Named("hooks"))

	go b.dispatch()
	return b, nil
}

// State returns the current lifecycle stage.
func (b *Broker) State() State {
	return State(b.state.Load())
}

// Done is closed once the broker has stopped.
func (b *Broker) Done() <-chan struct{} {
	return b.done
}

// Serve 在 ln 上循环接受连接，直到关闭流程关闭监听器
// Accept 出错时记录日志后重试
// 返回值：正常关闭返回 nil；监听器被外部关闭时返回 *ConnectFailure；关闭后再调用返回 ErrNotListening
func (b *Broker) Serve(ln net.Listener) error {
	if !b.track(ln) {
		ln.Close()
		return ErrNotListening
	}

	addr := ln.Addr().String()
	b.logger.Info("listening", logging.Fields{"addr": addr})
	for {
		conn, err := ln.Accept()
		if err != nil {
			if b.State() != StateListening {
				return nil
			}
			failure := &ConnectFailure{Addr: addr, Err: err}
			if errors.Is(err, net.ErrClosed) {
				return failure
			}
			b.logger.Warn("accept failed", logging.Fields{"error": failure.Error()})
			select {
			case <-time.After(acceptRetryDelay):
			case <-b.quit:
				return nil
			}
			continue
		}

		if _, err := b.Attach(NewTCPConnection(conn)); err != nil {
			conn.Close()
		}
	}
}

// CloseOnShutdown registers c to be closed when shutdown starts, e.g. the HTTP server behind WebSocketHandler.
func (b *Broker) CloseOnShutdown(c io.Closer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() != StateListening {
		c.Close()
		return
	}
	b.closers = append(b.closers, c)
}

// Attach 为 conn 创建并启动一个会话，先补发最近的历史消息再登记为在线
// 关闭流程开始后返回 ErrNotListening，conn 仍由调用方负责关闭
func (b *Broker) Attach(conn Connection) (*Session, error) {
	b.mu.Lock()
	if b.State() != StateListening {
		b.mu.Unlock()
		return nil, ErrNotListening
	}
	s := newSession(conn, b, b.session, b.logger)
	b.store.Join(s, b.historyGreets)
	b.sessions.Add(1)
	b.mu.Unlock()

	if b.audit != nil {
		id, remote := s.ID(), s.RemoteAddr()
		b.hooks.enqueue("audit join", func(ctx context.Context) error {
			return b.audit.RecordJoin(ctx, id, remote)
		})
	}

	go func() {
		defer b.sessions.Done()
		s.Run()
		b.store.Forget(s)
	}()
	return s, nil
}

// Dispatch hands a line received by s to the dispatcher. Lines arriving after shutdown are dropped.
func (b *Broker) Dispatch(s *Session, line string) {
	select {
	case b.inbox <- inbound{s, line}:
	case <-b.quit:
	}
}

// Shutdown stops the broker the same way the EXIT sentinel does, broadcasting notice as the final line.
// It does not wait; use Done for that.
func (b *Broker) Shutdown(notice string) {
	select {
	case b.control <- notice:
	case <-b.quit:
	}
}

func (b *Broker) onDisconnect(s *Session, cause error) {
	if !b.store.MarkInactive(s) {
		return
	}
	reason := partReason(cause)
	fields := logging.Fields{"session": s.ID(), "name": s.Name(), "reason": reason}
	if cause != nil && reason != "left" {
		fields["error"] = cause.Error()
	}
	b.logger.Info("session ended", fields)

	if b.audit != nil {
		id, name := s.ID(), s.Name()
		b.hooks.enqueue("audit part", func(ctx context.Context) error {
			return b.audit.RecordPart(ctx, id, name, reason)
		})
	}
}

func (b *Broker) dispatch() {
	for {
		select {
		case in := <-b.inbox:
			b.handleLine(in)
		case notice := <-b.control:
			b.shutdown(notice)
		case <-b.quit:
			return
		}
	}
}

func (b *Broker) handleLine(in inbound) {
	if b.State() != StateListening {
		return
	}
	recipients := b.store.Publish(in.line)
	b.logger.Debug("line accepted", logging.Fields{"session": in.session.ID(), "line": in.line})

	if b.mirror != nil {
		name, line := in.session.Name(), in.line
		b.hooks.enqueue("mirror", func(ctx context.Context) error {
			return b.mirror.Record(ctx, name, line)
		})
	}

	if tools.IsExitCommand(in.line) {
		requester, _, _ := tools.SplitMessage(in.line)
		b.logger.Info("server closing by command of user", logging.Fields{"requester": requester})
		b.shutdown(ShutdownNotice(requester))
		return
	}

	b.deliver(in.line, recipients)
}

// broadcast queues line for every live session.
func (b *Broker) broadcast(line string) {
	b.deliver(line, b.store.LiveSessions())
}

// deliver queues line for recipients. A failing recipient is aborted on its own;
// the others still get the line.
func (b *Broker) deliver(line string, recipients []*Session) {
	for _, s := range recipients {
		err := s.Deliver(line)
		if err == nil || errors.Is(err, ErrSessionClosed) {
			continue
		}
		b.logger.Info("delivery failed", logging.Fields{"session": s.ID(), "error": err.Error()})
		s.Abort(err)
	}
}

func (b *Broker) shutdown(notice string) {
	b.mu.Lock()
	if !b.state.CompareAndSwap(int32(StateListening), int32(StateShuttingDown)) {
		b.mu.Unlock()
		return
	}
	close(b.quit)
	b.mu.Unlock()

	b.broadcast(notice)
	b.closeListeners()

	for _, s := range b.store.LiveSessions() {
		s.Close()
	}

	if !b.waitSessions(b.shutdownTimeout) {
		b.logger.Warn("sessions did not close in time, aborting them", logging.Fields{
			"live": b.store.LiveCount(),
		})
		for _, s := range b.store.LiveSessions() {
			s.Abort(nil)
		}
		b.waitSessions(b.shutdownTimeout)
	}

	b.hooks.stop()
	b.state.Store(int32(StateStopped))
	b.logger.Info("broker stopped", logging.Fields{"history": b.store.Len()})
	close(b.done)
}

func (b *Broker) waitSessions(timeout time.Duration) bool {
	finished := make(chan struct{})
	go func() {
		b.sessions.Wait()
		close(finished)
	}()
	select {
	case <-finished:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (b *Broker) track(ln net.Listener) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.State() != StateListening {
		return false
	}
	b.listeners[ln] = struct{}{}
	return true
}

func (b *Broker) closeListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ln := range b.listeners {
		if err := ln.Close(); err != nil {
			b.logger.Debug("listener close", logging.Fields{"error": err.Error()})
		}
	}
	b.listeners = make(map[net.Listener]struct{})
	for _, c := range b.closers {
		c.Close()
	}
	b.closers = nil
}
