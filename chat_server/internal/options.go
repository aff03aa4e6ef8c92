package internal

import (
	"time"

	"github.com/pkg/errors"

	"chatrelay/tools/logging"
)

// Option configures a Broker.
type Option func(b *Broker) error

func setup(b *Broker, options ...Option) error {
	for _, option := range options {
		if option == nil {
			continue
		}
		if err := option(b); err != nil {
			return err
		}
	}
	return nil
}

// WithLogger sets the logger used by the broker, its sessions and the transports.
func WithLogger(logger *logging.Logger) Option {
	return func(b *Broker) error {
		if logger == nil {
			return errors.New("broker.WithLogger: logger is nil")
		}
		b.logger = logger
		return nil
	}
}

// WithIdleTimeout disconnects clients that send nothing for the given period.
// Zero disables the timeout.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(b *Broker) error {
		if timeout < 0 {
			return errors.Errorf("broker.WithIdleTimeout: invalid timeout (%v)", timeout)
		}
		b.session.idleTimeout = timeout
		return nil
	}
}

// WithWriteTimeout overwrites the default deadline of a single line write.
func WithWriteTimeout(timeout time.Duration) Option {
	return func(b *Broker) error {
		if timeout <= 0 {
			return errors.Errorf("broker.WithWriteTimeout: invalid timeout (%v)", timeout)
		}
		b.session.writeTimeout = timeout
		return nil
	}
}

// WithOutboxSize sets how many undelivered lines a session may hold before it is dropped as too slow.
func WithOutboxSize(size int) Option {
	return func(b *Broker) error {
		if size <= 0 {
			return errors.Errorf("broker.WithOutboxSize: invalid size (%d)", size)
		}
		b.session.outboxSize = size
		return nil
	}
}

// WithHistoryGreets replays the last n lines of history to every newly connected client.
func WithHistoryGreets(n int) Option {
	return func(b *Broker) error {
		if n < 0 {
			return errors.Errorf("broker.WithHistoryGreets: invalid value (%d)", n)
		}
		b.historyGreets = n
		return nil
	}
}

// WithShutdownTimeout bounds how long shutdown waits for sessions to flush and close.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(b *Broker) error {
		if timeout <= 0 {
			return errors.Errorf("broker.WithShutdownTimeout: invalid timeout (%v)", timeout)
		}
		b.shutdownTimeout = timeout
		return nil
	}
}

// WithMirror attaches a mirror that gets a copy of every accepted line.
func WithMirror(mirror Mirror) Option {
	return func(b *Broker) error {
		if b.mirror != nil {
			return errors.New("broker.WithMirror: mirror already set up")
		}
		b.mirror = mirror
		return nil
	}
}

// WithAudit attaches a session audit trail.
func WithAudit(audit Auditor) Option {
	return func(b *Broker) error {
		if b.audit != nil {
			return errors.New("broker.WithAudit: audit already set up")
		}
		b.audit = audit
		return nil
	}
}
