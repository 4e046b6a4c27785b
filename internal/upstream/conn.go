// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package upstream

import (
	"bufio"
	"context"
	"io"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/retry"
	"gopkg.in/tomb.v2"
)

const (
	// connectAttempts bounds the startup connection retries. Once the
	// stream is established any disconnect is terminal; the protocol
	// offers no replay, so reconnecting silently would lose changes.
	connectAttempts = 5
	connectDelay    = 100 * time.Millisecond
	connectMaxDelay = 5 * time.Second

	// scanBufferSize accommodates wide rows; json columns in
	// particular can run to megabytes on a single line.
	scanBufferSize = 16 * 1024 * 1024
)

// Logger represents the logging methods called by the driver.
type Logger interface {
	Debugf(message string, args ...any)
	Infof(message string, args ...any)
}

// Feed is one live changefeed subscription: an ordered stream of wire
// lines. Done is closed when the feed terminates for any reason; Err
// reports why.
type Feed interface {
	// Lines returns the channel wire lines are delivered on.
	Lines() <-chan string
	// Done is closed when the feed has terminated.
	Done() <-chan struct{}
	// Err returns the terminal error after Done is closed.
	Err() error
	// Close terminates the feed and waits for its resources to be
	// released. It is idempotent.
	Close() error
}

// Driver opens changefeed subscriptions against the upstream database.
type Driver interface {
	Subscribe(ctx context.Context, query string) (Feed, error)
}

// PgDriverConfig holds the dependencies of a PgDriver.
type PgDriverConfig struct {
	// DSN is the upstream connection string.
	DSN    string
	Clock  clock.Clock
	Logger Logger
}

// Validate checks the configuration for completeness.
func (c PgDriverConfig) Validate() error {
	if c.DSN == "" {
		return errors.NotValidf("empty DSN")
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if c.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// PgDriver opens changefeed subscriptions over the Postgres wire
// protocol. Each subscription holds its own session for the lifetime of
// the streaming COPY.
type PgDriver struct {
	config PgDriverConfig
}

// NewPgDriver returns a driver for the given upstream.
func NewPgDriver(config PgDriverConfig) (*PgDriver, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	return &PgDriver{config: config}, nil
}

// Subscribe opens a new session and starts the streaming subscription.
// Connection establishment is retried with backoff; a failure after the
// final attempt is returned to the caller.
func (d *PgDriver) Subscribe(ctx context.Context, query string) (Feed, error) {
	var conn *pgconn.PgConn
	err := retry.Call(retry.CallArgs{
		Func: func() error {
			var err error
			conn, err = pgconn.Connect(ctx, d.config.DSN)
			return err
		},
		NotifyFunc: func(err error, attempt int) {
			d.config.Logger.Infof("upstream connection attempt %d failed: %v", attempt, err)
		},
		Attempts:    connectAttempts,
		Delay:       connectDelay,
		MaxDelay:    connectMaxDelay,
		BackoffFunc: retry.DoubleDelay,
		Clock:       d.config.Clock,
		Stop:        ctx.Done(),
	})
	if err != nil {
		return nil, errors.Annotate(err, "connecting to upstream")
	}

	d.config.Logger.Debugf("subscribing: %s", query)

	feed := &pgFeed{
		conn:  conn,
		query: query,
		lines: make(chan string),
	}
	feed.tomb.Go(feed.run)
	return feed, nil
}

type pgFeed struct {
	tomb  tomb.Tomb
	conn  *pgconn.PgConn
	query string
	lines chan string
}

// Lines is part of the Feed interface.
func (f *pgFeed) Lines() <-chan string {
	return f.lines
}

// Done is part of the Feed interface.
func (f *pgFeed) Done() <-chan struct{} {
	return f.tomb.Dead()
}

// Err is part of the Feed interface.
func (f *pgFeed) Err() error {
	err := f.tomb.Err()
	if err == tomb.ErrStillAlive {
		return nil
	}
	return err
}

// Close is part of the Feed interface.
func (f *pgFeed) Close() error {
	f.tomb.Kill(nil)
	err := f.tomb.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

func (f *pgFeed) run() error {
	defer func() {
		_ = f.conn.Close(context.Background())
	}()

	ctx := f.tomb.Context(context.Background())

	// The streaming COPY writes into a pipe; the scanner side chops it
	// into lines. Closing the pipe writer with the COPY's error lets
	// the scanner loop observe termination in order.
	pr, pw := io.Pipe()
	copyDone := make(chan error, 1)
	go func() {
		_, err := f.conn.CopyTo(ctx, pw, f.query)
		_ = pw.CloseWithError(err)
		copyDone <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 0, 64*1024), scanBufferSize)

	for scanner.Scan() {
		select {
		case f.lines <- scanner.Text():
		case <-f.tomb.Dying():
			_ = pr.CloseWithError(tomb.ErrDying)
			<-copyDone
			return tomb.ErrDying
		}
	}

	err := <-copyDone
	select {
	case <-f.tomb.Dying():
		return tomb.ErrDying
	default:
	}
	if err == nil {
		err = scanner.Err()
	}
	if err == nil {
		// The protocol is push-only and unbounded; a clean end of
		// stream still means the changefeed is gone.
		err = errors.New("changefeed terminated unexpectedly")
	}
	return errors.Annotate(err, "reading changefeed")
}
