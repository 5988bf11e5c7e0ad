package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"
)

// listener is a database session dedicated to LISTEN/UNLISTEN commands and
// to receiving notifications. It does not know who is subscribed.
type listener interface {
	listen(ctx context.Context, target, typ string) (string, error)
	unlisten(ctx context.Context, target, typ string) (string, error)
	// done is closed once the listener can no longer be used.
	done() <-chan struct{}
	close() error
}

// notifyFunc receives every notification of a listener, in publish order.
type notifyFunc func(channel, payload string)

type dialFunc func(ctx context.Context, notify notifyFunc) (listener, error)

type listenerConfig struct {
	dsn            string
	listenFunc     string
	unlistenFunc   string
	commandTimeout time.Duration
}

type listenCommand struct {
	sql    string
	target string
	typ    string
	result chan listenResult
}

type listenResult struct {
	channel string
	err     error
}

// pgListener owns one pgx connection. A single goroutine alternates between
// waiting for notifications and running queued commands, so the connection
// is never used concurrently.
type pgListener struct {
	conn           *pgx.Conn
	notify         notifyFunc
	listenSQL      string
	unlistenSQL    string
	commandTimeout time.Duration

	commands chan *listenCommand
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once
}

func pgDialer(cfg listenerConfig) dialFunc {
	return func(ctx context.Context, notify notifyFunc) (listener, error) {
		if cfg.commandTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, cfg.commandTimeout)
			defer cancel()
		}
		conn, err := pgx.Connect(ctx, cfg.dsn)
		if err != nil {
			return nil, fmt.Errorf("connect: %w", err)
		}
		l := newPgListener(conn, cfg, notify)
		go l.run()
		log.Info().Str("host", conn.Config().Host).Msg("Listener connected")
		return l, nil
	}
}

func newPgListener(conn *pgx.Conn, cfg listenerConfig, notify notifyFunc) *pgListener {
	return &pgListener{
		conn:           conn,
		notify:         notify,
		listenSQL:      procedureSQL(cfg.listenFunc),
		unlistenSQL:    procedureSQL(cfg.unlistenFunc),
		commandTimeout: cfg.commandTimeout,
		commands:       make(chan *listenCommand, 16),
		wake:           make(chan struct{}, 1),
		stop:           make(chan struct{}),
		stopped:        make(chan struct{}),
	}
}

// procedureSQL quotes a possibly schema qualified function name.
func procedureSQL(name string) string {
	return "SELECT " + pgx.Identifier(strings.Split(name, ".")).Sanitize() + "($1, $2)"
}

func (l *pgListener) listen(ctx context.Context, target, typ string) (string, error) {
	return l.do(ctx, l.listenSQL, target, typ)
}

func (l *pgListener) unlisten(ctx context.Context, target, typ string) (string, error) {
	return l.do(ctx, l.unlistenSQL, target, typ)
}

// do queues a command and waits for its result. Once queued, the command
// runs to completion even if ctx is canceled.
func (l *pgListener) do(ctx context.Context, sql, target, typ string) (string, error) {
	cmd := &listenCommand{sql: sql, target: target, typ: typ, result: make(chan listenResult, 1)}
	select {
	case l.commands <- cmd:
	case <-l.stopped:
		return "", errListenerClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}

	select {
	case res := <-cmd.result:
		return res.channel, res.err
	case <-l.stopped:
		select {
		case res := <-cmd.result:
			return res.channel, res.err
		default:
			return "", errListenerClosed
		}
	}
}

func (l *pgListener) done() <-chan struct{} {
	return l.stopped
}

func (l *pgListener) close() error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.stopped
	return nil
}

func (l *pgListener) run() {
	defer close(l.stopped)
	defer l.conn.Close(context.Background())

	for {
		if !l.drain() {
			return
		}
		if err := l.wait(); err != nil {
			select {
			case <-l.stop:
			default:
				log.Error().Err(err).Msg("Listener connection lost")
			}
			return
		}
	}
}

// drain runs every queued command. It returns false when the listener
// should stop.
func (l *pgListener) drain() bool {
	for {
		select {
		case <-l.stop:
			return false
		case cmd := <-l.commands:
			l.exec(cmd)
			if l.conn.IsClosed() {
				return false
			}
		default:
			return true
		}
	}
}

func (l *pgListener) exec(cmd *listenCommand) {
	ctx := context.Background()
	if l.commandTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.commandTimeout)
		defer cancel()
	}
	var channel string
	err := l.conn.QueryRow(ctx, cmd.sql, cmd.target, cmd.typ).Scan(&channel)
	cmd.result <- listenResult{channel: channel, err: err}
}

// wait blocks until a notification arrives or a command is queued.
// Notifications received while a command ran are buffered by pgx and
// returned first.
func (l *pgListener) wait() error {
	ctx, cancel := context.WithCancel(context.Background())
	watching := make(chan struct{})
	go func() {
		defer close(watching)
		select {
		case <-l.wake:
			cancel()
		case <-l.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	// A wake consumed by the watcher always belongs to a command that is
	// already queued, so the next drain picks it up.
	n, err := l.conn.WaitForNotification(ctx)
	cancel()
	<-watching
	if err != nil {
		if ctx.Err() != nil && !l.conn.IsClosed() {
			select {
			case <-l.stop:
				return err
			default:
				return nil
			}
		}
		return err
	}
	l.notify(n.Channel, n.Payload)
	return nil
}
