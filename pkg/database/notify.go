package database

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/harborview/stowage/internal/logger"
)

// Listener is a process-wide subscription to a Postgres NOTIFY channel.
// It holds one dedicated connection and fans payloads out to the handler.
// The TUS lock-release protocol rides on this: any process wanting a held
// lock publishes a release request, and the holder's handler cancels the
// in-flight operation so the lock can move.
type Listener struct {
	pool    *pgxpool.Pool
	channel string
	handler func(payload string)
	log     *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListener starts listening on channel with a dedicated connection from
// pool. The handler runs on the listener goroutine and must not block.
func NewListener(ctx context.Context, pool *pgxpool.Pool, channel string, handler func(payload string)) (*Listener, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	l := &Listener{
		pool:    pool,
		channel: channel,
		handler: handler,
		log:     logger.With(logger.KeyComponent, "database.listener"),
		cancel:  cancel,
		done:    make(chan struct{}),
	}

	go l.run(runCtx)
	return l, nil
}

// Close stops the listener and waits for its goroutine to exit.
func (l *Listener) Close() {
	l.cancel()
	<-l.done
}

func (l *Listener) run(ctx context.Context) {
	defer close(l.done)

	for {
		if ctx.Err() != nil {
			return
		}
		if err := l.listen(ctx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			l.log.Warn("listener connection lost, reconnecting",
				logger.KeyError, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
		}
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, "LISTEN "+pgQuoteIdent(l.channel)); err != nil {
		return err
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return err
		}
		l.handler(notification.Payload)
	}
}

// Notify publishes a payload on a channel; every listening process receives
// it after the publishing transaction commits.
func (q *Tx) Notify(ctx context.Context, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := q.tx.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return mapError(err, "notify")
	}
	return nil
}

// NotifyNow publishes outside any transaction, for callers that do not need
// commit ordering.
func NotifyNow(ctx context.Context, pool *pgxpool.Pool, channel, payload string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channel, payload)
	if err != nil {
		return mapError(err, "notify")
	}
	return nil
}

// pgQuoteIdent double-quotes an identifier for LISTEN, which takes no bind
// parameters.
func pgQuoteIdent(ident string) string {
	out := make([]byte, 0, len(ident)+2)
	out = append(out, '"')
	for i := 0; i < len(ident); i++ {
		if ident[i] == '"' {
			out = append(out, '"', '"')
		} else {
			out = append(out, ident[i])
		}
	}
	out = append(out, '"')
	return string(out)
}
