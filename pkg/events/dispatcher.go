package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sony/gobreaker"

	"github.com/harborview/stowage/internal/logger"
)

// DispatcherConfig tunes webhook delivery.
type DispatcherConfig struct {
	// WebhookURL receives one POST per event. Empty disables dispatch.
	WebhookURL string

	// PollInterval is the queue scan cadence. Zero means 5s.
	PollInterval time.Duration

	// BatchSize caps events claimed per scan. Zero means 100.
	BatchSize int

	// MaxAttempts moves an event to the dead-letter state after this many
	// failed deliveries. Zero means 5.
	MaxAttempts int

	// RequestTimeout bounds each webhook POST. Zero means 10s.
	RequestTimeout time.Duration
}

func (c *DispatcherConfig) applyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = 10 * time.Second
	}
}

// Dispatcher drains the event queue and POSTs each event to the webhook.
// Claiming flips rows to 'processing' in a single SKIP LOCKED statement, so
// the claim survives past the statement and concurrent dispatchers never
// deliver the same row. A crash between claim and status update leaves its
// batch in 'processing' until the stale-claim requeue returns it, which is
// the at-least-once contract consumers sign up for.
type Dispatcher struct {
	cfg     DispatcherConfig
	pool    *pgxpool.Pool
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	log     *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// NewDispatcher builds a dispatcher over the given tenant pool.
func NewDispatcher(cfg DispatcherConfig, pool *pgxpool.Pool) *Dispatcher {
	cfg.applyDefaults()

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "event-webhook",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})

	return &Dispatcher{
		cfg:     cfg,
		pool:    pool,
		client:  &http.Client{Timeout: cfg.RequestTimeout},
		breaker: breaker,
		log:     logger.With(logger.KeyComponent, "events.dispatcher"),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Start runs the polling loop until Stop is called.
func (d *Dispatcher) Start() {
	go d.run()
}

// Stop halts the loop and waits for the in-flight scan to finish.
func (d *Dispatcher) Stop() {
	close(d.stop)
	<-d.done
}

func (d *Dispatcher) run() {
	defer close(d.done)

	if d.cfg.WebhookURL == "" {
		d.log.Info("no webhook configured, event dispatch disabled")
		return
	}

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), d.cfg.PollInterval)
			if err := d.drainOnce(ctx); err != nil {
				d.log.Warn("event scan failed", logger.KeyError, err)
			}
			cancel()
		}
	}
}

// staleClaimAge is how long a 'processing' row may sit untouched before it
// is treated as abandoned by a crashed dispatcher and requeued. Claims live
// for at most one scan, so anything older lost its owner.
const staleClaimAge = 2 * time.Minute

// drainOnce claims one batch of pending events and attempts delivery.
func (d *Dispatcher) drainOnce(ctx context.Context) error {
	if err := d.requeueStale(ctx); err != nil {
		d.log.Warn("stale claim requeue failed", logger.KeyError, err)
	}

	events, err := d.claim(ctx)
	if err != nil {
		return err
	}

	for _, ev := range events {
		if err := d.deliver(ctx, ev); err != nil {
			d.recordFailure(ctx, ev, err)
			continue
		}
		d.recordSuccess(ctx, ev)
	}
	return nil
}

// requeueStale returns abandoned claims to the queue.
func (d *Dispatcher) requeueStale(ctx context.Context) error {
	_, err := d.pool.Exec(ctx, `
		UPDATE storage_events
		SET status = 'pending', updated_at = now()
		WHERE status = 'processing'
		  AND updated_at < now() - $1 * interval '1 second'`,
		int64(staleClaimAge/time.Second),
	)
	return err
}

func (d *Dispatcher) claim(ctx context.Context) ([]Event, error) {
	rows, err := d.pool.Query(ctx, `
		UPDATE storage_events e
		SET status = 'processing', updated_at = now()
		FROM (
			SELECT id FROM storage_events
			WHERE status = 'pending'
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		) c
		WHERE e.id = c.id
		RETURNING e.id, e.event_version, e.event_type, e.apply_time, e.tenant_id, e.payload`,
		d.cfg.BatchSize,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev  Event
			raw []byte
		)
		if err := rows.Scan(&ev.ID, &ev.Version, &ev.Type, &ev.ApplyTime, &ev.Tenant, &raw); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(raw, &ev.Payload); err != nil {
			d.log.Error("undecodable event payload, dead-lettering",
				logger.KeyEvent, ev.ID, logger.KeyError, err)
			d.markDead(ctx, ev.ID, "undecodable payload: "+err.Error())
			continue
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (d *Dispatcher) deliver(ctx context.Context, ev Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	_, err = d.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := d.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if resp.StatusCode >= 300 {
			return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

func (d *Dispatcher) recordSuccess(ctx context.Context, ev Event) {
	_, err := d.pool.Exec(ctx, `
		UPDATE storage_events
		SET status = 'dispatched', attempts = attempts + 1, updated_at = now()
		WHERE id = $1`,
		ev.ID,
	)
	if err != nil {
		d.log.Error("failed to mark event dispatched",
			logger.KeyEvent, ev.ID, logger.KeyError, err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, ev Event, cause error) {
	_, err := d.pool.Exec(ctx, `
		UPDATE storage_events
		SET attempts   = attempts + 1,
		    last_error = $2,
		    status     = CASE WHEN attempts + 1 >= $3 THEN 'dead' ELSE 'pending' END,
		    updated_at = now()
		WHERE id = $1`,
		ev.ID, cause.Error(), d.cfg.MaxAttempts,
	)
	if err != nil {
		d.log.Error("failed to record event failure",
			logger.KeyEvent, ev.ID, logger.KeyError, err)
	}
	d.log.Warn("event delivery failed",
		logger.KeyEvent, ev.ID, logger.KeyError, cause)
}

func (d *Dispatcher) markDead(ctx context.Context, id int64, reason string) {
	_, err := d.pool.Exec(ctx, `
		UPDATE storage_events
		SET status = 'dead', last_error = $2, updated_at = now()
		WHERE id = $1`,
		id, reason,
	)
	if err != nil {
		d.log.Error("failed to dead-letter event",
			logger.KeyEvent, id, logger.KeyError, err)
	}
}
