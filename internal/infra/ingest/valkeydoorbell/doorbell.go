// Package valkeydoorbell is a low-latency wake-up signal for the ingest job
// queue: Postgres remains the durable source of truth and claim point, but
// polling it once a second wastes latency when a job is enqueued mid-tick.
// A Valkey list acts as a doorbell — LPUSH on enqueue, BRPOP on the worker
// side — so the worker drains immediately instead of waiting for the next
// poll, mirroring the teacher's ValkeyQueue push/pop shape without taking
// over ownership of job state itself.
package valkeydoorbell

import (
	"context"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"
)

// Doorbell rings on Enqueue and blocks on Wait until a ring arrives or
// Timeout elapses, whichever first, so a caller can use it as a poll tick.
type Doorbell struct {
	client  valkey.Client
	key     string
	logger  *slog.Logger
	timeout time.Duration
}

// New constructs a Valkey-backed doorbell under key (default
// "study-abroad-rag:ingest:doorbell" when key is empty).
func New(client valkey.Client, key string, logger *slog.Logger) *Doorbell {
	if key == "" {
		key = "study-abroad-rag:ingest:doorbell"
	}
	return &Doorbell{client: client, key: key, logger: logger, timeout: 2 * time.Second}
}

// Ring pushes one wake-up token. Enqueue callers should Ring after a
// successful Store.Insert so the worker does not wait out the next tick.
func (d *Doorbell) Ring(ctx context.Context) {
	cmd := d.client.B().Lpush().Key(d.key).Element("1").Build()
	if err := d.client.Do(ctx, cmd).Error(); err != nil && d.logger != nil {
		d.logger.Warn("doorbell ring failed", "error", err)
	}
}

// Wait blocks until a ring arrives or the internal timeout elapses. It
// never returns an error: a dead Valkey connection degrades the queue back
// to fixed-interval polling rather than stalling it.
func (d *Doorbell) Wait(ctx context.Context) {
	resp := d.client.Do(ctx, d.client.B().Brpop().Key(d.key).Timeout(d.timeout.Seconds()).Build())
	if err := resp.Error(); err != nil && !valkey.IsValkeyNil(err) {
		if d.logger != nil {
			d.logger.Warn("doorbell wait failed", "error", err)
		}
		// A failed BRPOP returns at once; waiting out the timeout here keeps
		// the worker loop on a poll interval instead of spinning.
		select {
		case <-ctx.Done():
		case <-time.After(d.timeout):
		}
	}
}
