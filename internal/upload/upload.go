// Package upload drives one of the two upload pipelines described in
// spec §4.I (clear and encrypted), each with its own bounded
// concurrency, retry budget, and exponential backoff. Every call to
// Upload is accounted for exactly once as either a success or a
// permanent failure, so UploadAttempted always equals
// UploadSucceeded+UploadFailed for a pipeline once all in-flight calls
// return.
package upload

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/deradnet/DeRadar-Turbo-Backup/internal/archive"
	"github.com/deradnet/DeRadar-Turbo-Backup/internal/monitoring"
)

// Reporter receives the same attempted/retry/failure accounting as the
// Prometheus counters below, so the persisted system_stats row (spec
// §3) can survive a restart without relying on the metrics endpoint.
// The orchestrator's RecordBatch call after a successful Upload plays
// the "succeeded" role for both destinations.
type Reporter interface {
	RecordUploadAttempt(pipeline string, now time.Time)
	RecordUploadRetry(pipeline string, now time.Time)
	RecordUploadFailure(pipeline string, now time.Time)
}

const (
	maxConcurrent = 5
	maxRetries    = 5
	baseBackoff   = 1000 * time.Millisecond
	capBackoff    = 16000 * time.Millisecond
)

// Pipeline is one named upload lane (e.g. "clear" or "encrypted").
type Pipeline struct {
	name     string
	archive  *archive.Client
	slots    chan struct{}
	reporter Reporter
}

// New builds a Pipeline bound to maxConcurrent simultaneous uploads.
// reporter may be nil, in which case only the Prometheus counters are
// updated (used by tests that don't need persisted accounting).
func New(name string, client *archive.Client, reporter Reporter) *Pipeline {
	return &Pipeline{
		name:     name,
		archive:  client,
		slots:    make(chan struct{}, maxConcurrent),
		reporter: reporter,
	}
}

// Backoff returns the delay before retry attempt (1-indexed), per the
// formula min(1000 * 2^(attempt-1), 16000) milliseconds.
func Backoff(attempt int) time.Duration {
	d := time.Duration(float64(baseBackoff) * math.Pow(2, float64(attempt-1)))
	if d > capBackoff {
		return capBackoff
	}
	return d
}

// Upload attempts to upload data with tags, making up to maxRetries
// attempts in all with exponential backoff between them. It blocks until a concurrency slot is
// available, then records exactly one attempted+outcome pair in the
// pipeline's metrics regardless of how many retries occurred.
func (p *Pipeline) Upload(ctx context.Context, data []byte, tags []archive.Tag) (string, error) {
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-p.slots }()

	monitoring.UploadInFlight.WithLabelValues(p.name).Inc()
	defer monitoring.UploadInFlight.WithLabelValues(p.name).Dec()
	monitoring.UploadAttempted.WithLabelValues(p.name).Inc()
	if p.reporter != nil {
		p.reporter.RecordUploadAttempt(p.name, time.Now())
	}

	var lastErr error
	for attempt := 1; attempt <= maxRetries; attempt++ {
		txID, err := p.archive.Upload(ctx, data, tags)
		if err == nil {
			monitoring.UploadSucceeded.WithLabelValues(p.name).Inc()
			return txID, nil
		}
		lastErr = err

		if attempt == maxRetries {
			break
		}
		monitoring.UploadRetries.WithLabelValues(p.name).Inc()
		if p.reporter != nil {
			p.reporter.RecordUploadRetry(p.name, time.Now())
		}

		select {
		case <-time.After(Backoff(attempt)):
		case <-ctx.Done():
			monitoring.UploadFailed.WithLabelValues(p.name).Inc()
			if p.reporter != nil {
				p.reporter.RecordUploadFailure(p.name, time.Now())
			}
			return "", ctx.Err()
		}
	}

	monitoring.UploadFailed.WithLabelValues(p.name).Inc()
	if p.reporter != nil {
		p.reporter.RecordUploadFailure(p.name, time.Now())
	}
	return "", fmt.Errorf("upload[%s]: exhausted %d attempts: %w", p.name, maxRetries, lastErr)
}
