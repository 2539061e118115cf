// Package reqlog records one RequestLog per proxied request.
//
// Logs are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the proxy hot path.
// If the channel fills up (> 10 000 entries), new entries are dropped and
// counted in Dropped.
package reqlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/cyderhq/cyder-gateway/internal/idgen"
	"github.com/cyderhq/cyder-gateway/internal/model"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second

	// Error bodies are captured verbatim up to this many bytes.
	maxCapturedBody = 2000
)

// Sink receives flushed batches. Failures are logged and the batch is
// dropped; the recorder never retries.
type Sink interface {
	Write(ctx context.Context, batch []model.RequestLog) error
}

// Observer counts terminal statuses for metrics.
type Observer interface {
	RecordLogStatus(status string)
}

// Recorder owns the lifecycle PENDING → SUCCESS | ERROR | CANCELLED. Each
// request task holds its own *model.RequestLog; Finish enqueues it exactly
// once.
type Recorder struct {
	gen   *idgen.Generator
	sinks []Sink
	obs   Observer

	ch        chan model.RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	dropped atomic.Int64

	baseCtx context.Context
	log     *slog.Logger
}

// NewRecorder starts the flush goroutine. ctx bounds sink writes during
// shutdown drain.
func NewRecorder(ctx context.Context, gen *idgen.Generator, logger *slog.Logger, obs Observer, sinks ...Sink) (*Recorder, error) {
	if ctx == nil {
		return nil, fmt.Errorf("reqlog: context must not be nil")
	}
	r := &Recorder{
		gen:     gen,
		sinks:   sinks,
		obs:     obs,
		ch:      make(chan model.RequestLog, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     logger,
	}
	r.wg.Add(1)
	go r.run()
	return r, nil
}

// Begin creates the PENDING log for a new request.
func (r *Recorder) Begin() *model.RequestLog {
	return &model.RequestLog{
		ID:         r.gen.Next(),
		Status:     model.StatusPending,
		ReceivedAt: time.Now().UnixMilli(),
	}
}

// Finish transitions the log to a terminal status and enqueues it. Calls
// after the first terminal transition are ignored, which keeps the
// "exactly once" contract cheap for error paths that may overlap.
func (r *Recorder) Finish(entry *model.RequestLog, status model.LogStatus) {
	if entry == nil || entry.Status != model.StatusPending {
		return
	}
	entry.Status = status
	if entry.CompletedAt == 0 {
		entry.CompletedAt = time.Now().UnixMilli()
	}
	if r.obs != nil {
		r.obs.RecordLogStatus(string(status))
	}

	select {
	case r.ch <- *entry:
	default:
		r.dropped.Add(1)
	}
}

// Dropped reports entries discarded due to backpressure.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Close drains the channel and stops the flush goroutine.
func (r *Recorder) Close() error {
	r.closeOnce.Do(func() { close(r.done) })
	r.wg.Wait()
	return nil
}

func (r *Recorder) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]model.RequestLog, 0, batchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		for _, sink := range r.sinks {
			if err := sink.Write(r.baseCtx, batch); err != nil {
				r.log.Error("request log flush failed",
					slog.Int("batch", len(batch)),
					slog.String("error", err.Error()))
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-r.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-r.done:
			for {
				select {
				case entry := <-r.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		}
	}
}

// TruncateBody clamps a captured body to maxCapturedBody bytes without
// splitting a UTF-8 sequence.
func TruncateBody(body []byte) string {
	if len(body) <= maxCapturedBody {
		return string(body)
	}
	cut := maxCapturedBody
	for cut > 0 && !utf8.RuneStart(body[cut]) {
		cut--
	}
	return string(body[:cut])
}
