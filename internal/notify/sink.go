package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"cronflow/internal/core"
)

const (
	sendTimeout = 15 * time.Second

	// Runs this replica stops tracking, e.g. after losing their lease, never
	// send a terminal event. Their failures expire or are evicted instead.
	defaultFailureRetention = 24 * time.Hour
	maxTrackedRuns          = 10000
)

// Sink turns failed runs into notifications. Delivery happens off the
// caller's goroutine so a slow endpoint never stalls the scheduler.
type Sink struct {
	notifier Notifier
	logger   *slog.Logger

	mu       sync.Mutex
	failures *ttlcache.Cache[string, []string]
	wg       sync.WaitGroup
}

// SinkOption configures a Sink.
type SinkOption func(*sinkOptions)

type sinkOptions struct {
	retention time.Duration
}

// WithFailureRetention sets how long task failures of a run are kept while
// waiting for the run to end.
func WithFailureRetention(d time.Duration) SinkOption {
	return func(o *sinkOptions) { o.retention = d }
}

var _ core.EventSink = (*Sink)(nil)

// NewSink creates a sink delivering through notifier.
func NewSink(notifier Notifier, logger *slog.Logger, opts ...SinkOption) *Sink {
	o := sinkOptions{retention: defaultFailureRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return &Sink{
		notifier: notifier,
		logger:   logger,
		failures: ttlcache.New[string, []string](
			ttlcache.WithTTL[string, []string](o.retention),
			ttlcache.WithCapacity[string, []string](maxTrackedRuns),
		),
	}
}

func (s *Sink) Emit(_ context.Context, ev core.Event) {
	switch ev.Kind {
	case core.EventTask:
		if ev.To == string(core.TaskStateFailed) {
			line := fmt.Sprintf("%s (attempt %d): %s", ev.TaskID, ev.Attempt, ev.Error)
			s.mu.Lock()
			var failures []string
			if item := s.failures.Get(ev.RunID); item != nil {
				failures = item.Value()
			}
			s.failures.Set(ev.RunID, append(failures, line), ttlcache.DefaultTTL)
			s.mu.Unlock()
		}
	case core.EventRun:
		if !core.RunState(ev.To).Terminal() {
			return
		}
		var failures []string
		s.mu.Lock()
		if item := s.failures.Get(ev.RunID); item != nil {
			failures = item.Value()
		}
		s.failures.Delete(ev.RunID)
		s.failures.DeleteExpired()
		s.mu.Unlock()
		if ev.To != string(core.RunStateFailed) {
			return
		}
		msg := Message{
			Title: fmt.Sprintf("cronflow: %s failed", ev.Workflow),
			Body:  failureBody(ev.RunID, failures),
			Level: "active",
		}
		s.wg.Add(1)
		go s.deliver(ev, msg)
	}
}

func (s *Sink) deliver(ev core.Event, msg Message) {
	defer s.wg.Done()
	ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
	defer cancel()
	if err := s.notifier.Send(ctx, msg); err != nil {
		s.logger.Warn("send run failure notification", "workflow", ev.Workflow, "run_id", ev.RunID, "err", err)
	}
}

// Wait blocks until pending deliveries have finished.
func (s *Sink) Wait() {
	s.wg.Wait()
}

func failureBody(runID string, failures []string) string {
	body := "run " + runID
	if len(failures) == 0 {
		return body
	}
	body += "\n"
	for _, f := range failures {
		body += "\n" + f
	}
	return body
}
