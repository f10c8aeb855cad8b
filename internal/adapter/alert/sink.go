package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	domainalert "github.com/alanyang/delegate-broker/internal/domain/alert"
	"github.com/alanyang/delegate-broker/internal/metrics"
)

// Sink logs alerts and counts them. Each (account, kind) pair is limited to one
// alert per minInterval so a stuck account cannot flood the log.
type Sink struct {
	metrics     *metrics.Metrics
	minInterval time.Duration

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

func NewSink(m *metrics.Metrics, minInterval time.Duration) *Sink {
	return &Sink{metrics: m, minInterval: minInterval, limiters: make(map[string]*rate.Limiter)}
}

func (s *Sink) Raise(ctx context.Context, a domainalert.Alert) {
	if !s.allow(a.AccountID + "/" + string(a.Kind)) {
		return
	}
	s.metrics.Alerts.WithLabelValues(string(a.Kind)).Inc()

	attrs := []any{"kind", a.Kind, "account_id", a.AccountID, "message", a.Message}
	if a.TaskID != nil {
		attrs = append(attrs, "task_id", *a.TaskID)
	}
	if a.AgentID != nil {
		attrs = append(attrs, "agent_id", *a.AgentID)
	}
	if len(a.Bases) > 0 {
		attrs = append(attrs, "bases", a.Bases, "extra_bases", a.ExtraBases)
	}
	slog.WarnContext(ctx, "alert raised", attrs...)
}

func (s *Sink) allow(key string) bool {
	if s.minInterval <= 0 {
		return true
	}
	s.mu.Lock()
	l, ok := s.limiters[key]
	if !ok {
		l = rate.NewLimiter(rate.Every(s.minInterval), 1)
		s.limiters[key] = l
	}
	s.mu.Unlock()
	return l.Allow()
}
