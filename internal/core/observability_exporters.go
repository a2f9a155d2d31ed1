package core

import (
	"context"
	"encoding/json"
	"expvar"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"pharmachain/pkg/domain"
)

const (
	statusSuccess = "success"
	statusError   = "error"

	varDurationTotal = "duration_ms_total"
	varDurationMax   = "duration_ms_max"
)

var expvarSeq uint64

// ExpvarMetricsRecorder exports one expvar map per workflow operation holding
// success and error counters plus total and worst latency in milliseconds.
type ExpvarMetricsRecorder struct {
	name string
	root *expvar.Map

	mu  sync.Mutex
	ops map[string]*expvar.Map
}

// ExpvarMetricsSnapshot is a point-in-time copy of the exported counters.
type ExpvarMetricsSnapshot struct {
	DurationsMS map[string]float64          `json:"durations_ms_total"`
	MaxMS       map[string]float64          `json:"durations_ms_max"`
	Results     map[string]map[string]int64 `json:"results_total"`
	RecordedAt  time.Time                   `json:"recorded_at"`
}

// NewExpvarMetricsRecorder publishes the recorder under name, or under a
// generated pharmachain_service_metrics_N name when name is empty. Publishing
// the same name twice panics, as expvar does.
func NewExpvarMetricsRecorder(name string) *ExpvarMetricsRecorder {
	if name == "" {
		name = fmt.Sprintf("pharmachain_service_metrics_%d", atomic.AddUint64(&expvarSeq, 1))
	}
	rec := &ExpvarMetricsRecorder{
		name: name,
		root: new(expvar.Map).Init(),
		ops:  make(map[string]*expvar.Map),
	}
	expvar.Publish(name, rec.root)
	return rec
}

func (r *ExpvarMetricsRecorder) Name() string { return r.name }

func (r *ExpvarMetricsRecorder) operation(op string) *expvar.Map {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.ops[op]
	if !ok {
		m = new(expvar.Map).Init()
		m.Set(statusSuccess, new(expvar.Int))
		m.Set(statusError, new(expvar.Int))
		m.Set(varDurationTotal, new(expvar.Float))
		m.Set(varDurationMax, new(expvar.Float))
		r.ops[op] = m
		r.root.Set(op, m)
	}
	return m
}

// Observe counts one operation outcome. Unnamed operations are dropped.
func (r *ExpvarMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	ms := float64(duration) / float64(time.Millisecond)
	status := statusError
	if success {
		status = statusSuccess
	}
	m := r.operation(operation)
	m.Add(status, 1)
	m.AddFloat(varDurationTotal, ms)

	r.mu.Lock()
	if worst := m.Get(varDurationMax).(*expvar.Float); ms > worst.Value() {
		worst.Set(ms)
	}
	r.mu.Unlock()
}

// Snapshot copies the current counters.
func (r *ExpvarMetricsRecorder) Snapshot() ExpvarMetricsSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := ExpvarMetricsSnapshot{
		DurationsMS: make(map[string]float64, len(r.ops)),
		MaxMS:       make(map[string]float64, len(r.ops)),
		Results:     make(map[string]map[string]int64, len(r.ops)),
		RecordedAt:  time.Now().UTC(),
	}
	for op, m := range r.ops {
		snap.DurationsMS[op] = m.Get(varDurationTotal).(*expvar.Float).Value()
		snap.MaxMS[op] = m.Get(varDurationMax).(*expvar.Float).Value()
		snap.Results[op] = map[string]int64{
			statusSuccess: m.Get(statusSuccess).(*expvar.Int).Value(),
			statusError:   m.Get(statusError).(*expvar.Int).Value(),
		}
	}
	return snap
}

// JSONTraceEntry is one finished span.
type JSONTraceEntry struct {
	Operation     string    `json:"operation"`
	CorrelationID string    `json:"correlation_id,omitempty"`
	Actor         string    `json:"actor,omitempty"`
	Role          string    `json:"role,omitempty"`
	Status        string    `json:"status"`
	DurationMS    float64   `json:"duration_ms"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	EndedAt       time.Time `json:"ended_at"`
}

// JSONTraceTracer writes one JSON line per workflow operation and keeps the
// finished spans in memory. Each span carries the correlation id and the
// caller attached to the operation context.
type JSONTraceTracer struct {
	mu      sync.Mutex
	entries []JSONTraceEntry
	enc     *json.Encoder
}

// NewJSONTracer returns a tracer writing to w. A nil writer only retains spans.
func NewJSONTracer(w io.Writer) *JSONTraceTracer {
	t := &JSONTraceTracer{}
	if w != nil {
		t.enc = json.NewEncoder(w)
	}
	return t
}

// Entries returns the finished spans in completion order.
func (t *JSONTraceTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

func (t *JSONTraceTracer) Start(ctx context.Context, operation string) (context.Context, TraceSpan) {
	entry := JSONTraceEntry{
		Operation:     operation,
		CorrelationID: domain.CorrelationIDFromContext(ctx),
		StartedAt:     time.Now().UTC(),
	}
	if caller, ok := domain.IdentityFromContext(ctx); ok {
		entry.Actor = caller.UserID
		entry.Role = string(caller.Role)
	}
	return ctx, &jsonTraceSpan{tracer: t, entry: entry}
}

func (t *JSONTraceTracer) emit(entry JSONTraceEntry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, entry)
	if t.enc != nil {
		_ = t.enc.Encode(entry)
	}
}

type jsonTraceSpan struct {
	tracer *JSONTraceTracer
	entry  JSONTraceEntry
}

func (s *jsonTraceSpan) End(err error) {
	e := s.entry
	e.EndedAt = time.Now().UTC()
	e.DurationMS = float64(e.EndedAt.Sub(e.StartedAt)) / float64(time.Millisecond)
	e.Status = statusSuccess
	if err != nil {
		e.Status = statusError
		e.Error = err.Error()
	}
	s.tracer.emit(e)
}
