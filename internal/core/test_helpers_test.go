package core

import (
	"context"
	"testing"
	"time"

	"pharmachain/internal/infra/persistence/memory"
	"pharmachain/pkg/domain"
)

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc     *Service
	store   *memory.Store
	data    SeedData
	admin   Identity
	maker   Identity
	cfa     Identity
	stock   Identity
	manufID string
	cfaID   string
	stockID string
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	store := memory.NewStore(NewDefaultRulesEngine())
	all := append([]Option{WithClock(ClockFunc(func() time.Time { return fixedNow }))}, opts...)
	svc := NewService(store, all...)
	data, err := Seed(context.Background(), svc)
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	return &fixture{
		svc:     svc,
		store:   store,
		data:    data,
		admin:   IdentityOf(data.Users["admin"]),
		maker:   IdentityOf(data.Users["manuf_user"]),
		cfa:     IdentityOf(data.Users["cfa_user"]),
		stock:   IdentityOf(data.Users["stock_user"]),
		manufID: data.Organizations["MANUF001"].ID,
		cfaID:   data.Organizations["CFA001"].ID,
		stockID: data.Organizations["STOCK001"].ID,
	}
}

func (f *fixture) item(qty int64) RequestItem {
	return RequestItem{ProductID: f.data.Product.ID, BatchID: f.data.Batch.ID, RequestedQuantity: qty}
}

// dispatch creates a CFA001 dispatch request drawing from MANUF001.
func (f *fixture) dispatch(t *testing.T, qty int64) Request {
	t.Helper()
	req, err := f.svc.CreateRequest(context.Background(), f.cfa, CreateRequestInput{
		Type:        domain.RequestDispatch,
		TargetOrgID: f.cfaID,
		Items:       []RequestItem{f.item(qty)},
	})
	if err != nil {
		t.Fatalf("create dispatch: %v", err)
	}
	return req
}

func (f *fixture) approve(t *testing.T, who Identity, requestID string) Request {
	t.Helper()
	req, err := f.svc.ApplyApproval(context.Background(), who, ApprovalInput{RequestID: requestID, Decision: domain.DecisionApproved})
	if err != nil {
		t.Fatalf("approve %s as %s: %v", requestID, who.Role, err)
	}
	return req
}

func (f *fixture) qty(t *testing.T, orgID string) int64 {
	t.Helper()
	var q int64
	if err := f.store.View(context.Background(), func(v TransactionView) error {
		rec, _ := v.FindInventory(orgID, f.data.Batch.ID)
		q = rec.Quantity
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	return q
}

func (f *fixture) auditCount() int {
	return len(f.store.ListAuditLogs(domain.AuditFilter{}))
}

type captureAuditRecorder struct {
	entries []AuditEntry
}

func (c *captureAuditRecorder) Record(_ context.Context, entry AuditEntry) {
	c.entries = append(c.entries, entry)
}

func (c *captureAuditRecorder) has(op string, status AuditStatus, predicate func(AuditEntry) bool) bool {
	for _, entry := range c.entries {
		if entry.Operation == op && entry.Status == status {
			if predicate == nil || predicate(entry) {
				return true
			}
		}
	}
	return false
}

type metricsCall struct {
	op      string
	success bool
}

type captureMetricsRecorder struct {
	calls []metricsCall
}

func (c *captureMetricsRecorder) Observe(_ context.Context, op string, success bool, _ time.Duration) {
	c.calls = append(c.calls, metricsCall{op: op, success: success})
}

func (c *captureMetricsRecorder) has(op string, success bool) bool {
	for _, call := range c.calls {
		if call.op == op && call.success == success {
			return true
		}
	}
	return false
}

type spanRecord struct {
	op  string
	err error
}

type captureTracer struct {
	ended []spanRecord
}

func (c *captureTracer) Start(ctx context.Context, op string) (context.Context, TraceSpan) {
	return ctx, &captureSpan{tracer: c, op: op}
}

func (c *captureTracer) has(op string, success bool) bool {
	for _, record := range c.ended {
		if record.op == op && (record.err == nil) == success {
			return true
		}
	}
	return false
}

type captureSpan struct {
	tracer *captureTracer
	op     string
}

func (s *captureSpan) End(err error) {
	s.tracer.ended = append(s.tracer.ended, spanRecord{op: s.op, err: err})
}

type captureLogger struct {
	lines []string
}

func (c *captureLogger) Debug(msg string, _ ...any) { c.lines = append(c.lines, "debug:"+msg) }
func (c *captureLogger) Info(msg string, _ ...any)  { c.lines = append(c.lines, "info:"+msg) }
func (c *captureLogger) Warn(msg string, _ ...any)  { c.lines = append(c.lines, "warn:"+msg) }
func (c *captureLogger) Error(msg string, _ ...any) { c.lines = append(c.lines, "error:"+msg) }
