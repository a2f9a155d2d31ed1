package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"expvar"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"

	"pharmachain/internal/events"
	"pharmachain/internal/infra/persistence/memory"
	"pharmachain/pkg/domain"
)

func TestClockFuncDefaultsToUTCNow(t *testing.T) {
	before := time.Now().UTC()
	got := ClockFunc(nil).Now()
	if got.Location() != time.UTC || got.Before(before.Add(-time.Second)) {
		t.Fatalf("expected current UTC time, got %v", got)
	}
	fixed := ClockFunc(func() time.Time { return fixedNow })
	if !fixed.Now().Equal(fixedNow) {
		t.Fatalf("expected fixed clock")
	}
}

type plainStore struct{ PersistentStore }

func TestSelectNowFuncPrefersStore(t *testing.T) {
	store := memory.NewStore(nil)
	store.SetNowFunc(func() time.Time { return fixedNow })
	clock := ClockFunc(func() time.Time { return fixedNow.Add(time.Hour) })
	if got := selectNowFunc(store, clock)(); !got.Equal(fixedNow) {
		t.Fatalf("expected store clock, got %v", got)
	}
	if got := selectNowFunc(plainStore{store}, clock)(); !got.Equal(fixedNow.Add(time.Hour)) {
		t.Fatalf("expected service clock, got %v", got)
	}
	if got := selectNowFunc(plainStore{store}, nil)(); got.Location() != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", got)
	}
}

func TestExtractRulesEngine(t *testing.T) {
	engine := NewDefaultRulesEngine()
	if extractRulesEngine(memory.NewStore(engine)) != engine {
		t.Fatalf("expected engine from store")
	}
	if extractRulesEngine(plainStore{}) != nil {
		t.Fatalf("expected nil engine for store without provider")
	}
}

func TestServiceClockDrivesStoreTimestamps(t *testing.T) {
	svc := NewInMemoryService(NewDefaultRulesEngine(), WithClock(ClockFunc(func() time.Time { return fixedNow })))
	org, err := svc.CreateOrganization(context.Background(), SystemIdentity, OrganizationInput{Name: "Clocked", Code: "CLK1", Type: domain.OrgOther})
	if err != nil {
		t.Fatalf("create organization: %v", err)
	}
	if !org.CreatedAt.Equal(fixedNow) {
		t.Fatalf("expected store timestamps from service clock, got %v", org.CreatedAt)
	}
	if svc.Store() == nil {
		t.Fatalf("expected store accessor")
	}
}

func TestNoopImplementations(t *testing.T) {
	ctx := context.Background()
	noopAuditRecorder{}.Record(ctx, AuditEntry{})
	noopMetricsRecorder{}.Observe(ctx, "op", true, time.Millisecond)
	spanCtx, span := noopTracer{}.Start(ctx, "op")
	if spanCtx != ctx {
		t.Fatalf("expected noop tracer to keep context")
	}
	span.End(nil)
	noopLogger{}.Info("ignored", "k", "v")
	if err := (events.Noop{}).Publish(ctx, events.Event{Type: "x"}); err != nil {
		t.Fatalf("noop publish: %v", err)
	}
}

func TestRecordAuditIgnoresUnknownOperation(t *testing.T) {
	rec := &captureAuditRecorder{}
	svc := NewInMemoryService(nil, WithAuditRecorder(rec))
	svc.recordAuditSuccess(context.Background(), "unknown", "id", time.Millisecond)
	if len(rec.entries) != 0 {
		t.Fatalf("expected unknown operation to be ignored, got %+v", rec.entries)
	}
	svc.recordAuditError(context.Background(), opCreateBatch, "b1", time.Millisecond, errors.New("boom"))
	if !rec.has(opCreateBatch, AuditStatusError, func(e AuditEntry) bool { return e.Error == "boom" && e.Entity == EntityBatch }) {
		t.Fatalf("expected error entry, got %+v", rec.entries)
	}
}

func TestOptionsIgnoreNil(t *testing.T) {
	svc := NewInMemoryService(nil, WithLogger(nil), WithMetricsRecorder(nil), WithTracer(nil), WithAuditRecorder(nil), WithLocker(nil), WithPublisher(nil), WithMaxAttempts(0))
	if svc.logger == nil || svc.metrics == nil || svc.tracer == nil || svc.audit == nil || svc.locker == nil || svc.publisher == nil {
		t.Fatalf("expected nil options to keep defaults")
	}
	if svc.maxAttempts != DefaultMaxAttempts {
		t.Fatalf("expected default attempts, got %d", svc.maxAttempts)
	}
}

func TestObservabilityHooksSeeEveryOperation(t *testing.T) {
	audit := &captureAuditRecorder{}
	metrics := &captureMetricsRecorder{}
	tracer := &captureTracer{}
	logger := &captureLogger{}
	f := newFixture(t, WithAuditRecorder(audit), WithMetricsRecorder(metrics), WithTracer(tracer), WithLogger(logger))

	req := f.dispatch(t, 10)
	if _, err := f.svc.ApplyApproval(context.Background(), f.stock, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved}); err == nil {
		t.Fatalf("expected stockist approval to fail")
	}

	if !audit.has(opCreateRequest, AuditStatusSuccess, func(e AuditEntry) bool { return e.EntityID == req.ID }) {
		t.Fatalf("expected success audit for create_request")
	}
	if !audit.has(opApplyApproval, AuditStatusError, func(e AuditEntry) bool { return e.EntityID == req.ID && e.Error != "" }) {
		t.Fatalf("expected error audit for apply_approval")
	}
	if !metrics.has(opCreateRequest, true) || !metrics.has(opApplyApproval, false) {
		t.Fatalf("expected metrics for both outcomes, got %+v", metrics.calls)
	}
	if !tracer.has(opCreateRequest, true) || !tracer.has(opApplyApproval, false) {
		t.Fatalf("expected spans for both outcomes, got %+v", tracer.ended)
	}
	if !slices.Contains(logger.lines, "info:operation committed") || !slices.Contains(logger.lines, "warn:operation failed") {
		t.Fatalf("expected commit and failure logs, got %v", logger.lines)
	}
}

func TestEventsPublishedAfterCommit(t *testing.T) {
	pub := events.NewMemoryPublisher()
	f := newFixture(t, WithPublisher(pub))
	ctx := WithCorrelationID(context.Background(), "corr-events")

	req, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{Type: domain.RequestDispatch, TargetOrgID: f.cfaID, Items: []RequestItem{f.item(10)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.approve(t, f.admin, req.ID)
	f.approve(t, f.maker, req.ID)

	want := []string{
		events.InventoryAdjusted, // seed opening stock
		events.RequestCreated,
		events.RequestApproved,
		events.RequestFulfilled,
	}
	if got := pub.Types(); !slices.Equal(got, want) {
		t.Fatalf("unexpected events: %v", got)
	}
	all := pub.Events()
	created := all[1]
	if created.Key != req.ID || created.CorrelationID != "corr-events" || created.ActorID != f.cfa.UserID || !created.OccurredAt.Equal(fixedNow) {
		t.Fatalf("unexpected created event: %+v", created)
	}
	var payload Request
	if err := json.Unmarshal(all[3].Payload, &payload); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if payload.Status != domain.StatusFulfilled {
		t.Fatalf("expected fulfilled payload, got %s", payload.Status)
	}
}

func TestFailedFulfillmentPublishesApprovalFailed(t *testing.T) {
	pub := events.NewMemoryPublisher()
	f := newFixture(t, WithPublisher(pub))
	req := f.dispatch(t, 500)
	f.approve(t, f.admin, req.ID)
	if _, err := f.svc.ApplyApproval(context.Background(), f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved}); err == nil {
		t.Fatalf("expected fulfillment failure")
	}
	types := pub.Types()
	if types[len(types)-1] != events.RequestApprovalFailed {
		t.Fatalf("expected approval_failed event last, got %v", types)
	}
}

func TestPublishFailureDoesNotFailOperation(t *testing.T) {
	pub := events.NewMemoryPublisher()
	logger := &captureLogger{}
	f := newFixture(t, WithPublisher(pub), WithLogger(logger))
	pub.FailWith(errors.New("broker down"))

	req := f.dispatch(t, 5)
	if _, err := f.svc.GetRequest(context.Background(), req.ID); err != nil {
		t.Fatalf("expected request committed despite publish failure: %v", err)
	}
	if !slices.Contains(logger.lines, "error:publish events") {
		t.Fatalf("expected publish failure to be logged, got %v", logger.lines)
	}
}

func TestExpvarMetricsRecorder(t *testing.T) {
	rec := NewExpvarMetricsRecorder("")
	if !strings.HasPrefix(rec.Name(), "pharmachain_service_metrics_") {
		t.Fatalf("unexpected generated name %q", rec.Name())
	}
	f := newFixture(t, WithMetricsRecorder(rec))
	f.dispatch(t, 1)
	rec.Observe(context.Background(), "", true, time.Second)
	rec.Observe(context.Background(), "sample", false, 40*time.Millisecond)
	rec.Observe(context.Background(), "sample", true, 10*time.Millisecond)

	snap := rec.Snapshot()
	if snap.Results[opCreateRequest]["success"] != 1 {
		t.Fatalf("expected one successful create_request, got %+v", snap.Results)
	}
	if snap.Results["sample"]["error"] != 1 || snap.MaxMS["sample"] != 40 || snap.DurationsMS["sample"] != 50 {
		t.Fatalf("unexpected sample metrics: %+v %+v %+v", snap.Results["sample"], snap.MaxMS, snap.DurationsMS)
	}
	if _, ok := snap.Results[""]; ok {
		t.Fatalf("expected empty operation to be ignored")
	}
	if v := expvar.Get(rec.Name()); v == nil || !strings.Contains(v.String(), opCreateRequest) {
		t.Fatalf("expected expvar export to include operations")
	}
}

func TestJSONTracerCarriesCorrelation(t *testing.T) {
	var buf bytes.Buffer
	tracer := NewJSONTracer(&buf)
	f := newFixture(t, WithTracer(tracer))
	ctx := WithCorrelationID(context.Background(), "corr-trace")
	if _, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{Type: domain.RequestDispatch, TargetOrgID: f.cfaID}); err == nil {
		t.Fatalf("expected validation failure without items")
	}
	entries := tracer.Entries()
	last := entries[len(entries)-1]
	if last.Operation != opCreateRequest || last.Status != "error" || last.CorrelationID != "corr-trace" || last.Error == "" ||
		last.Actor != f.cfa.UserID || last.Role != string(domain.RoleCFA) {
		t.Fatalf("unexpected span: %+v", last)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != len(entries) {
		t.Fatalf("expected one json line per span, got %d lines for %d spans", len(lines), len(entries))
	}
	var decoded JSONTraceEntry
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &decoded); err != nil || decoded.CorrelationID != "corr-trace" {
		t.Fatalf("decode span line: %+v err=%v", decoded, err)
	}
}

func TestPrometheusMetricsRecorder(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusMetricsRecorder(reg)
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := NewPrometheusMetricsRecorder(reg); err == nil {
		t.Fatalf("expected duplicate registration to fail")
	}
	f := newFixture(t, WithMetricsRecorder(rec))
	f.dispatch(t, 1)
	if got := testutil.ToFloat64(rec.total.WithLabelValues(opCreateRequest, "success")); got != 1 {
		t.Fatalf("expected one create_request success, got %v", got)
	}
	if got := testutil.ToFloat64(rec.total.WithLabelValues(opAdjustInventory, "success")); got != 1 {
		t.Fatalf("expected seed adjustment to be counted, got %v", got)
	}
	if n := testutil.CollectAndCount(rec.duration); n == 0 {
		t.Fatalf("expected duration series")
	}
}

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	base := logrus.New()
	base.SetOutput(&buf)
	base.SetFormatter(&logrus.JSONFormatter{})
	base.SetLevel(logrus.DebugLevel)

	logger := NewLogrusLogger(base).With("component", "workflow")
	logger.Info("operation committed", "operation", opCreateRequest, "attempt", 2, "dangling")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["msg"] != "operation committed" || line["component"] != "workflow" || line["operation"] != opCreateRequest || line["extra"] != "dangling" {
		t.Fatalf("unexpected log line: %v", line)
	}
	if line["attempt"] != float64(2) {
		t.Fatalf("expected numeric field, got %v", line["attempt"])
	}
	if NewLogrusLogger(nil) == nil {
		t.Fatalf("expected standard logger fallback")
	}
}

func TestOpenStore(t *testing.T) {
	store, err := OpenStore(StorageOptions{Driver: StorageMemory}, nil)
	if err != nil {
		t.Fatalf("open memory: %v", err)
	}
	if extractRulesEngine(store) == nil {
		t.Fatalf("expected default rules on memory store")
	}
	if _, err := OpenStore(StorageOptions{Driver: "cassandra"}, nil); err == nil {
		t.Fatalf("expected unknown driver error")
	}

	path := filepath.Join(t.TempDir(), "chain.db")
	store, err = OpenStore(StorageOptions{Driver: StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	svc := NewService(store)
	if _, err := Seed(context.Background(), svc); err != nil {
		t.Fatalf("seed sqlite: %v", err)
	}
	reopened, err := OpenStore(StorageOptions{Driver: StorageSQLite, SQLitePath: path}, nil)
	if err != nil {
		t.Fatalf("reopen sqlite: %v", err)
	}
	org, err := NewService(reopened).FindOrganizationByCode(context.Background(), "CFA001")
	if err != nil || org.ParentID == nil {
		t.Fatalf("expected persisted hierarchy, got %+v err=%v", org, err)
	}
}

func TestOpenPersistentStoreFromEnv(t *testing.T) {
	t.Setenv("PHARMACHAIN_STORAGE_DRIVER", "memory")
	store, err := OpenPersistentStore(nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if _, ok := store.(*memory.Store); !ok {
		t.Fatalf("expected memory store, got %T", store)
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	f := newFixture(t)
	again, err := Seed(context.Background(), f.svc)
	if err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if again.Product.ID != f.data.Product.ID || again.Batch.ID != f.data.Batch.ID || again.Users["cfa_user"].ID != f.cfa.UserID {
		t.Fatalf("expected existing records, got %+v", again)
	}
	orgs, _ := f.svc.ListOrganizations(context.Background())
	if len(orgs) != 3 || f.qty(t, f.manufID) != 100 {
		t.Fatalf("expected seed not to duplicate data, got %d orgs and %d units", len(orgs), f.qty(t, f.manufID))
	}
	if !f.data.Batch.ExpiryDate.After(fixedNow) || f.data.Batch.QCStatus != domain.QCReleased {
		t.Fatalf("expected a released, unexpired seed batch: %+v", f.data.Batch)
	}
}

func TestFindLookups(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	org, err := f.svc.FindOrganizationByCode(ctx, "stock001")
	if err != nil || org.ID != f.stockID {
		t.Fatalf("expected case-insensitive code lookup, got %+v err=%v", org, err)
	}
	if _, err := f.svc.FindUserByUsername(ctx, "nobody"); !isNotFound(err) {
		t.Fatalf("expected NotFoundError, got %v", err)
	}
	req := f.dispatch(t, 3)
	list, err := f.svc.ListRequests(ctx, RequestFilter{Status: domain.StatusPending, OrganizationID: f.cfaID})
	if err != nil || len(list) != 1 || list[0].ID != req.ID {
		t.Fatalf("unexpected request list: %+v err=%v", list, err)
	}
	if list, _ := f.svc.ListRequests(ctx, RequestFilter{Type: domain.RequestReturn}); len(list) != 0 {
		t.Fatalf("expected no returns, got %d", len(list))
	}
	if _, err := f.svc.ListApprovals(ctx, "ghost"); !isNotFound(err) {
		t.Fatalf("expected NotFoundError for approvals of unknown request, got %v", err)
	}
	product, batch, err := f.svc.FindBatchByNumber(ctx, "pr-100", "b-001")
	if err != nil || product.ID != f.data.Product.ID || batch.ID != f.data.Batch.ID {
		t.Fatalf("unexpected batch lookup: %+v %+v err=%v", product, batch, err)
	}
	if _, _, err := f.svc.FindBatchByNumber(ctx, "PR-100", "B-999"); !isNotFound(err) {
		t.Fatalf("expected NotFoundError for unknown batch, got %v", err)
	}
	if _, _, err := f.svc.FindBatchByNumber(ctx, "PR-999", "B-001"); !isNotFound(err) {
		t.Fatalf("expected NotFoundError for unknown product, got %v", err)
	}
}
