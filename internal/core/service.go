package core

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"pharmachain/internal/events"
	"pharmachain/internal/infra/persistence/memory"
	"pharmachain/internal/lock"
	"pharmachain/pkg/domain"
)

// DefaultMaxAttempts bounds optimistic retries of one operation.
const DefaultMaxAttempts = 3

// Clock supplies the current time.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to Clock. A nil ClockFunc reports UTC now.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time {
	if f == nil {
		return time.Now().UTC()
	}
	return f().UTC()
}

// AuditStatus is the outcome of an observed operation.
type AuditStatus string

const (
	AuditStatusSuccess AuditStatus = "success"
	AuditStatusError   AuditStatus = "error"
)

// AuditEntry is the operational record handed to an AuditRecorder after every
// service call. It complements, and does not replace, the AuditLogEntry the
// store writes inside the commit.
type AuditEntry struct {
	Operation string
	Entity    EntityType
	Action    Action
	EntityID  string
	Status    AuditStatus
	Error     string
	Duration  time.Duration
	Timestamp time.Time
}

// AuditRecorder receives operational audit entries.
type AuditRecorder interface {
	Record(ctx context.Context, entry AuditEntry)
}

// MetricsRecorder observes operation outcomes and latencies.
type MetricsRecorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around service operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, TraceSpan)
}

// TraceSpan is ended with the operation error, nil on success.
type TraceSpan interface {
	End(err error)
}

type noopAuditRecorder struct{}

func (noopAuditRecorder) Record(context.Context, AuditEntry) {}

type noopMetricsRecorder struct{}

func (noopMetricsRecorder) Observe(context.Context, string, bool, time.Duration) {}

type noopTracer struct{}

func (noopTracer) Start(ctx context.Context, _ string) (context.Context, TraceSpan) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// Option configures a Service.
type Option func(*Service)

// WithClock overrides the time source. Stores that accept a time provider are
// switched to the same clock so record timestamps agree with the service.
func WithClock(clock Clock) Option {
	return func(s *Service) { s.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder sets the metrics sink.
func WithMetricsRecorder(m MetricsRecorder) Option {
	return func(s *Service) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithTracer sets the tracer.
func WithTracer(t Tracer) Option {
	return func(s *Service) {
		if t != nil {
			s.tracer = t
		}
	}
}

// WithAuditRecorder sets the operational audit sink.
func WithAuditRecorder(r AuditRecorder) Option {
	return func(s *Service) {
		if r != nil {
			s.audit = r
		}
	}
}

// WithPolicy replaces the default workflow policy.
func WithPolicy(p Policy) Option {
	return func(s *Service) { s.policy = p }
}

// WithLocker sets the per-request exclusive section provider.
func WithLocker(l lock.Locker) Option {
	return func(s *Service) {
		if l != nil {
			s.locker = l
		}
	}
}

// WithPublisher sets the post-commit event publisher.
func WithPublisher(p events.Publisher) Option {
	return func(s *Service) {
		if p != nil {
			s.publisher = p
		}
	}
}

// WithMaxAttempts bounds optimistic retries. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxAttempts = n
		}
	}
}

// Service is the request/approval/transaction workflow engine.
type Service struct {
	store       PersistentStore
	engine      *RulesEngine
	policy      Policy
	locker      lock.Locker
	publisher   events.Publisher
	logger      Logger
	clock       Clock
	now         func() time.Time
	metrics     MetricsRecorder
	tracer      Tracer
	audit       AuditRecorder
	validate    *validator.Validate
	maxAttempts int
}

// NewService constructs a service backed by the supplied store.
func NewService(store PersistentStore, opts ...Option) *Service {
	svc := &Service{
		store:       store,
		engine:      extractRulesEngine(store),
		policy:      DefaultPolicy(),
		locker:      lock.NewLocalLocker(),
		publisher:   events.Noop{},
		logger:      noopLogger{},
		metrics:     noopMetricsRecorder{},
		tracer:      noopTracer{},
		audit:       noopAuditRecorder{},
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		maxAttempts: DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(svc)
	}
	if svc.clock != nil {
		if setter, ok := store.(interface{ SetNowFunc(func() time.Time) }); ok {
			setter.SetNowFunc(svc.clock.Now)
		}
	}
	svc.now = selectNowFunc(store, svc.clock)
	return svc
}

// NewInMemoryService creates a service over a fresh in-memory store.
func NewInMemoryService(engine *RulesEngine, opts ...Option) *Service {
	return NewService(memory.NewStore(engine), opts...)
}

// Store returns the underlying storage implementation.
func (s *Service) Store() PersistentStore { return s.store }

// Policy returns the active workflow policy.
func (s *Service) Policy() Policy { return s.policy }

func extractRulesEngine(store PersistentStore) *RulesEngine {
	if provider, ok := store.(interface{ RulesEngine() *RulesEngine }); ok {
		return provider.RulesEngine()
	}
	return nil
}

func selectNowFunc(store PersistentStore, clock Clock) func() time.Time {
	if provider, ok := store.(interface{ NowFunc() func() time.Time }); ok {
		if fn := provider.NowFunc(); fn != nil {
			return func() time.Time { return fn().UTC() }
		}
	}
	if clock != nil {
		return clock.Now
	}
	return func() time.Time { return time.Now().UTC() }
}

type operationMeta struct {
	entity EntityType
	action Action
}

const (
	opCreateRequest         = "create_request"
	opApplyApproval         = "apply_approval"
	opRetryFulfillment      = "retry_fulfillment"
	opCancelRequest         = "cancel_request"
	opAdjustInventory       = "adjust_inventory"
	opCreateOrganization    = "create_organization"
	opSetOrganizationParent = "set_organization_parent"
	opRegisterUser          = "register_user"
	opCreateProduct         = "create_product"
	opCreateBatch           = "create_batch"
	opUpdateBatchStatus     = "update_batch_status"
)

var operations = map[string]operationMeta{
	opCreateRequest:         {EntityRequest, ActionCreate},
	opApplyApproval:         {EntityRequest, ActionUpdate},
	opRetryFulfillment:      {EntityRequest, ActionUpdate},
	opCancelRequest:         {EntityRequest, ActionUpdate},
	opAdjustInventory:       {EntityInventory, ActionUpdate},
	opCreateOrganization:    {EntityOrganization, ActionCreate},
	opSetOrganizationParent: {EntityOrganization, ActionUpdate},
	opRegisterUser:          {EntityUser, ActionCreate},
	opCreateProduct:         {EntityProduct, ActionCreate},
	opCreateBatch:           {EntityBatch, ActionCreate},
	opUpdateBatchStatus:     {EntityBatch, ActionUpdate},
}

func (s *Service) recordAuditSuccess(ctx context.Context, op, entityID string, d time.Duration) {
	s.recordAudit(ctx, op, entityID, d, nil)
}

func (s *Service) recordAuditError(ctx context.Context, op, entityID string, d time.Duration, err error) {
	s.recordAudit(ctx, op, entityID, d, err)
}

func (s *Service) recordAudit(ctx context.Context, op, entityID string, d time.Duration, err error) {
	meta, ok := operations[op]
	if !ok {
		return
	}
	entry := AuditEntry{
		Operation: op,
		Entity:    meta.entity,
		Action:    meta.action,
		EntityID:  entityID,
		Status:    AuditStatusSuccess,
		Duration:  d,
		Timestamp: s.now(),
	}
	if err != nil {
		entry.Status = AuditStatusError
		entry.Error = err.Error()
	}
	s.audit.Record(ctx, entry)
}

// WithCorrelationID tags ctx so the audit entries and events of the next
// operation share id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return domain.WithCorrelationID(ctx, id)
}

// run attaches the caller identity and a correlation id to ctx and wraps fn
// with tracing, metrics, operational audit and logging. fn returns the id of
// the operation's primary record.
func (s *Service) run(ctx context.Context, op string, caller Identity, fn func(context.Context) (string, error)) error {
	ctx = domain.WithIdentity(ctx, caller)
	if domain.CorrelationIDFromContext(ctx) == "" {
		ctx = domain.WithCorrelationID(ctx, uuid.NewString())
	}
	ctx, span := s.tracer.Start(ctx, op)
	start := time.Now()
	entityID, err := fn(ctx)
	elapsed := time.Since(start)
	span.End(err)
	s.metrics.Observe(ctx, op, err == nil, elapsed)
	if err != nil {
		s.recordAuditError(ctx, op, entityID, elapsed, err)
		s.logger.Warn("operation failed",
			"operation", op,
			"entity_id", entityID,
			"actor", caller.UserID,
			"correlation_id", domain.CorrelationIDFromContext(ctx),
			"error", err.Error(),
		)
		return err
	}
	s.recordAuditSuccess(ctx, op, entityID, elapsed)
	s.logger.Info("operation committed",
		"operation", op,
		"entity_id", entityID,
		"actor", caller.UserID,
		"correlation_id", domain.CorrelationIDFromContext(ctx),
		"duration_ms", elapsed.Milliseconds(),
	)
	return nil
}

// transact runs fn in a store transaction, retrying optimistic conflicts up
// to maxAttempts times. fn must reset any state it captures on every call.
func (s *Service) transact(ctx context.Context, op string, fn func(Transaction) error) error {
	for attempt := 1; attempt <= s.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		res, err := s.store.RunInTransaction(ctx, fn)
		if err == nil {
			s.logViolations(op, res)
			return nil
		}
		if !errors.Is(err, domain.ErrConflict) {
			return mapRuleViolation(err)
		}
		s.logger.Debug("optimistic conflict", "operation", op, "attempt", attempt, "error", err.Error())
	}
	return domain.ConcurrencyConflictError{Operation: op, Attempts: s.maxAttempts}
}

func (s *Service) logViolations(op string, res Result) {
	for _, v := range res.Violations {
		if v.Severity == SeverityBlock {
			continue
		}
		s.logger.Warn("rule violation", "operation", op, "rule", v.Rule, "severity", string(v.Severity), "message", v.Message)
	}
}

// mapRuleViolation turns a blocking rule result into a ValidationError.
func mapRuleViolation(err error) error {
	var rv RuleViolationError
	if !errors.As(err, &rv) {
		return err
	}
	for _, v := range rv.Result.Violations {
		if v.Severity == SeverityBlock {
			return domain.ValidationError{Field: v.Rule, Message: v.Message}
		}
	}
	return err
}

// exclusive runs fn while holding the per-request section for requestID.
func (s *Service) exclusive(ctx context.Context, requestID string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, "request:"+requestID)
	if err != nil {
		return err
	}
	defer func() {
		if relErr := release(context.WithoutCancel(ctx)); relErr != nil {
			s.logger.Warn("release request lock", "request_id", requestID, "error", relErr.Error())
		}
	}()
	return fn()
}
