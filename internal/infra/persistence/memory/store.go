// Package memory provides an in-memory implementation of the core persistence
// store used for tests, ephemeral environments and as the transactional engine
// beneath the durable stores.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"pharmachain/pkg/domain"
)

// Compile-time contract assertions ensuring memory.Store adheres to the domain persistence interfaces.
var _ domain.PersistentStore = (*Store)(nil)

type (
	// Organization aliases domain.Organization for in-memory persistence operations.
	Organization = domain.Organization
	// User aliases domain.User.
	User = domain.User
	// Product aliases domain.Product.
	Product = domain.Product
	// Batch aliases domain.Batch.
	Batch = domain.Batch
	// InventoryRecord aliases domain.InventoryRecord.
	InventoryRecord = domain.InventoryRecord
	// Request aliases domain.Request.
	Request = domain.Request
	// Approval aliases domain.Approval.
	Approval = domain.Approval
	// InventoryTransaction aliases domain.InventoryTransaction.
	InventoryTransaction = domain.InventoryTransaction
	// AuditLogEntry aliases domain.AuditLogEntry.
	AuditLogEntry = domain.AuditLogEntry
	// AuditFilter aliases domain.AuditFilter.
	AuditFilter = domain.AuditFilter
	// Change aliases domain.Change captured in transactions.
	Change = domain.Change
	// Result aliases domain.Result summarizing rule evaluation.
	Result = domain.Result
	// RulesEngine aliases domain.RulesEngine used to evaluate rules.
	RulesEngine = domain.RulesEngine
	// Transaction aliases domain.Transaction representing a mutable unit of work.
	Transaction = domain.Transaction
	// TransactionView aliases domain.TransactionView providing read-only state.
	TransactionView = domain.TransactionView
	// PersistentStore aliases domain.PersistentStore abstraction.
	PersistentStore = domain.PersistentStore
)

// CommitSet is handed to the commit hook while the commit lock is held.
type CommitSet struct {
	// Snapshot is the state that becomes visible if the hook succeeds.
	Snapshot Snapshot
	// Audit holds the entries appended by this commit.
	Audit []AuditLogEntry
	// Touched lists the entity types written by this commit.
	Touched []domain.EntityType
}

// CommitHook persists a pending commit. A non-nil error aborts the commit.
type CommitHook func(ctx context.Context, set CommitSet) error

// Store provides an in-memory transactional store for the core domain. Reads
// run against a private copy of the committed state and every record read is
// version-checked when the transaction commits.
type Store struct {
	mu     sync.RWMutex
	state  memoryState
	engine *RulesEngine
	nowFn  func() time.Time
	hook   CommitHook
}

// NewStore constructs an in-memory store backed by the provided rules engine.
func NewStore(engine *RulesEngine) *Store {
	if engine == nil {
		engine = domain.NewRulesEngine()
	}
	return &Store{
		state:  newMemoryState(),
		engine: engine,
		nowFn:  func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) newID() string {
	return uuid.NewString()
}

// ExportState clones the current store state for external persistence.
func (s *Store) ExportState() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return snapshotFromMemoryState(s.state)
}

// ImportState replaces the store state with the provided snapshot.
func (s *Store) ImportState(snapshot Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = memoryStateFromSnapshot(snapshot)
}

// RulesEngine exposes the currently configured engine.
func (s *Store) RulesEngine() *RulesEngine {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.engine
}

// NowFunc returns the time provider used by the in-memory store.
func (s *Store) NowFunc() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nowFn
}

// SetNowFunc replaces the time provider.
func (s *Store) SetNowFunc(fn func() time.Time) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.nowFn = fn
	s.mu.Unlock()
}

// SetCommitHook installs the hook run inside every commit.
func (s *Store) SetCommitHook(hook CommitHook) {
	s.mu.Lock()
	s.hook = hook
	s.mu.Unlock()
}

// RunInTransaction executes fn against a private copy of the committed state
// and commits the result if no record it read has changed in the meantime.
// A stale read yields domain.ErrConflict and nothing is applied.
func (s *Store) RunInTransaction(ctx context.Context, fn func(tx Transaction) error) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.RLock()
	tx := &transaction{
		store:    s,
		state:    s.state.clone(),
		now:      s.nowFn(),
		reads:    make(map[recordKey]int64),
		written:  make(map[recordKey]struct{}),
		identity: identityFrom(ctx),
	}
	s.mu.RUnlock()

	if err := fn(tx); err != nil {
		return Result{}, err
	}
	if len(tx.changes) > 0 && tx.audit == nil {
		return Result{}, domain.ErrUnaudited
	}
	return s.commit(ctx, tx)
}

func identityFrom(ctx context.Context) domain.Identity {
	id, _ := domain.IdentityFromContext(ctx)
	return id
}

func (s *Store) commit(ctx context.Context, tx *transaction) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, seen := range tx.reads {
		if current := s.state.version(key); current != seen {
			return Result{}, fmt.Errorf("%s %s: read version %d, committed version %d: %w",
				key.entity, key.id, seen, current, domain.ErrConflict)
		}
	}

	next := s.state.clone()
	touched := make(map[domain.EntityType]struct{})
	for key := range tx.written {
		next.copyRecord(&tx.state, key)
		touched[key.entity] = struct{}{}
	}

	var result Result
	if s.engine != nil {
		view := newTransactionView(&next)
		res, err := s.engine.Evaluate(ctx, view, tx.changes)
		if err != nil {
			return Result{}, err
		}
		result = res
		if res.HasBlocking() {
			return res, domain.RuleViolationError{Result: res}
		}
	}

	var appended []AuditLogEntry
	if tx.audit != nil {
		entry, err := s.finalizeAudit(ctx, tx, next.auditSeq+1)
		if err != nil {
			return Result{}, err
		}
		next.audit = append(next.audit, entry)
		next.auditSeq = entry.Sequence
		appended = append(appended, entry)
	}

	if s.hook != nil && (len(tx.written) > 0 || len(appended) > 0) {
		set := CommitSet{Snapshot: snapshotFromMemoryState(next), Audit: appended}
		for entity := range touched {
			set.Touched = append(set.Touched, entity)
		}
		if err := s.hook(ctx, set); err != nil {
			return Result{}, fmt.Errorf("commit hook: %w", err)
		}
	}

	s.state = next
	return result, nil
}

func (s *Store) finalizeAudit(ctx context.Context, tx *transaction, seq int64) (AuditLogEntry, error) {
	entry := tx.audit.Clone()
	if entry.Operation == "" {
		return AuditLogEntry{}, errors.New("audit entry requires an operation")
	}
	if entry.Table == "" || entry.RecordID == "" {
		return AuditLogEntry{}, errors.New("audit entry requires a table and record id")
	}
	entry.ID = s.newID()
	entry.Sequence = seq
	entry.Timestamp = tx.now
	if entry.ActorID == "" {
		entry.ActorID = tx.identity.UserID
		entry.ActorOrgID = tx.identity.OrganizationID
		entry.ActorRole = tx.identity.Role
	}
	if entry.CorrelationID == "" {
		entry.CorrelationID = domain.CorrelationIDFromContext(ctx)
	}
	seen := map[recordKey]struct{}{{entity: entry.Table, id: entry.RecordID}: {}}
	for _, change := range tx.changes {
		key := recordKey{entity: change.Entity, id: changeID(change)}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		entry.Related = append(entry.Related, domain.AuditRef{Table: change.Entity, RecordID: key.id, Action: change.Action})
	}
	return entry, nil
}

func changeID(change Change) string {
	for _, v := range []any{change.After, change.Before} {
		switch rec := v.(type) {
		case Organization:
			return rec.ID
		case User:
			return rec.ID
		case Product:
			return rec.ID
		case Batch:
			return rec.ID
		case InventoryRecord:
			return rec.ID
		case Request:
			return rec.ID
		case Approval:
			return rec.ID
		case InventoryTransaction:
			return rec.ID
		}
	}
	return ""
}

// View executes fn against a read-only snapshot of the store state.
func (s *Store) View(_ context.Context, fn func(TransactionView) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snapshot := s.state.clone()
	view := newTransactionView(&snapshot)
	return fn(view)
}

// GetRequest returns a committed request by id.
func (s *Store) GetRequest(id string) (Request, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).FindRequest(id)
}

// ListRequests returns all committed requests.
func (s *Store) ListRequests() []Request {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListRequests()
}

// ListOrganizations returns all committed organizations.
func (s *Store) ListOrganizations() []Organization {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListOrganizations()
}

// ListInventory returns all committed inventory records.
func (s *Store) ListInventory() []InventoryRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListInventory()
}

// ListTransactions returns all committed inventory transactions.
func (s *Store) ListTransactions() []InventoryTransaction {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListTransactions()
}

// ListAuditLogs returns committed audit entries matching filter.
func (s *Store) ListAuditLogs(filter AuditFilter) []AuditLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return newTransactionView(&s.state).ListAuditLogs(filter)
}
