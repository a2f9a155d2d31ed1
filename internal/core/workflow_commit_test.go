package core

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"testing"
	"time"

	"pharmachain/internal/events"
	"pharmachain/internal/infra/persistence/memory"
	"pharmachain/internal/lock"
	"pharmachain/pkg/domain"
)

// conflictingStore runs every transaction body and then reports an
// optimistic conflict, so nothing ever commits.
type conflictingStore struct {
	PersistentStore
	attempts int
}

func (s *conflictingStore) RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error) {
	s.attempts++
	return s.PersistentStore.RunInTransaction(ctx, func(tx Transaction) error {
		if err := fn(tx); err != nil {
			return err
		}
		return domain.ErrConflict
	})
}

func TestApplyApprovalCommitHookFailureReturnsNoRequest(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t, 50)
	f.approve(t, f.admin, req.ID)
	before := f.auditCount()

	f.store.SetCommitHook(func(context.Context, memory.CommitSet) error {
		return errors.New("disk full")
	})
	got, err := f.svc.ApplyApproval(context.Background(), f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved})
	if err == nil || !strings.Contains(err.Error(), "disk full") {
		t.Fatalf("expected commit hook error, got %v", err)
	}
	if got.ID != "" || got.Status != "" {
		t.Fatalf("expected zero request after failed commit, got %s %s", got.ID, got.Status)
	}
	f.store.SetCommitHook(nil)

	stored, _ := f.svc.GetRequest(context.Background(), req.ID)
	if stored.Status != domain.StatusPending || stored.CurrentStep != 1 {
		t.Fatalf("expected request untouched, got %s step %d", stored.Status, stored.CurrentStep)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 100 || dst != 0 {
		t.Fatalf("expected inventory unchanged, got %d/%d", src, dst)
	}
	if f.auditCount() != before {
		t.Fatalf("expected no audit entry for an aborted commit")
	}
}

func TestConflictRetriesExhaustedSurfaceConcurrencyConflict(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t, 50)
	f.approve(t, f.admin, req.ID)
	before := f.auditCount()

	store := &conflictingStore{PersistentStore: f.store}
	svc := NewService(store, WithClock(ClockFunc(func() time.Time { return fixedNow })))
	got, err := svc.ApplyApproval(context.Background(), f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved})
	var conflict domain.ConcurrencyConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected ConcurrencyConflictError, got %v", err)
	}
	if conflict.Attempts != DefaultMaxAttempts || store.attempts != DefaultMaxAttempts {
		t.Fatalf("expected %d attempts, error says %d and store saw %d", DefaultMaxAttempts, conflict.Attempts, store.attempts)
	}
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("expected error to unwrap to ErrConflict")
	}
	if got.ID != "" {
		t.Fatalf("expected zero request, got status %s", got.Status)
	}
	stored, _ := f.svc.GetRequest(context.Background(), req.ID)
	if stored.Status != domain.StatusPending || stored.Version != req.Version+1 {
		t.Fatalf("expected only the first approval committed, got %+v", stored)
	}
	if f.qty(t, f.manufID) != 100 || f.auditCount() != before {
		t.Fatalf("expected no state change")
	}
}

// lockCheckingPublisher records request events published while the request
// section was still held.
type lockCheckingPublisher struct {
	locker lock.Locker
	held   []string
}

func (p *lockCheckingPublisher) Publish(ctx context.Context, evts ...events.Event) error {
	for _, e := range evts {
		if !strings.HasPrefix(e.Type, "request.") {
			continue
		}
		tctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
		release, err := p.locker.Acquire(tctx, "request:"+e.Key)
		cancel()
		if err != nil {
			p.held = append(p.held, e.Type)
			continue
		}
		if err := release(ctx); err != nil {
			return err
		}
	}
	return nil
}

func TestEventsPublishedOutsideRequestLock(t *testing.T) {
	locker := lock.NewLocalLocker()
	pub := &lockCheckingPublisher{locker: locker}
	f := newFixture(t, WithLocker(locker), WithPublisher(pub))
	ctx := context.Background()

	req := f.dispatch(t, 10)
	f.approve(t, f.admin, req.ID)
	f.approve(t, f.maker, req.ID)

	failed := f.dispatch(t, 500)
	f.approve(t, f.admin, failed.ID)
	if _, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: failed.ID, Decision: domain.DecisionApproved}); err == nil {
		t.Fatalf("expected fulfillment failure")
	}
	if _, err := f.svc.CancelRequest(ctx, f.cfa, failed.ID, "no stock"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if len(pub.held) != 0 {
		t.Fatalf("events published while the request lock was held: %v", pub.held)
	}
}

func TestOverflowingDemandLeavesApprovalFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	huge := int64(math.MaxInt64/2 + 1)
	req, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{
		Type:        domain.RequestDispatch,
		TargetOrgID: f.cfaID,
		Items:       []RequestItem{f.item(huge), f.item(huge)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.approve(t, f.admin, req.ID)
	got, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved})
	var stock domain.InsufficientStockError
	if !errors.As(err, &stock) || stock.Available != 100 {
		t.Fatalf("expected InsufficientStockError against 100 units, got %v", err)
	}
	if got.Status != domain.StatusApprovalFailed || got.CurrentStep != 2 {
		t.Fatalf("expected ApprovalFailed at step 2, got %s step %d", got.Status, got.CurrentStep)
	}
	if approvals, _ := f.svc.ListApprovals(ctx, req.ID); len(approvals) != 2 {
		t.Fatalf("expected the final approval kept, got %d", len(approvals))
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 100 || dst != 0 {
		t.Fatalf("expected inventory unchanged, got %d/%d", src, dst)
	}
}

func TestIsSelfOrAncestorFollowsDeepChains(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	parent := f.stockID
	var leaf Organization
	for i := 0; i < 80; i++ {
		parentID := parent
		org, err := f.svc.CreateOrganization(ctx, f.admin, OrganizationInput{
			Name:     "Depot",
			Code:     fmt.Sprintf("DEPOT%03d", i),
			Type:     domain.OrgStockist,
			ParentID: &parentID,
		})
		if err != nil {
			t.Fatalf("create org %d: %v", i, err)
		}
		parent, leaf = org.ID, org
	}
	if err := f.store.View(ctx, func(v TransactionView) error {
		if !isSelfOrAncestor(v, f.manufID, leaf) {
			t.Fatalf("expected MANUF001 to be an ancestor 82 levels up")
		}
		if isSelfOrAncestor(v, "missing", leaf) {
			t.Fatalf("unexpected ancestor match")
		}
		return nil
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
}
