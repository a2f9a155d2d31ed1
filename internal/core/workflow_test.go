package core

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"pharmachain/pkg/domain"
)

func TestDispatchFulfilledAfterRequiredSteps(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t, 50)
	if req.Status != domain.StatusPending || req.CurrentStep != 0 || req.RequiredSteps != 2 {
		t.Fatalf("unexpected new request: %+v", req)
	}

	req = f.approve(t, f.admin, req.ID)
	if req.Status != domain.StatusPending || req.CurrentStep != 1 {
		t.Fatalf("expected pending after step 1, got %s step %d", req.Status, req.CurrentStep)
	}
	if f.qty(t, f.manufID) != 100 {
		t.Fatalf("expected no stock movement before threshold")
	}

	req = f.approve(t, f.maker, req.ID)
	if req.Status != domain.StatusFulfilled || req.CompletionDate == nil {
		t.Fatalf("expected fulfilled with completion date, got %+v", req)
	}
	if got := *req.Items[0].ApprovedQuantity; got != 50 {
		t.Fatalf("expected approved quantity to default to requested, got %d", got)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 50 || dst != 50 {
		t.Fatalf("expected 50/50 after dispatch, got %d/%d", src, dst)
	}
	txns, err := f.svc.ListTransactions(context.Background(), TransactionFilter{RequestID: req.ID})
	if err != nil {
		t.Fatalf("list transactions: %v", err)
	}
	if len(txns) != 1 || txns[0].Type != domain.TxDispatch || txns[0].Quantity != 50 ||
		*txns[0].SourceOrgID != f.manufID || *txns[0].DestOrgID != f.cfaID || *txns[0].RequestItemID != req.Items[0].ID {
		t.Fatalf("unexpected dispatch transactions: %+v", txns)
	}
}

func TestDispatchInsufficientStockLeavesApprovalFailed(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t, 150)
	f.approve(t, f.admin, req.ID)
	before := f.auditCount()

	got, err := f.svc.ApplyApproval(context.Background(), f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved})
	var stock domain.InsufficientStockError
	if !errors.As(err, &stock) {
		t.Fatalf("expected InsufficientStockError, got %v", err)
	}
	if stock.Available != 100 || stock.Requested != 150 || stock.OrganizationID != f.manufID {
		t.Fatalf("unexpected stock error detail: %+v", stock)
	}
	if got.Status != domain.StatusApprovalFailed || got.FailureReason == "" {
		t.Fatalf("expected ApprovalFailed request with reason, got %+v", got)
	}
	stored, _ := f.svc.GetRequest(context.Background(), req.ID)
	if stored.Status != domain.StatusApprovalFailed {
		t.Fatalf("expected persisted ApprovalFailed, got %s", stored.Status)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 100 || dst != 0 {
		t.Fatalf("expected inventory unchanged, got %d/%d", src, dst)
	}
	approvals, _ := f.svc.ListApprovals(context.Background(), req.ID)
	if len(approvals) != 2 {
		t.Fatalf("expected both approval steps kept, got %d", len(approvals))
	}
	if txns, _ := f.svc.ListTransactions(context.Background(), TransactionFilter{RequestID: req.ID}); len(txns) != 0 {
		t.Fatalf("expected no transactions, got %+v", txns)
	}
	if f.auditCount() != before+1 {
		t.Fatalf("expected one audit entry for the failed fulfillment, got %d", f.auditCount()-before)
	}
}

func TestApprovalStepOutOfSequence(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t, 10)
	before := f.auditCount()

	_, err := f.svc.ApplyApproval(context.Background(), f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, Step: 2})
	var seq domain.SequenceError
	if !errors.As(err, &seq) || seq.Expected != 1 || seq.Got != 2 {
		t.Fatalf("expected SequenceError expecting 1, got %v", err)
	}
	stored, _ := f.svc.GetRequest(context.Background(), req.ID)
	if stored.Version != req.Version || stored.CurrentStep != 0 {
		t.Fatalf("expected no state change, got %+v", stored)
	}
	if approvals, _ := f.svc.ListApprovals(context.Background(), req.ID); len(approvals) != 0 {
		t.Fatalf("expected no approvals, got %d", len(approvals))
	}
	if f.auditCount() != before {
		t.Fatalf("expected no audit entry for rejected call")
	}
}

func TestApprovalStepsAreGapless(t *testing.T) {
	f := newFixture(t)
	req := f.dispatch(t, 5)
	if _, err := f.svc.ApplyApproval(context.Background(), f.admin, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, Step: 1}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	if _, err := f.svc.ApplyApproval(context.Background(), f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, Step: 1}); err == nil {
		t.Fatalf("expected repeated step 1 to fail")
	}
	f.approve(t, f.maker, req.ID)
	approvals, _ := f.svc.ListApprovals(context.Background(), req.ID)
	for i, a := range approvals {
		if a.Step != i+1 {
			t.Fatalf("expected step %d at position %d, got %d", i+1, i, a.Step)
		}
	}
	if len(approvals) != 2 {
		t.Fatalf("expected 2 approvals, got %d", len(approvals))
	}
}

func TestTerminalStatesRejectFurtherMutation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rejected := f.dispatch(t, 5)
	if _, err := f.svc.ApplyApproval(ctx, f.admin, ApprovalInput{RequestID: rejected.ID, Decision: domain.DecisionRejected}); err == nil {
		t.Fatalf("expected rejection without rationale to fail")
	}
	got, err := f.svc.ApplyApproval(ctx, f.admin, ApprovalInput{RequestID: rejected.ID, Decision: domain.DecisionRejected, Rationale: "duplicate order"})
	if err != nil || got.Status != domain.StatusRejected {
		t.Fatalf("expected rejected, got %+v err=%v", got, err)
	}

	fulfilled := f.dispatch(t, 5)
	f.approve(t, f.admin, fulfilled.ID)
	f.approve(t, f.maker, fulfilled.ID)

	for _, id := range []string{rejected.ID, fulfilled.ID} {
		var invalid domain.InvalidStateError
		if _, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: id, Decision: domain.DecisionApproved}); !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidStateError approving %s, got %v", id, err)
		}
		if _, err := f.svc.RetryFulfillment(ctx, f.maker, id); !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidStateError retrying %s, got %v", id, err)
		}
		if _, err := f.svc.CancelRequest(ctx, f.cfa, id, "changed mind"); !errors.As(err, &invalid) {
			t.Fatalf("expected InvalidStateError cancelling %s, got %v", id, err)
		}
	}
	if f.qty(t, f.manufID) != 95 {
		t.Fatalf("expected only the fulfilled request to move stock, got %d", f.qty(t, f.manufID))
	}
}

func TestApprovalAuthorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.dispatch(t, 5)
	cases := map[string]Identity{
		"stockist role":  f.stock,
		"initiator":      f.cfa,
		"missing caller": {},
	}
	for name, who := range cases {
		var authErr domain.AuthorizationError
		if _, err := f.svc.ApplyApproval(ctx, who, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved}); !errors.As(err, &authErr) {
			t.Fatalf("%s: expected AuthorizationError, got %v", name, err)
		}
	}

	f.approve(t, f.admin, req.ID)
	var authErr domain.AuthorizationError
	if _, err := f.svc.ApplyApproval(ctx, f.admin, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved}); !errors.As(err, &authErr) {
		t.Fatalf("expected second approval by the same user to fail, got %v", err)
	}
	other := f.otherCFAUser(t)
	if _, err := f.svc.ApplyApproval(ctx, other, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved}); !errors.As(err, &authErr) {
		t.Fatalf("expected cfa role to be refused at step 2, got %v", err)
	}
}

func (f *fixture) otherCFAUser(t *testing.T) Identity {
	t.Helper()
	u, err := f.svc.RegisterUser(context.Background(), f.admin, UserInput{Username: "cfa_two", Role: domain.RoleCFA, OrganizationID: f.cfaID})
	if err != nil {
		t.Fatalf("register user: %v", err)
	}
	return IdentityOf(u)
}

func TestConcurrentDispatchesNeverOverdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	first := f.dispatch(t, 60)
	second := f.dispatch(t, 60)
	f.approve(t, f.admin, first.ID)
	f.approve(t, f.admin, second.ID)

	var wg sync.WaitGroup
	results := make([]Request, 2)
	errs := make([]error, 2)
	for i, id := range []string{first.ID, second.ID} {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			results[i], errs[i] = f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: id, Decision: domain.DecisionApproved})
		}(i, id)
	}
	wg.Wait()

	var fulfilled, failed int
	for i := range results {
		var stock domain.InsufficientStockError
		switch {
		case errs[i] == nil && results[i].Status == domain.StatusFulfilled:
			fulfilled++
		case errors.As(errs[i], &stock) && results[i].Status == domain.StatusApprovalFailed:
			failed++
		default:
			t.Fatalf("unexpected outcome %d: %+v err=%v", i, results[i], errs[i])
		}
	}
	if fulfilled != 1 || failed != 1 {
		t.Fatalf("expected exactly one fulfilled and one failed, got %d/%d", fulfilled, failed)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 40 || dst != 60 {
		t.Fatalf("expected 40/60, got %d/%d", src, dst)
	}
}

func TestCombinedDispatchesWithinStockBothSucceed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []string{f.dispatch(t, 40).ID, f.dispatch(t, 60).ID}
	for _, id := range ids {
		f.approve(t, f.admin, id)
	}
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: id, Decision: domain.DecisionApproved})
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("expected both to fulfil, got %v", err)
		}
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 0 || dst != 100 {
		t.Fatalf("expected 0/100, got %d/%d", src, dst)
	}
}

func TestEveryOperationWritesOneAuditEntry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	before := f.auditCount()
	req := f.dispatch(t, 20)
	if f.auditCount() != before+1 {
		t.Fatalf("create_request: expected one audit entry")
	}
	for _, who := range []Identity{f.admin, f.maker} {
		before = f.auditCount()
		req = f.approve(t, who, req.ID)
		if f.auditCount() != before+1 {
			t.Fatalf("apply_approval: expected one audit entry")
		}
	}

	logs, err := f.svc.ListAuditLogs(ctx, domain.AuditFilter{RecordID: req.ID, Operation: opApplyApproval})
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	last := logs[len(logs)-1]
	var post Request
	if err := json.Unmarshal(last.NewValue, &post); err != nil {
		t.Fatalf("decode new value: %v", err)
	}
	if post.Status != req.Status || post.Version != req.Version || post.CurrentStep != req.CurrentStep {
		t.Fatalf("expected audit new value to match post-state, got %+v want %+v", post, req)
	}
	if last.ActorID != f.maker.UserID || last.CorrelationID == "" {
		t.Fatalf("expected actor and correlation id stamped, got %+v", last)
	}
	var related int
	for _, ref := range last.Related {
		if ref.Table == EntityTransaction || ref.Table == EntityInventory || ref.Table == EntityApproval {
			related++
		}
	}
	if related < 4 {
		t.Fatalf("expected approval, inventory and transaction refs, got %+v", last.Related)
	}

	before = f.auditCount()
	if _, err := f.svc.AdjustInventory(ctx, f.maker, AdjustInput{OrganizationID: f.manufID, ProductID: f.data.Product.ID, BatchID: f.data.Batch.ID, Delta: -5, Reason: "damaged"}); err != nil {
		t.Fatalf("adjust: %v", err)
	}
	if f.auditCount() != before+1 {
		t.Fatalf("adjust_inventory: expected one audit entry")
	}
}

func TestCorrelationIDPropagatesToAudit(t *testing.T) {
	f := newFixture(t)
	ctx := WithCorrelationID(context.Background(), "corr-123")
	req, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{Type: domain.RequestDispatch, TargetOrgID: f.cfaID, Items: []RequestItem{f.item(1)}})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	logs, _ := f.svc.ListAuditLogs(context.Background(), domain.AuditFilter{CorrelationID: "corr-123"})
	if len(logs) != 1 || logs[0].RecordID != req.ID {
		t.Fatalf("expected correlated audit entry, got %+v", logs)
	}
}

func TestReturnMovesStockUpstream(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	dispatch := f.dispatch(t, 50)
	f.approve(t, f.admin, dispatch.ID)
	f.approve(t, f.maker, dispatch.ID)

	ret, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{Type: domain.RequestReturn, TargetOrgID: f.cfaID, Items: []RequestItem{f.item(20)}, Notes: "near expiry"})
	if err != nil {
		t.Fatalf("create return: %v", err)
	}
	if ret.RequiredSteps != 1 {
		t.Fatalf("expected one-step return policy, got %d", ret.RequiredSteps)
	}
	ret = f.approve(t, f.maker, ret.ID)
	if ret.Status != domain.StatusFulfilled {
		t.Fatalf("expected fulfilled return, got %s", ret.Status)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 70 || dst != 30 {
		t.Fatalf("expected 70/30 after return, got %d/%d", src, dst)
	}
	txns, _ := f.svc.ListTransactions(ctx, TransactionFilter{RequestID: ret.ID})
	if len(txns) != 1 || txns[0].Type != domain.TxReturn || *txns[0].SourceOrgID != f.cfaID {
		t.Fatalf("unexpected return transaction: %+v", txns)
	}
}

func TestApprovedQuantityOverrides(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{
		Type:        domain.RequestDispatch,
		TargetOrgID: f.cfaID,
		Items:       []RequestItem{f.item(40), f.item(30)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	first, second := req.Items[0].ID, req.Items[1].ID

	var invalid domain.ValidationError
	if _, err := f.svc.ApplyApproval(ctx, f.admin, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, ApprovedQuantities: map[string]int64{first: 41}}); !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for override above requested, got %v", err)
	}
	if _, err := f.svc.ApplyApproval(ctx, f.admin, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, ApprovedQuantities: map[string]int64{"nope": 1}}); !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for unknown item, got %v", err)
	}

	if _, err := f.svc.ApplyApproval(ctx, f.admin, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, ApprovedQuantities: map[string]int64{first: 25}}); err != nil {
		t.Fatalf("step 1: %v", err)
	}
	got, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved, ApprovedQuantities: map[string]int64{second: 0}})
	if err != nil {
		t.Fatalf("step 2: %v", err)
	}
	if *got.Items[0].ApprovedQuantity != 25 || *got.Items[1].ApprovedQuantity != 0 {
		t.Fatalf("unexpected approved quantities: %d/%d", *got.Items[0].ApprovedQuantity, *got.Items[1].ApprovedQuantity)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 75 || dst != 25 {
		t.Fatalf("expected 75/25, got %d/%d", src, dst)
	}
	if txns, _ := f.svc.ListTransactions(ctx, TransactionFilter{RequestID: req.ID}); len(txns) != 1 {
		t.Fatalf("expected zero-quantity item to be skipped, got %d transactions", len(txns))
	}
	if total := got.TotalValue(); !total.IsZero() {
		t.Fatalf("expected zero value for unpriced items, got %s", total)
	}
}

func TestMultipleLinesAggregateDemand(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req, err := f.svc.CreateRequest(ctx, f.cfa, CreateRequestInput{
		Type:        domain.RequestDispatch,
		TargetOrgID: f.cfaID,
		Items:       []RequestItem{f.item(60), f.item(60)},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	f.approve(t, f.admin, req.ID)
	got, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved})
	var stock domain.InsufficientStockError
	if !errors.As(err, &stock) || stock.Requested != 120 {
		t.Fatalf("expected aggregated demand of 120 to fail, got %v", err)
	}
	if got.Status != domain.StatusApprovalFailed || f.qty(t, f.manufID) != 100 {
		t.Fatalf("expected no partial transfer, got %s and %d", got.Status, f.qty(t, f.manufID))
	}
}

func TestRetryFulfillmentAfterRestock(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.dispatch(t, 150)
	f.approve(t, f.admin, req.ID)
	if _, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved}); err == nil {
		t.Fatalf("expected fulfillment failure")
	}

	var stock domain.InsufficientStockError
	if _, err := f.svc.RetryFulfillment(ctx, f.maker, req.ID); !errors.As(err, &stock) {
		t.Fatalf("expected retry without stock to fail, got %v", err)
	}
	if stored, _ := f.svc.GetRequest(ctx, req.ID); stored.Status != domain.StatusApprovalFailed {
		t.Fatalf("expected failed retry to leave state unchanged, got %s", stored.Status)
	}
	var authErr domain.AuthorizationError
	if _, err := f.svc.RetryFulfillment(ctx, f.cfa, req.ID); !errors.As(err, &authErr) {
		t.Fatalf("expected cfa retry to be refused, got %v", err)
	}

	if _, err := f.svc.AdjustInventory(ctx, f.maker, AdjustInput{OrganizationID: f.manufID, ProductID: f.data.Product.ID, BatchID: f.data.Batch.ID, Delta: 100, Reason: "production run"}); err != nil {
		t.Fatalf("restock: %v", err)
	}
	got, err := f.svc.RetryFulfillment(ctx, f.maker, req.ID)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if got.Status != domain.StatusFulfilled || got.FailureReason != "" || got.CompletionDate == nil {
		t.Fatalf("expected fulfilled after retry, got %+v", got)
	}
	if src, dst := f.qty(t, f.manufID), f.qty(t, f.cfaID); src != 50 || dst != 150 {
		t.Fatalf("expected 50/150, got %d/%d", src, dst)
	}
}

func TestFulfillmentFailsForRecalledBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.dispatch(t, 10)
	f.approve(t, f.admin, req.ID)
	if _, err := f.svc.UpdateBatchStatus(ctx, f.maker, f.data.Batch.ID, domain.QCRecalled); err != nil {
		t.Fatalf("recall: %v", err)
	}
	got, err := f.svc.ApplyApproval(ctx, f.maker, ApprovalInput{RequestID: req.ID, Decision: domain.DecisionApproved})
	var invalid domain.ValidationError
	if !errors.As(err, &invalid) || got.Status != domain.StatusApprovalFailed {
		t.Fatalf("expected ApprovalFailed with ValidationError, got %s %v", got.Status, err)
	}
	if f.qty(t, f.manufID) != 100 {
		t.Fatalf("expected inventory unchanged")
	}
}

func TestCancelRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := f.dispatch(t, 10)
	var authErr domain.AuthorizationError
	if _, err := f.svc.CancelRequest(ctx, f.stock, req.ID, "not mine"); !errors.As(err, &authErr) {
		t.Fatalf("expected AuthorizationError for non-initiator, got %v", err)
	}
	var invalid domain.ValidationError
	if _, err := f.svc.CancelRequest(ctx, f.cfa, req.ID, " "); !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError without reason, got %v", err)
	}
	got, err := f.svc.CancelRequest(ctx, f.cfa, req.ID, "ordered twice")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != domain.StatusRejected || got.FailureReason != "ordered twice" {
		t.Fatalf("unexpected cancelled request: %+v", got)
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	quarantined, err := f.svc.CreateBatch(ctx, f.maker, BatchInput{ProductID: f.data.Product.ID, BatchNumber: "B-002", QCStatus: domain.QCQuarantined})
	if err != nil {
		t.Fatalf("create batch: %v", err)
	}
	expiredAt := fixedNow.AddDate(0, 0, -1)
	madeAt := fixedNow.AddDate(-2, 0, 0)
	expired, err := f.svc.CreateBatch(ctx, f.maker, BatchInput{ProductID: f.data.Product.ID, BatchNumber: "B-003", ManufacturingDate: &madeAt, ExpiryDate: &expiredAt})
	if err != nil {
		t.Fatalf("create expired batch: %v", err)
	}

	valid := func(mut func(*CreateRequestInput)) CreateRequestInput {
		in := CreateRequestInput{Type: domain.RequestDispatch, TargetOrgID: f.cfaID, Items: []RequestItem{f.item(5)}}
		mut(&in)
		return in
	}
	validationCases := map[string]CreateRequestInput{
		"no items":          valid(func(in *CreateRequestInput) { in.Items = nil }),
		"zero quantity":     valid(func(in *CreateRequestInput) { in.Items[0].RequestedQuantity = 0 }),
		"unknown type":      valid(func(in *CreateRequestInput) { in.Type = "Transfer" }),
		"unknown product":   valid(func(in *CreateRequestInput) { in.Items[0].ProductID = "missing" }),
		"unknown batch":     valid(func(in *CreateRequestInput) { in.Items[0].BatchID = "missing" }),
		"quarantined":       valid(func(in *CreateRequestInput) { in.Items[0].BatchID = quarantined.ID }),
		"expired":           valid(func(in *CreateRequestInput) { in.Items[0].BatchID = expired.ID }),
		"missing target":    valid(func(in *CreateRequestInput) { in.TargetOrgID = "" }),
		"negative quantity": valid(func(in *CreateRequestInput) { in.Items[0].RequestedQuantity = -1 }),
	}
	for name, in := range validationCases {
		var invalid domain.ValidationError
		if _, err := f.svc.CreateRequest(ctx, f.cfa, in); !errors.As(err, &invalid) {
			t.Fatalf("%s: expected ValidationError, got %v", name, err)
		}
	}

	var nf domain.NotFoundError
	if _, err := f.svc.CreateRequest(ctx, f.cfa, valid(func(in *CreateRequestInput) { in.TargetOrgID = "ghost" })); !errors.As(err, &nf) {
		t.Fatalf("expected NotFoundError for unknown target, got %v", err)
	}
	var authErr domain.AuthorizationError
	if _, err := f.svc.CreateRequest(ctx, f.maker, valid(func(*CreateRequestInput) {})); !errors.As(err, &authErr) {
		t.Fatalf("expected manufacturer initiation to be refused, got %v", err)
	}
	if _, err := f.svc.CreateRequest(ctx, f.stock, valid(func(*CreateRequestInput) {})); !errors.As(err, &authErr) {
		t.Fatalf("expected stockist targeting its parent to be refused, got %v", err)
	}
	var invalid domain.ValidationError
	if _, err := f.svc.CreateRequest(ctx, f.admin, valid(func(in *CreateRequestInput) { in.TargetOrgID = f.manufID })); !errors.As(err, &invalid) {
		t.Fatalf("expected root target without counterpart to fail validation, got %v", err)
	}

	// a stockist may request stock for itself from its CFA
	req, err := f.svc.CreateRequest(ctx, f.stock, valid(func(in *CreateRequestInput) { in.TargetOrgID = f.stockID }))
	if err != nil || req.InitiatorOrgID != f.stockID {
		t.Fatalf("expected stockist request, got %+v err=%v", req, err)
	}
}

func TestApplyApprovalUnknownRequest(t *testing.T) {
	f := newFixture(t)
	var nf domain.NotFoundError
	got, err := f.svc.ApplyApproval(context.Background(), f.admin, ApprovalInput{RequestID: "ghost", Decision: domain.DecisionApproved})
	if !errors.As(err, &nf) || got.ID != "" {
		t.Fatalf("expected NotFoundError, got %+v %v", got, err)
	}
	var invalid domain.ValidationError
	if _, err := f.svc.ApplyApproval(context.Background(), f.admin, ApprovalInput{RequestID: "ghost", Decision: "Maybe"}); !errors.As(err, &invalid) {
		t.Fatalf("expected ValidationError for unknown decision, got %v", err)
	}
}
