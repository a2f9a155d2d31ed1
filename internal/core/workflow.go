package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"pharmachain/internal/events"
	"pharmachain/pkg/domain"
)

// CreateRequestInput describes a new Dispatch or Return request.
type CreateRequestInput struct {
	Type        domain.RequestType `validate:"required,oneof=Dispatch Return"`
	TargetOrgID string             `validate:"required"`
	Items       []RequestItem      `validate:"required,min=1,dive"`
	Notes       string
}

// CreateRequest validates the input against the catalogue and the workflow
// policy and stores the request in Pending.
func (s *Service) CreateRequest(ctx context.Context, caller Identity, in CreateRequestInput) (Request, error) {
	var created Request
	err := s.run(ctx, opCreateRequest, caller, func(ctx context.Context) (string, error) {
		if err := s.check(in); err != nil {
			return "", err
		}
		rp, err := s.policy.For(in.Type)
		if err != nil {
			return "", err
		}
		if !rp.CanInitiate(caller.Role) {
			return "", domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: fmt.Sprintf("role cannot initiate %s requests", in.Type)}
		}
		err = s.transact(ctx, opCreateRequest, func(tx Transaction) error {
			target, ok := tx.FindOrganization(in.TargetOrgID)
			if !ok {
				return domain.NotFoundError{Entity: EntityOrganization, ID: in.TargetOrgID}
			}
			if !caller.IsAdmin() && !isSelfOrAncestor(tx, caller.OrganizationID, target) {
				return domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "target organization is outside the caller's hierarchy"}
			}
			if _, err := rp.counterpart(tx, caller.OrganizationID, target); err != nil {
				return err
			}
			if err := s.checkItems(tx, in.Type, in.Items); err != nil {
				return err
			}
			items := make([]RequestItem, len(in.Items))
			for i, item := range in.Items {
				item.ID = ""
				item.ApprovedQuantity = nil
				items[i] = item
			}
			req, err := tx.CreateRequest(Request{
				Type:            in.Type,
				InitiatorUserID: caller.UserID,
				InitiatorOrgID:  caller.OrganizationID,
				TargetOrgID:     target.ID,
				Status:          domain.StatusPending,
				RequiredSteps:   rp.RequiredSteps,
				Items:           items,
				Notes:           in.Notes,
			})
			if err != nil {
				return err
			}
			created = req
			return writeAudit(tx, opCreateRequest, ActionCreate, EntityRequest, req.ID, nil, req)
		})
		if err != nil {
			return "", err
		}
		s.publish(ctx, s.requestEvent(ctx, events.RequestCreated, created))
		return created.ID, nil
	})
	if err != nil {
		return Request{}, err
	}
	return created, nil
}

func (s *Service) checkItems(tx Transaction, t domain.RequestType, items []RequestItem) error {
	for i, item := range items {
		field := fmt.Sprintf("items[%d]", i)
		if _, ok := tx.FindProduct(item.ProductID); !ok {
			return domain.ValidationError{Field: field + ".product_id", Message: fmt.Sprintf("product %s does not exist", item.ProductID)}
		}
		batch, ok := tx.FindBatch(item.BatchID)
		if !ok {
			return domain.ValidationError{Field: field + ".batch_id", Message: fmt.Sprintf("batch %s does not exist", item.BatchID)}
		}
		if batch.ProductID != item.ProductID {
			return domain.ValidationError{Field: field + ".batch_id", Message: fmt.Sprintf("batch %s does not belong to product %s", batch.BatchNumber, item.ProductID)}
		}
		if item.UnitPrice != nil && item.UnitPrice.IsNegative() {
			return domain.ValidationError{Field: field + ".unit_price", Message: "unit price cannot be negative"}
		}
		if t != domain.RequestDispatch {
			continue
		}
		if batch.QCStatus != domain.QCReleased {
			return domain.ValidationError{Field: field + ".batch_id", Message: fmt.Sprintf("batch %s is %s", batch.BatchNumber, batch.QCStatus)}
		}
		if batch.Expired(s.now()) {
			return domain.ValidationError{Field: field + ".batch_id", Message: fmt.Sprintf("batch %s is expired", batch.BatchNumber)}
		}
	}
	return nil
}

// ApplyApproval records one approval step. When the step reaches the
// required threshold the request is fulfilled in the same commit. A failed
// fulfillment still commits the approval, leaves the request in
// ApprovalFailed and returns the request together with the failure. Any
// other error returns a zero Request.
func (s *Service) ApplyApproval(ctx context.Context, caller Identity, in ApprovalInput) (Request, error) {
	var (
		out        Request
		committed  bool
		fulfillErr error
		emitted    []events.Event
	)
	err := s.run(ctx, opApplyApproval, caller, func(ctx context.Context) (string, error) {
		if err := s.check(in); err != nil {
			return in.RequestID, err
		}
		err := s.exclusive(ctx, in.RequestID, func() error {
			return s.transact(ctx, opApplyApproval, func(tx Transaction) error {
				fulfillErr, emitted, out = nil, nil, Request{}
				step, err := s.recordApproval(tx, caller, in)
				if err != nil {
					return err
				}
				next := step.next
				var kinds []string
				switch next.Status {
				case domain.StatusRejected:
					kinds = append(kinds, events.RequestRejected)
				case domain.StatusApproved:
					kinds = append(kinds, events.RequestApproved)
					next, fulfillErr, err = s.fulfill(tx, caller, next)
					if err != nil {
						return err
					}
					if fulfillErr != nil {
						kinds = append(kinds, events.RequestApprovalFailed)
					} else {
						kinds = append(kinds, events.RequestFulfilled)
					}
				}
				saved, err := tx.UpdateRequest(next.ID, func(r *Request) error {
					*r = next
					return nil
				})
				if err != nil {
					return err
				}
				out = saved
				for _, kind := range kinds {
					emitted = append(emitted, s.requestEvent(ctx, kind, saved))
				}
				return writeAudit(tx, opApplyApproval, ActionUpdate, EntityRequest, saved.ID, step.before, saved)
			})
		})
		if err != nil {
			return in.RequestID, err
		}
		committed = true
		s.publish(ctx, emitted...)
		return in.RequestID, fulfillErr
	})
	if !committed {
		return Request{}, err
	}
	return out, err
}

// fulfill plans and applies the transfers of an Approved request. A plan
// failure is returned as the second value with the request moved to
// ApprovalFailed and no ledger writes. The third value is fatal to the unit.
func (s *Service) fulfill(tx Transaction, caller Identity, req Request) (Request, error, error) {
	moves, err := s.movements(tx, &req)
	if err != nil {
		return req, nil, err
	}
	if err := s.checkFulfillable(tx, req); err != nil {
		req.Status = domain.StatusApprovalFailed
		req.FailureReason = err.Error()
		return req, err, nil
	}
	if err := planTransfers(tx, moves); err != nil {
		var stock domain.InsufficientStockError
		var invalid domain.ValidationError
		if !errors.As(err, &stock) && !errors.As(err, &invalid) {
			return req, nil, err
		}
		req.Status = domain.StatusApprovalFailed
		req.FailureReason = err.Error()
		return req, err, nil
	}
	if _, err := applyTransfers(tx, moves, caller.UserID); err != nil {
		return req, nil, err
	}
	completed := tx.Now()
	req.Status = domain.StatusFulfilled
	req.FailureReason = ""
	req.CompletionDate = &completed
	return req, nil, nil
}

// checkFulfillable rejects dispatch of batches recalled or expired since the
// request was created.
func (s *Service) checkFulfillable(tx Transaction, req Request) error {
	if req.Type != domain.RequestDispatch {
		return nil
	}
	for _, item := range req.Items {
		if item.EffectiveQuantity() == 0 {
			continue
		}
		batch, ok := tx.FindBatch(item.BatchID)
		if !ok {
			return domain.NotFoundError{Entity: EntityBatch, ID: item.BatchID}
		}
		if batch.QCStatus != domain.QCReleased {
			return domain.ValidationError{Field: "batch_id", Message: fmt.Sprintf("batch %s is %s", batch.BatchNumber, batch.QCStatus)}
		}
		if batch.Expired(tx.Now()) {
			return domain.ValidationError{Field: "batch_id", Message: fmt.Sprintf("batch %s is expired", batch.BatchNumber)}
		}
	}
	return nil
}

// movements fixes every item's approved quantity and builds one transfer per
// item with a positive quantity. Dispatch moves stock from the counterpart to
// the target, Return the other way round.
func (s *Service) movements(tx Transaction, req *Request) ([]movement, error) {
	rp, err := s.policy.For(req.Type)
	if err != nil {
		return nil, err
	}
	target, ok := tx.FindOrganization(req.TargetOrgID)
	if !ok {
		return nil, domain.NotFoundError{Entity: EntityOrganization, ID: req.TargetOrgID}
	}
	other, err := rp.counterpart(tx, req.InitiatorOrgID, target)
	if err != nil {
		return nil, err
	}
	source, dest, txType := other.ID, target.ID, domain.TxDispatch
	if req.Type == domain.RequestReturn {
		source, dest, txType = target.ID, other.ID, domain.TxReturn
	}
	var moves []movement
	for i := range req.Items {
		item := &req.Items[i]
		q := item.EffectiveQuantity()
		item.ApprovedQuantity = &q
		if q == 0 {
			continue
		}
		moves = append(moves, movement{
			Type:          txType,
			SourceOrgID:   source,
			DestOrgID:     dest,
			ProductID:     item.ProductID,
			BatchID:       item.BatchID,
			Quantity:      q,
			RequestID:     req.ID,
			RequestItemID: item.ID,
		})
	}
	return moves, nil
}

// RetryFulfillment re-plans the transfers of an ApprovalFailed request. On
// failure nothing changes and the ledger error is returned.
func (s *Service) RetryFulfillment(ctx context.Context, caller Identity, requestID string) (Request, error) {
	var out Request
	err := s.run(ctx, opRetryFulfillment, caller, func(ctx context.Context) (string, error) {
		var emitted []events.Event
		err := s.exclusive(ctx, requestID, func() error {
			return s.transact(ctx, opRetryFulfillment, func(tx Transaction) error {
				emitted = nil
				req, ok := tx.FindRequest(requestID)
				if !ok {
					return domain.NotFoundError{Entity: EntityRequest, ID: requestID}
				}
				if req.Status != domain.StatusApprovalFailed {
					return domain.InvalidStateError{RequestID: req.ID, Status: req.Status, Operation: "retry fulfillment"}
				}
				rp, err := s.policy.For(req.Type)
				if err != nil {
					return err
				}
				if !rp.CanApprove(req.RequiredSteps, caller.Role) {
					return domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "role cannot complete this request"}
				}
				next, fulfillErr, err := s.fulfill(tx, caller, req)
				if err != nil {
					return err
				}
				if fulfillErr != nil {
					return fulfillErr
				}
				saved, err := tx.UpdateRequest(req.ID, func(r *Request) error {
					*r = next
					return nil
				})
				if err != nil {
					return err
				}
				out = saved
				emitted = append(emitted, s.requestEvent(ctx, events.RequestFulfilled, saved))
				return writeAudit(tx, opRetryFulfillment, ActionUpdate, EntityRequest, saved.ID, req, saved)
			})
		})
		if err != nil {
			return requestID, err
		}
		s.publish(ctx, emitted...)
		return requestID, nil
	})
	if err != nil {
		return Request{}, err
	}
	return out, nil
}

// CancelRequest withdraws a Pending or ApprovalFailed request. Only the
// initiator or an admin may cancel.
func (s *Service) CancelRequest(ctx context.Context, caller Identity, requestID, reason string) (Request, error) {
	var out Request
	err := s.run(ctx, opCancelRequest, caller, func(ctx context.Context) (string, error) {
		if strings.TrimSpace(reason) == "" {
			return requestID, domain.ValidationError{Field: "reason", Message: "cancellation requires a reason"}
		}
		err := s.exclusive(ctx, requestID, func() error {
			return s.transact(ctx, opCancelRequest, func(tx Transaction) error {
				req, ok := tx.FindRequest(requestID)
				if !ok {
					return domain.NotFoundError{Entity: EntityRequest, ID: requestID}
				}
				if req.Status != domain.StatusPending && req.Status != domain.StatusApprovalFailed {
					return domain.InvalidStateError{RequestID: req.ID, Status: req.Status, Operation: "cancel"}
				}
				if !caller.IsAdmin() && caller.UserID != req.InitiatorUserID {
					return domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "only the initiator or an admin may cancel"}
				}
				saved, err := tx.UpdateRequest(req.ID, func(r *Request) error {
					r.Status = domain.StatusRejected
					r.FailureReason = reason
					return nil
				})
				if err != nil {
					return err
				}
				out = saved
				return writeAudit(tx, opCancelRequest, ActionUpdate, EntityRequest, saved.ID, req, saved)
			})
		})
		if err != nil {
			return requestID, err
		}
		s.publish(ctx, s.requestEvent(ctx, events.RequestRejected, out))
		return requestID, nil
	})
	if err != nil {
		return Request{}, err
	}
	return out, nil
}

// isSelfOrAncestor reports whether orgID is target or one of its ancestors.
func isSelfOrAncestor(view TransactionView, orgID string, target Organization) bool {
	seen := make(map[string]bool)
	for current := target; !seen[current.ID]; {
		if current.ID == orgID {
			return true
		}
		seen[current.ID] = true
		if current.ParentID == nil {
			return false
		}
		parent, ok := view.FindOrganization(*current.ParentID)
		if !ok {
			return false
		}
		current = parent
	}
	return false
}

// writeAudit records the single audit entry of an operation.
func writeAudit(tx Transaction, op string, action Action, table EntityType, recordID string, before, after any) error {
	oldValue, err := domain.MarshalAuditValue(before)
	if err != nil {
		return fmt.Errorf("encode audit old value: %w", err)
	}
	newValue, err := domain.MarshalAuditValue(after)
	if err != nil {
		return fmt.Errorf("encode audit new value: %w", err)
	}
	return tx.RecordAudit(AuditLogEntry{
		Operation: op,
		Action:    action,
		Table:     table,
		RecordID:  recordID,
		OldValue:  oldValue,
		NewValue:  newValue,
	})
}

// check validates struct tags and converts the first failure to a
// ValidationError.
func (s *Service) check(v any) error {
	err := s.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		fe := fieldErrs[0]
		msg := fmt.Sprintf("failed %q", fe.Tag())
		if fe.Param() != "" {
			msg = fmt.Sprintf("failed %q (%s)", fe.Tag(), fe.Param())
		}
		return domain.ValidationError{Field: fe.Namespace(), Message: msg}
	}
	return domain.ValidationError{Message: err.Error()}
}
