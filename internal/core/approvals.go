package core

import (
	"fmt"
	"strings"

	"pharmachain/pkg/domain"
)

// ApprovalInput is one approver's decision on a request.
type ApprovalInput struct {
	RequestID string          `validate:"required"`
	Decision  domain.Decision `validate:"required,oneof=Approved Rejected"`
	Rationale string
	// Step, when set, must equal the next expected step.
	Step int `validate:"gte=0"`
	// ApprovedQuantities overrides approved quantities by item id.
	ApprovedQuantities map[string]int64
}

// stepDecision is the outcome of recordApproval: the persisted approval and
// the request as it should look after this step. The request is not written.
type stepDecision struct {
	approval Approval
	before   Request
	next     Request
}

// recordApproval runs the approval state machine for one step. It writes the
// Approval record and returns the request's next state for the caller to
// persist together with any fulfillment effects.
func (s *Service) recordApproval(tx Transaction, caller Identity, in ApprovalInput) (stepDecision, error) {
	req, ok := tx.FindRequest(in.RequestID)
	if !ok {
		return stepDecision{}, domain.NotFoundError{Entity: EntityRequest, ID: in.RequestID}
	}
	if req.Status != domain.StatusPending {
		return stepDecision{}, domain.InvalidStateError{RequestID: req.ID, Status: req.Status, Operation: "approve"}
	}
	existing := tx.ListApprovals(req.ID)
	expected := len(existing) + 1
	if in.Step != 0 && in.Step != expected {
		return stepDecision{}, domain.SequenceError{RequestID: req.ID, Expected: expected, Got: in.Step}
	}
	if expected > req.RequiredSteps || req.CurrentStep != len(existing) {
		return stepDecision{}, domain.SequenceError{RequestID: req.ID, Expected: req.CurrentStep + 1, Got: expected}
	}
	rp, err := s.policy.For(req.Type)
	if err != nil {
		return stepDecision{}, err
	}
	if !rp.CanApprove(expected, caller.Role) {
		return stepDecision{}, domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: fmt.Sprintf("role cannot approve step %d of %s requests", expected, req.Type)}
	}
	if caller.UserID == req.InitiatorUserID {
		return stepDecision{}, domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "initiator cannot approve own request"}
	}
	for _, a := range existing {
		if a.ApproverUserID == caller.UserID {
			return stepDecision{}, domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: fmt.Sprintf("already approved step %d", a.Step)}
		}
	}
	if in.Decision == domain.DecisionRejected && strings.TrimSpace(in.Rationale) == "" {
		return stepDecision{}, domain.ValidationError{Field: "rationale", Message: "rejection requires a rationale"}
	}

	next := req
	next.Items = append([]RequestItem(nil), req.Items...)
	if err := applyOverrides(&next, in.ApprovedQuantities); err != nil {
		return stepDecision{}, err
	}

	approval, err := tx.CreateApproval(Approval{
		RequestID:      req.ID,
		ApproverUserID: caller.UserID,
		ApproverOrgID:  caller.OrganizationID,
		ApproverRole:   caller.Role,
		Step:           expected,
		Decision:       in.Decision,
		Rationale:      in.Rationale,
	})
	if err != nil {
		return stepDecision{}, err
	}

	next.CurrentStep = expected
	switch {
	case in.Decision == domain.DecisionRejected:
		next.Status = domain.StatusRejected
		next.FailureReason = in.Rationale
	case expected == req.RequiredSteps:
		next.Status = domain.StatusApproved
	}
	return stepDecision{approval: approval, before: req, next: next}, nil
}

// applyOverrides sets approved quantities for the listed items. Each override
// must lie in [0, requested].
func applyOverrides(req *Request, overrides map[string]int64) error {
	if len(overrides) == 0 {
		return nil
	}
	index := make(map[string]int, len(req.Items))
	for i, item := range req.Items {
		index[item.ID] = i
	}
	for itemID, q := range overrides {
		i, ok := index[itemID]
		if !ok {
			return domain.ValidationError{Field: "approved_quantities", Message: fmt.Sprintf("item %s is not part of request %s", itemID, req.ID)}
		}
		if q < 0 || q > req.Items[i].RequestedQuantity {
			return domain.ValidationError{Field: "approved_quantities", Message: fmt.Sprintf("item %s approved quantity %d outside 0..%d", itemID, q, req.Items[i].RequestedQuantity)}
		}
		approved := q
		req.Items[i].ApprovedQuantity = &approved
	}
	return nil
}
