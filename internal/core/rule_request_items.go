package core

import (
	"context"
	"fmt"

	"pharmachain/pkg/domain"
)

// NewRequestItemsRule checks request lines: positive requested quantities,
// approved quantities within [0, requested] and a step counter bounded by the
// required steps.
func NewRequestItemsRule() domain.Rule {
	return requestItemsRule{}
}

type requestItemsRule struct{}

func (requestItemsRule) Name() string { return "request_items" }

func (requestItemsRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		req, ok := change.After.(domain.Request)
		if !ok {
			continue
		}
		if len(req.Items) == 0 {
			res.Violations = append(res.Violations, blockViolation("request_items", EntityRequest, req.ID, "request has no items"))
		}
		if req.CurrentStep < 0 || req.CurrentStep > req.RequiredSteps {
			res.Violations = append(res.Violations, blockViolation("request_items", EntityRequest, req.ID,
				fmt.Sprintf("request step %d outside 0..%d", req.CurrentStep, req.RequiredSteps)))
		}
		for _, item := range req.Items {
			if item.RequestedQuantity <= 0 {
				res.Violations = append(res.Violations, blockViolation("request_items", EntityRequest, req.ID,
					fmt.Sprintf("item %s requested quantity must be positive", item.ID)))
			}
			if q := item.ApprovedQuantity; q != nil && (*q < 0 || *q > item.RequestedQuantity) {
				res.Violations = append(res.Violations, blockViolation("request_items", EntityRequest, req.ID,
					fmt.Sprintf("item %s approved quantity %d outside 0..%d", item.ID, *q, item.RequestedQuantity)))
			}
		}
	}
	return res, nil
}
