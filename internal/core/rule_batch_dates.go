package core

import (
	"context"
	"fmt"

	"pharmachain/pkg/domain"
)

// NewBatchDatesRule requires expiry to fall after manufacturing when both are set.
func NewBatchDatesRule() domain.Rule {
	return batchDatesRule{}
}

type batchDatesRule struct{}

func (batchDatesRule) Name() string { return "batch_dates" }

func (batchDatesRule) Evaluate(_ context.Context, _ domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		b, ok := change.After.(domain.Batch)
		if !ok || b.ManufacturingDate == nil || b.ExpiryDate == nil {
			continue
		}
		if !b.ExpiryDate.After(*b.ManufacturingDate) {
			res.Violations = append(res.Violations, blockViolation("batch_dates", EntityBatch, b.ID,
				fmt.Sprintf("batch %s expiry %s is not after manufacturing %s", b.BatchNumber,
					b.ExpiryDate.Format("2006-01-02"), b.ManufacturingDate.Format("2006-01-02"))))
		}
	}
	return res, nil
}
