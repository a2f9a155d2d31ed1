package core

import (
	"context"
	"fmt"

	"pharmachain/pkg/domain"
)

// NewInventoryNonNegativeRule blocks any commit that leaves an inventory
// record below zero or pointing at a batch of another product.
func NewInventoryNonNegativeRule() domain.Rule {
	return inventoryNonNegativeRule{}
}

type inventoryNonNegativeRule struct{}

func (inventoryNonNegativeRule) Name() string { return "inventory_non_negative" }

func (inventoryNonNegativeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		rec, ok := change.After.(domain.InventoryRecord)
		if !ok {
			continue
		}
		if rec.Quantity < 0 {
			res.Violations = append(res.Violations, blockViolation("inventory_non_negative", EntityInventory, rec.ID,
				fmt.Sprintf("inventory of batch %s at organization %s would be %d", rec.BatchID, rec.OrganizationID, rec.Quantity)))
		}
		if batch, found := view.FindBatch(rec.BatchID); found && batch.ProductID != rec.ProductID {
			res.Violations = append(res.Violations, blockViolation("inventory_non_negative", EntityInventory, rec.ID,
				fmt.Sprintf("batch %s does not belong to product %s", rec.BatchID, rec.ProductID)))
		}
	}
	return res, nil
}
