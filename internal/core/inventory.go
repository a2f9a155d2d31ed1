package core

import (
	"context"

	"pharmachain/internal/events"
	"pharmachain/pkg/domain"
)

// AdjustInput is a manual stock correction.
type AdjustInput struct {
	OrganizationID string `validate:"required"`
	ProductID      string `validate:"required"`
	BatchID        string `validate:"required"`
	Delta          int64  `validate:"ne=0"`
	Reason         string `validate:"required"`
}

// AdjustInventory applies a signed correction to one (organization, batch)
// record and writes an Adjustment transaction. The caller must be an admin or
// a member of the organization.
func (s *Service) AdjustInventory(ctx context.Context, caller Identity, in AdjustInput) (InventoryTransaction, error) {
	var out InventoryTransaction
	err := s.run(ctx, opAdjustInventory, caller, func(ctx context.Context) (string, error) {
		key := domain.InventoryKey(in.OrganizationID, in.BatchID)
		if err := s.check(in); err != nil {
			return key, err
		}
		if !caller.IsAdmin() && caller.OrganizationID != in.OrganizationID {
			return key, domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "cannot adjust another organization's stock"}
		}
		var rec InventoryRecord
		err := s.transact(ctx, opAdjustInventory, func(tx Transaction) error {
			if _, ok := tx.FindOrganization(in.OrganizationID); !ok {
				return domain.NotFoundError{Entity: EntityOrganization, ID: in.OrganizationID}
			}
			batch, ok := tx.FindBatch(in.BatchID)
			if !ok {
				return domain.NotFoundError{Entity: EntityBatch, ID: in.BatchID}
			}
			if batch.ProductID != in.ProductID {
				return domain.ValidationError{Field: "batch_id", Message: "batch does not belong to product"}
			}
			before, existed := tx.FindInventory(in.OrganizationID, in.BatchID)
			var err error
			rec, out, err = adjust(tx, in.OrganizationID, in.ProductID, in.BatchID, in.Delta, in.Reason, caller.UserID)
			if err != nil {
				return err
			}
			var old any
			action := ActionCreate
			if existed {
				old, action = before, ActionUpdate
			}
			return writeAudit(tx, opAdjustInventory, action, EntityInventory, rec.ID, old, rec)
		})
		if err != nil {
			return key, err
		}
		s.publish(ctx, s.newEvent(ctx, events.InventoryAdjusted, rec.ID, map[string]any{
			"inventory":   rec,
			"transaction": out,
		}))
		return rec.ID, nil
	})
	if err != nil {
		return InventoryTransaction{}, err
	}
	return out, nil
}
