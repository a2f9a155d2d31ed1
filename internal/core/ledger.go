package core

import (
	"fmt"
	"math"

	"pharmachain/pkg/domain"
)

// movement is one planned ledger transfer. An empty source or destination
// means stock enters or leaves the tracked chain on that side.
type movement struct {
	Type          domain.TransactionType
	SourceOrgID   string
	DestOrgID     string
	ProductID     string
	BatchID       string
	Quantity      int64
	RequestID     string
	RequestItemID string
	Notes         string
}

// planTransfers verifies every movement before anything is written. Demand is
// aggregated per (source, batch) so two lines drawing on the same stock are
// checked against their sum, and supply per (destination, batch) so no
// record can overflow.
func planTransfers(tx Transaction, moves []movement) error {
	demand := make(map[string]int64)
	supply := make(map[string]int64)
	sources := make(map[string]movement, len(moves))
	var order []string
	for i, m := range moves {
		if m.Quantity <= 0 {
			return domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "transfer quantity must be positive"}
		}
		if m.SourceOrgID == "" && m.DestOrgID == "" {
			return domain.ValidationError{Field: fmt.Sprintf("items[%d]", i), Message: "transfer needs a source or a destination"}
		}
		if m.SourceOrgID != "" && m.SourceOrgID == m.DestOrgID {
			return domain.ValidationError{Field: fmt.Sprintf("items[%d]", i), Message: "source and destination are the same organization"}
		}
		if m.SourceOrgID != "" {
			key := domain.InventoryKey(m.SourceOrgID, m.BatchID)
			if _, ok := demand[key]; !ok {
				order = append(order, key)
				sources[key] = m
			}
			total, ok := addQuantity(demand[key], m.Quantity)
			if !ok {
				rec, _ := tx.FindInventory(m.SourceOrgID, m.BatchID)
				return domain.InsufficientStockError{
					OrganizationID: m.SourceOrgID,
					BatchID:        m.BatchID,
					Available:      rec.Quantity,
					Requested:      math.MaxInt64,
				}
			}
			demand[key] = total
		}
		if m.DestOrgID != "" {
			key := domain.InventoryKey(m.DestOrgID, m.BatchID)
			if _, ok := supply[key]; !ok {
				rec, _ := tx.FindInventory(m.DestOrgID, m.BatchID)
				supply[key] = rec.Quantity
			}
			total, ok := addQuantity(supply[key], m.Quantity)
			if !ok {
				return domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Message: "transfer would overflow the destination stock"}
			}
			supply[key] = total
		}
	}
	for _, key := range order {
		m := sources[key]
		rec, _ := tx.FindInventory(m.SourceOrgID, m.BatchID)
		if rec.Quantity < demand[key] {
			return domain.InsufficientStockError{
				OrganizationID: m.SourceOrgID,
				BatchID:        m.BatchID,
				Available:      rec.Quantity,
				Requested:      demand[key],
			}
		}
	}
	return nil
}

// addQuantity adds two non-negative quantities, reporting false on overflow.
func addQuantity(a, b int64) (int64, bool) {
	if a > math.MaxInt64-b {
		return 0, false
	}
	return a + b, true
}

// applyTransfers runs each movement as a single transfer. Callers run
// planTransfers over the whole set first, so every step passes its own plan.
func applyTransfers(tx Transaction, moves []movement, recordedBy string) ([]InventoryTransaction, error) {
	out := make([]InventoryTransaction, 0, len(moves))
	for _, m := range moves {
		t, err := transfer(tx, m, recordedBy)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func applyMovement(tx Transaction, m movement, recordedBy string) (InventoryTransaction, error) {
	if m.SourceOrgID != "" {
		if _, err := tx.UpsertInventory(m.SourceOrgID, m.ProductID, m.BatchID, func(r *InventoryRecord) error {
			if r.Quantity < m.Quantity {
				return domain.InsufficientStockError{OrganizationID: m.SourceOrgID, BatchID: m.BatchID, Available: r.Quantity, Requested: m.Quantity}
			}
			r.Quantity -= m.Quantity
			return nil
		}); err != nil {
			return InventoryTransaction{}, err
		}
	}
	if m.DestOrgID != "" {
		if _, err := tx.UpsertInventory(m.DestOrgID, m.ProductID, m.BatchID, func(r *InventoryRecord) error {
			r.Quantity += m.Quantity
			return nil
		}); err != nil {
			return InventoryTransaction{}, err
		}
	}
	return tx.CreateTransaction(InventoryTransaction{
		Type:          m.Type,
		ProductID:     m.ProductID,
		BatchID:       m.BatchID,
		Quantity:      m.Quantity,
		SourceOrgID:   optional(m.SourceOrgID),
		DestOrgID:     optional(m.DestOrgID),
		RequestID:     optional(m.RequestID),
		RequestItemID: optional(m.RequestItemID),
		RecordedBy:    recordedBy,
		Notes:         m.Notes,
	})
}

// transfer moves m.Quantity of a batch from source to destination as one
// all-or-nothing ledger operation.
func transfer(tx Transaction, m movement, recordedBy string) (InventoryTransaction, error) {
	if err := planTransfers(tx, []movement{m}); err != nil {
		return InventoryTransaction{}, err
	}
	return applyMovement(tx, m, recordedBy)
}

// adjust corrects the stock of one (organization, batch) outside any request.
// The resulting quantity may not be negative.
func adjust(tx Transaction, orgID, productID, batchID string, delta int64, reason, recordedBy string) (InventoryRecord, InventoryTransaction, error) {
	if delta == 0 {
		return InventoryRecord{}, InventoryTransaction{}, domain.ValidationError{Field: "delta", Message: "adjustment must change the quantity"}
	}
	if reason == "" {
		return InventoryRecord{}, InventoryTransaction{}, domain.ValidationError{Field: "reason", Message: "adjustment requires a reason"}
	}
	current, _ := tx.FindInventory(orgID, batchID)
	if delta > 0 {
		if _, ok := addQuantity(current.Quantity, delta); !ok {
			return InventoryRecord{}, InventoryTransaction{}, domain.ValidationError{Field: "delta", Message: "adjustment would overflow the stock"}
		}
	}
	if current.Quantity+delta < 0 {
		return InventoryRecord{}, InventoryTransaction{}, domain.InsufficientStockError{
			OrganizationID: orgID,
			BatchID:        batchID,
			Available:      current.Quantity,
			Requested:      -delta,
		}
	}
	rec, err := tx.UpsertInventory(orgID, productID, batchID, func(r *InventoryRecord) error {
		r.Quantity += delta
		return nil
	})
	if err != nil {
		return InventoryRecord{}, InventoryTransaction{}, err
	}
	t := InventoryTransaction{
		Type:       domain.TxAdjustment,
		ProductID:  productID,
		BatchID:    batchID,
		Quantity:   delta,
		RecordedBy: recordedBy,
		Notes:      reason,
	}
	if delta > 0 {
		t.DestOrgID = optional(orgID)
	} else {
		t.Quantity = -delta
		t.SourceOrgID = optional(orgID)
	}
	created, err := tx.CreateTransaction(t)
	if err != nil {
		return InventoryRecord{}, InventoryTransaction{}, err
	}
	return rec, created, nil
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
