package memory

import (
	"sort"

	"pharmachain/pkg/domain"
)

type recordKey struct {
	entity domain.EntityType
	id     string
}

type memoryState struct {
	organizations map[string]Organization
	users         map[string]User
	products      map[string]Product
	batches       map[string]Batch
	inventory     map[string]InventoryRecord
	requests      map[string]Request
	approvals     map[string]Approval
	transactions  map[string]InventoryTransaction
	audit         []AuditLogEntry
	auditSeq      int64
}

// Snapshot captures a point-in-time clone of the store state.
type Snapshot struct {
	Organizations map[string]Organization         `json:"organizations"`
	Users         map[string]User                 `json:"users"`
	Products      map[string]Product              `json:"products"`
	Batches       map[string]Batch                `json:"batches"`
	Inventory     map[string]InventoryRecord      `json:"inventory"`
	Requests      map[string]Request              `json:"requests"`
	Approvals     map[string]Approval             `json:"approvals"`
	Transactions  map[string]InventoryTransaction `json:"transactions"`
	AuditLogs     []AuditLogEntry                 `json:"audit_logs"`
	AuditSequence int64                           `json:"audit_sequence"`
}

func newMemoryState() memoryState {
	return memoryState{
		organizations: make(map[string]Organization),
		users:         make(map[string]User),
		products:      make(map[string]Product),
		batches:       make(map[string]Batch),
		inventory:     make(map[string]InventoryRecord),
		requests:      make(map[string]Request),
		approvals:     make(map[string]Approval),
		transactions:  make(map[string]InventoryTransaction),
	}
}

func (s memoryState) clone() memoryState {
	cloned := memoryState{
		organizations: make(map[string]Organization, len(s.organizations)),
		users:         make(map[string]User, len(s.users)),
		products:      make(map[string]Product, len(s.products)),
		batches:       make(map[string]Batch, len(s.batches)),
		inventory:     make(map[string]InventoryRecord, len(s.inventory)),
		requests:      make(map[string]Request, len(s.requests)),
		approvals:     make(map[string]Approval, len(s.approvals)),
		transactions:  make(map[string]InventoryTransaction, len(s.transactions)),
		audit:         s.audit[:len(s.audit):len(s.audit)],
		auditSeq:      s.auditSeq,
	}
	for k, v := range s.organizations {
		cloned.organizations[k] = cloneOrganization(v)
	}
	for k, v := range s.users {
		cloned.users[k] = v
	}
	for k, v := range s.products {
		cloned.products[k] = v
	}
	for k, v := range s.batches {
		cloned.batches[k] = cloneBatch(v)
	}
	for k, v := range s.inventory {
		cloned.inventory[k] = v
	}
	for k, v := range s.requests {
		cloned.requests[k] = cloneRequest(v)
	}
	for k, v := range s.approvals {
		cloned.approvals[k] = v
	}
	for k, v := range s.transactions {
		cloned.transactions[k] = cloneInventoryTransaction(v)
	}
	return cloned
}

// version returns the committed version of key, 0 when absent.
func (s *memoryState) version(key recordKey) int64 {
	switch key.entity {
	case domain.EntityOrganization:
		return s.organizations[key.id].Version
	case domain.EntityUser:
		return s.users[key.id].Version
	case domain.EntityProduct:
		return s.products[key.id].Version
	case domain.EntityBatch:
		return s.batches[key.id].Version
	case domain.EntityInventory:
		return s.inventory[key.id].Version
	case domain.EntityRequest:
		return s.requests[key.id].Version
	case domain.EntityApproval:
		return s.approvals[key.id].Version
	case domain.EntityTransaction:
		return s.transactions[key.id].Version
	}
	return 0
}

// copyRecord moves the record for key from src into s, deleting it when src lacks it.
func (s *memoryState) copyRecord(src *memoryState, key recordKey) {
	switch key.entity {
	case domain.EntityOrganization:
		copyEntry(s.organizations, src.organizations, key.id, cloneOrganization)
	case domain.EntityUser:
		copyEntry(s.users, src.users, key.id, same[User])
	case domain.EntityProduct:
		copyEntry(s.products, src.products, key.id, same[Product])
	case domain.EntityBatch:
		copyEntry(s.batches, src.batches, key.id, cloneBatch)
	case domain.EntityInventory:
		copyEntry(s.inventory, src.inventory, key.id, same[InventoryRecord])
	case domain.EntityRequest:
		copyEntry(s.requests, src.requests, key.id, cloneRequest)
	case domain.EntityApproval:
		copyEntry(s.approvals, src.approvals, key.id, same[Approval])
	case domain.EntityTransaction:
		copyEntry(s.transactions, src.transactions, key.id, cloneInventoryTransaction)
	}
}

func copyEntry[T any](dst, src map[string]T, id string, clone func(T) T) {
	v, ok := src[id]
	if !ok {
		delete(dst, id)
		return
	}
	dst[id] = clone(v)
}

func same[T any](v T) T { return v }

func snapshotFromMemoryState(state memoryState) Snapshot {
	cloned := state.clone()
	audit := make([]AuditLogEntry, len(state.audit))
	for i, entry := range state.audit {
		audit[i] = entry.Clone()
	}
	return Snapshot{
		Organizations: cloned.organizations,
		Users:         cloned.users,
		Products:      cloned.products,
		Batches:       cloned.batches,
		Inventory:     cloned.inventory,
		Requests:      cloned.requests,
		Approvals:     cloned.approvals,
		Transactions:  cloned.transactions,
		AuditLogs:     audit,
		AuditSequence: state.auditSeq,
	}
}

func memoryStateFromSnapshot(s Snapshot) memoryState {
	state := newMemoryState()
	for k, v := range s.Organizations {
		state.organizations[k] = cloneOrganization(v)
	}
	for k, v := range s.Users {
		state.users[k] = v
	}
	for k, v := range s.Products {
		state.products[k] = v
	}
	for k, v := range s.Batches {
		state.batches[k] = cloneBatch(v)
	}
	for k, v := range s.Inventory {
		state.inventory[k] = v
	}
	for k, v := range s.Requests {
		state.requests[k] = cloneRequest(v)
	}
	for k, v := range s.Approvals {
		state.approvals[k] = v
	}
	for k, v := range s.Transactions {
		state.transactions[k] = cloneInventoryTransaction(v)
	}
	audit := make([]AuditLogEntry, len(s.AuditLogs))
	for i, entry := range s.AuditLogs {
		audit[i] = entry.Clone()
	}
	sort.SliceStable(audit, func(i, j int) bool { return audit[i].Sequence < audit[j].Sequence })
	state.audit = audit
	state.auditSeq = s.AuditSequence
	if n := len(audit); n > 0 && audit[n-1].Sequence > state.auditSeq {
		state.auditSeq = audit[n-1].Sequence
	}
	return state
}

func cloneOrganization(o Organization) Organization {
	o.ParentID = cloneStringPtr(o.ParentID)
	return o
}

func cloneBatch(b Batch) Batch {
	if b.ManufacturingDate != nil {
		t := *b.ManufacturingDate
		b.ManufacturingDate = &t
	}
	if b.ExpiryDate != nil {
		t := *b.ExpiryDate
		b.ExpiryDate = &t
	}
	return b
}

func cloneRequest(r Request) Request {
	if r.Items != nil {
		items := make([]domain.RequestItem, len(r.Items))
		for i, item := range r.Items {
			if item.ApprovedQuantity != nil {
				q := *item.ApprovedQuantity
				item.ApprovedQuantity = &q
			}
			if item.UnitPrice != nil {
				p := *item.UnitPrice
				item.UnitPrice = &p
			}
			items[i] = item
		}
		r.Items = items
	}
	if r.CompletionDate != nil {
		t := *r.CompletionDate
		r.CompletionDate = &t
	}
	return r
}

func cloneInventoryTransaction(t InventoryTransaction) InventoryTransaction {
	t.SourceOrgID = cloneStringPtr(t.SourceOrgID)
	t.DestOrgID = cloneStringPtr(t.DestOrgID)
	t.RequestID = cloneStringPtr(t.RequestID)
	t.RequestItemID = cloneStringPtr(t.RequestItemID)
	return t
}

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
