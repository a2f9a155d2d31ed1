package memory

import (
	"sort"

	"pharmachain/pkg/domain"
)

// transactionView exposes a read-only snapshot of a state to rules and queries.
type transactionView struct {
	state *memoryState
}

func newTransactionView(state *memoryState) TransactionView {
	return transactionView{state: state}
}

func sortedValues[T any](m map[string]T, clone func(T) T, less func(a, b T) bool) []T {
	out := make([]T, 0, len(m))
	for _, v := range m {
		out = append(out, clone(v))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

func byCreated(a, b domain.Base) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID < b.ID
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

// ListOrganizations returns all organizations ordered by creation.
func (v transactionView) ListOrganizations() []Organization {
	return sortedValues(v.state.organizations, cloneOrganization, func(a, b Organization) bool { return byCreated(a.Base, b.Base) })
}

// FindOrganization retrieves an organization by id.
func (v transactionView) FindOrganization(id string) (Organization, bool) {
	o, ok := v.state.organizations[id]
	if !ok {
		return Organization{}, false
	}
	return cloneOrganization(o), true
}

// ListUsers returns all users ordered by creation.
func (v transactionView) ListUsers() []User {
	return sortedValues(v.state.users, same[User], func(a, b User) bool { return byCreated(a.Base, b.Base) })
}

// FindUser retrieves a user by id.
func (v transactionView) FindUser(id string) (User, bool) {
	u, ok := v.state.users[id]
	return u, ok
}

// ListProducts returns all products ordered by creation.
func (v transactionView) ListProducts() []Product {
	return sortedValues(v.state.products, same[Product], func(a, b Product) bool { return byCreated(a.Base, b.Base) })
}

// FindProduct retrieves a product by id.
func (v transactionView) FindProduct(id string) (Product, bool) {
	p, ok := v.state.products[id]
	return p, ok
}

// ListBatches returns all batches ordered by creation.
func (v transactionView) ListBatches() []Batch {
	return sortedValues(v.state.batches, cloneBatch, func(a, b Batch) bool { return byCreated(a.Base, b.Base) })
}

// FindBatch retrieves a batch by id.
func (v transactionView) FindBatch(id string) (Batch, bool) {
	b, ok := v.state.batches[id]
	if !ok {
		return Batch{}, false
	}
	return cloneBatch(b), true
}

// ListInventory returns all inventory records ordered by key.
func (v transactionView) ListInventory() []InventoryRecord {
	return sortedValues(v.state.inventory, same[InventoryRecord], func(a, b InventoryRecord) bool { return a.ID < b.ID })
}

// FindInventory retrieves the (organization, batch) inventory record.
func (v transactionView) FindInventory(organizationID, batchID string) (InventoryRecord, bool) {
	rec, ok := v.state.inventory[domain.InventoryKey(organizationID, batchID)]
	return rec, ok
}

// ListRequests returns all requests ordered by creation.
func (v transactionView) ListRequests() []Request {
	return sortedValues(v.state.requests, cloneRequest, func(a, b Request) bool { return byCreated(a.Base, b.Base) })
}

// FindRequest retrieves a request by id.
func (v transactionView) FindRequest(id string) (Request, bool) {
	r, ok := v.state.requests[id]
	if !ok {
		return Request{}, false
	}
	return cloneRequest(r), true
}

// ListApprovals returns the approvals of a request ordered by step.
func (v transactionView) ListApprovals(requestID string) []Approval {
	var out []Approval
	for _, a := range v.state.approvals {
		if a.RequestID == requestID {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

// ListTransactions returns all inventory transactions ordered by creation.
func (v transactionView) ListTransactions() []InventoryTransaction {
	return sortedValues(v.state.transactions, cloneInventoryTransaction, func(a, b InventoryTransaction) bool { return byCreated(a.Base, b.Base) })
}

// ListAuditLogs returns audit entries matching filter in sequence order.
func (v transactionView) ListAuditLogs(filter AuditFilter) []AuditLogEntry {
	var out []AuditLogEntry
	for _, entry := range v.state.audit {
		if !filter.Matches(entry) {
			continue
		}
		out = append(out, entry.Clone())
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out
}
