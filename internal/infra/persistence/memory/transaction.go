package memory

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"pharmachain/pkg/domain"
)

// transaction represents a mutation set applied to a private copy of the store state.
type transaction struct {
	store    *Store
	state    memoryState
	changes  []Change
	now      time.Time
	identity domain.Identity
	reads    map[recordKey]int64
	written  map[recordKey]struct{}
	audit    *AuditLogEntry
}

// observe records the version of key the transaction depends on.
func (tx *transaction) observe(entity domain.EntityType, id string) {
	key := recordKey{entity: entity, id: id}
	if _, ok := tx.reads[key]; ok {
		return
	}
	tx.reads[key] = tx.state.version(key)
}

func (tx *transaction) markWritten(entity domain.EntityType, id string) {
	tx.written[recordKey{entity: entity, id: id}] = struct{}{}
}

// helper to record and append change entries.
func (tx *transaction) recordChange(change Change) {
	tx.changes = append(tx.changes, change)
}

func (tx *transaction) view() transactionView {
	return transactionView{state: &tx.state}
}

// Snapshot returns an untracked read-only view over the transactional state.
func (tx *transaction) Snapshot() TransactionView {
	return newTransactionView(&tx.state)
}

// Now returns the timestamp stamped on every record written by the transaction.
func (tx *transaction) Now() time.Time { return tx.now }

// Identity returns the caller identity the transaction was opened with.
func (tx *transaction) Identity() domain.Identity { return tx.identity }

// ListOrganizations returns all organizations and tracks each as read.
func (tx *transaction) ListOrganizations() []Organization {
	out := tx.view().ListOrganizations()
	for _, o := range out {
		tx.observe(domain.EntityOrganization, o.ID)
	}
	return out
}

// FindOrganization looks up an organization within the transaction scope.
func (tx *transaction) FindOrganization(id string) (Organization, bool) {
	tx.observe(domain.EntityOrganization, id)
	return tx.view().FindOrganization(id)
}

// ListUsers returns all users.
func (tx *transaction) ListUsers() []User {
	out := tx.view().ListUsers()
	for _, u := range out {
		tx.observe(domain.EntityUser, u.ID)
	}
	return out
}

// FindUser looks up a user within the transaction scope.
func (tx *transaction) FindUser(id string) (User, bool) {
	tx.observe(domain.EntityUser, id)
	return tx.view().FindUser(id)
}

// ListProducts returns all products.
func (tx *transaction) ListProducts() []Product {
	out := tx.view().ListProducts()
	for _, p := range out {
		tx.observe(domain.EntityProduct, p.ID)
	}
	return out
}

// FindProduct looks up a product within the transaction scope.
func (tx *transaction) FindProduct(id string) (Product, bool) {
	tx.observe(domain.EntityProduct, id)
	return tx.view().FindProduct(id)
}

// ListBatches returns all batches.
func (tx *transaction) ListBatches() []Batch {
	out := tx.view().ListBatches()
	for _, b := range out {
		tx.observe(domain.EntityBatch, b.ID)
	}
	return out
}

// FindBatch looks up a batch within the transaction scope.
func (tx *transaction) FindBatch(id string) (Batch, bool) {
	tx.observe(domain.EntityBatch, id)
	return tx.view().FindBatch(id)
}

// ListInventory returns all inventory records.
func (tx *transaction) ListInventory() []InventoryRecord {
	out := tx.view().ListInventory()
	for _, rec := range out {
		tx.observe(domain.EntityInventory, rec.ID)
	}
	return out
}

// FindInventory looks up the (organization, batch) record. A miss is tracked
// too, so a concurrent creation of the same record conflicts.
func (tx *transaction) FindInventory(organizationID, batchID string) (InventoryRecord, bool) {
	tx.observe(domain.EntityInventory, domain.InventoryKey(organizationID, batchID))
	return tx.view().FindInventory(organizationID, batchID)
}

// ListRequests returns all requests.
func (tx *transaction) ListRequests() []Request {
	out := tx.view().ListRequests()
	for _, r := range out {
		tx.observe(domain.EntityRequest, r.ID)
	}
	return out
}

// FindRequest looks up a request within the transaction scope.
func (tx *transaction) FindRequest(id string) (Request, bool) {
	tx.observe(domain.EntityRequest, id)
	return tx.view().FindRequest(id)
}

// ListApprovals returns a request's approvals ordered by step.
func (tx *transaction) ListApprovals(requestID string) []Approval {
	out := tx.view().ListApprovals(requestID)
	for _, a := range out {
		tx.observe(domain.EntityApproval, a.ID)
	}
	return out
}

// ListTransactions returns all inventory transactions.
func (tx *transaction) ListTransactions() []InventoryTransaction {
	return tx.view().ListTransactions()
}

// ListAuditLogs returns committed audit entries visible to the transaction.
func (tx *transaction) ListAuditLogs(filter AuditFilter) []AuditLogEntry {
	return tx.view().ListAuditLogs(filter)
}

func (tx *transaction) stamp(base *domain.Base, prev int64) {
	if base.CreatedAt.IsZero() {
		base.CreatedAt = tx.now
	}
	base.UpdatedAt = tx.now
	base.Version = prev + 1
}

func (tx *transaction) assignID(entity domain.EntityType, id string) (string, error) {
	if id == "" {
		id = tx.store.newID()
	}
	tx.observe(entity, id)
	if tx.state.version(recordKey{entity: entity, id: id}) != 0 {
		return "", fmt.Errorf("%s %q already exists", entity, id)
	}
	return id, nil
}

// CreateOrganization stores a new organization within the transaction.
func (tx *transaction) CreateOrganization(o Organization) (Organization, error) {
	id, err := tx.assignID(domain.EntityOrganization, o.ID)
	if err != nil {
		return Organization{}, err
	}
	o.ID = id
	o.CreatedAt = time.Time{}
	tx.stamp(&o.Base, 0)
	tx.state.organizations[o.ID] = cloneOrganization(o)
	tx.markWritten(domain.EntityOrganization, o.ID)
	tx.recordChange(Change{Entity: domain.EntityOrganization, Action: domain.ActionCreate, After: cloneOrganization(o)})
	return cloneOrganization(o), nil
}

// UpdateOrganization mutates an organization using the provided mutator function.
func (tx *transaction) UpdateOrganization(id string, mutator func(*Organization) error) (Organization, error) {
	tx.observe(domain.EntityOrganization, id)
	current, ok := tx.state.organizations[id]
	if !ok {
		return Organization{}, domain.NotFoundError{Entity: domain.EntityOrganization, ID: id}
	}
	before := cloneOrganization(current)
	if err := mutator(&current); err != nil {
		return Organization{}, err
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	tx.stamp(&current.Base, before.Version)
	tx.state.organizations[id] = cloneOrganization(current)
	tx.markWritten(domain.EntityOrganization, id)
	tx.recordChange(Change{Entity: domain.EntityOrganization, Action: domain.ActionUpdate, Before: before, After: cloneOrganization(current)})
	return cloneOrganization(current), nil
}

// CreateUser stores a new user.
func (tx *transaction) CreateUser(u User) (User, error) {
	id, err := tx.assignID(domain.EntityUser, u.ID)
	if err != nil {
		return User{}, err
	}
	u.ID = id
	u.CreatedAt = time.Time{}
	tx.stamp(&u.Base, 0)
	tx.state.users[u.ID] = u
	tx.markWritten(domain.EntityUser, u.ID)
	tx.recordChange(Change{Entity: domain.EntityUser, Action: domain.ActionCreate, After: u})
	return u, nil
}

// CreateProduct stores a new product.
func (tx *transaction) CreateProduct(p Product) (Product, error) {
	id, err := tx.assignID(domain.EntityProduct, p.ID)
	if err != nil {
		return Product{}, err
	}
	p.ID = id
	p.CreatedAt = time.Time{}
	tx.stamp(&p.Base, 0)
	tx.state.products[p.ID] = p
	tx.markWritten(domain.EntityProduct, p.ID)
	tx.recordChange(Change{Entity: domain.EntityProduct, Action: domain.ActionCreate, After: p})
	return p, nil
}

// CreateBatch stores a new batch.
func (tx *transaction) CreateBatch(b Batch) (Batch, error) {
	id, err := tx.assignID(domain.EntityBatch, b.ID)
	if err != nil {
		return Batch{}, err
	}
	b.ID = id
	b.CreatedAt = time.Time{}
	if b.QCStatus == "" {
		b.QCStatus = domain.QCReleased
	}
	tx.stamp(&b.Base, 0)
	tx.state.batches[b.ID] = cloneBatch(b)
	tx.markWritten(domain.EntityBatch, b.ID)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionCreate, After: cloneBatch(b)})
	return cloneBatch(b), nil
}

// UpdateBatch mutates a batch using the provided mutator function.
func (tx *transaction) UpdateBatch(id string, mutator func(*Batch) error) (Batch, error) {
	tx.observe(domain.EntityBatch, id)
	current, ok := tx.state.batches[id]
	if !ok {
		return Batch{}, domain.NotFoundError{Entity: domain.EntityBatch, ID: id}
	}
	before := cloneBatch(current)
	if err := mutator(&current); err != nil {
		return Batch{}, err
	}
	current.ID = id
	current.ProductID = before.ProductID
	current.CreatedAt = before.CreatedAt
	tx.stamp(&current.Base, before.Version)
	tx.state.batches[id] = cloneBatch(current)
	tx.markWritten(domain.EntityBatch, id)
	tx.recordChange(Change{Entity: domain.EntityBatch, Action: domain.ActionUpdate, Before: before, After: cloneBatch(current)})
	return cloneBatch(current), nil
}

// UpsertInventory applies mutator to the (organization, batch) inventory record.
func (tx *transaction) UpsertInventory(organizationID, productID, batchID string, mutator func(*InventoryRecord) error) (InventoryRecord, error) {
	if organizationID == "" || batchID == "" {
		return InventoryRecord{}, errors.New("inventory requires organization and batch")
	}
	key := domain.InventoryKey(organizationID, batchID)
	tx.observe(domain.EntityInventory, key)
	current, exists := tx.state.inventory[key]
	before := current
	if !exists {
		current = InventoryRecord{
			Base:           domain.Base{ID: key},
			OrganizationID: organizationID,
			ProductID:      productID,
			BatchID:        batchID,
		}
	}
	if err := mutator(&current); err != nil {
		return InventoryRecord{}, err
	}
	current.ID = key
	current.OrganizationID = organizationID
	current.BatchID = batchID
	if exists {
		current.ProductID = before.ProductID
		current.CreatedAt = before.CreatedAt
	}
	tx.stamp(&current.Base, before.Version)
	tx.state.inventory[key] = current
	tx.markWritten(domain.EntityInventory, key)
	if exists {
		tx.recordChange(Change{Entity: domain.EntityInventory, Action: domain.ActionUpdate, Before: before, After: current})
	} else {
		tx.recordChange(Change{Entity: domain.EntityInventory, Action: domain.ActionCreate, After: current})
	}
	return current, nil
}

// CreateRequest stores a new request and assigns ids to its items.
func (tx *transaction) CreateRequest(r Request) (Request, error) {
	id, err := tx.assignID(domain.EntityRequest, r.ID)
	if err != nil {
		return Request{}, err
	}
	r.ID = id
	r.CreatedAt = time.Time{}
	r = cloneRequest(r)
	for i := range r.Items {
		if r.Items[i].ID == "" {
			r.Items[i].ID = tx.store.newID()
		}
	}
	tx.stamp(&r.Base, 0)
	tx.state.requests[r.ID] = cloneRequest(r)
	tx.markWritten(domain.EntityRequest, r.ID)
	tx.recordChange(Change{Entity: domain.EntityRequest, Action: domain.ActionCreate, After: cloneRequest(r)})
	return cloneRequest(r), nil
}

// UpdateRequest mutates a request using the provided mutator function. Items
// may change quantities but not identity.
func (tx *transaction) UpdateRequest(id string, mutator func(*Request) error) (Request, error) {
	tx.observe(domain.EntityRequest, id)
	current, ok := tx.state.requests[id]
	if !ok {
		return Request{}, domain.NotFoundError{Entity: domain.EntityRequest, ID: id}
	}
	before := cloneRequest(current)
	current = cloneRequest(current)
	if err := mutator(&current); err != nil {
		return Request{}, err
	}
	if len(current.Items) != len(before.Items) {
		return Request{}, fmt.Errorf("request %q items cannot be added or removed", id)
	}
	for i := range current.Items {
		current.Items[i].ID = before.Items[i].ID
	}
	current.ID = id
	current.CreatedAt = before.CreatedAt
	tx.stamp(&current.Base, before.Version)
	tx.state.requests[id] = cloneRequest(current)
	tx.markWritten(domain.EntityRequest, id)
	tx.recordChange(Change{Entity: domain.EntityRequest, Action: domain.ActionUpdate, Before: before, After: cloneRequest(current)})
	return cloneRequest(current), nil
}

// CreateApproval stores an approval step.
func (tx *transaction) CreateApproval(a Approval) (Approval, error) {
	if a.RequestID == "" || a.Step < 1 {
		return Approval{}, errors.New("approval requires a request and a positive step")
	}
	id, err := tx.assignID(domain.EntityApproval, a.ID)
	if err != nil {
		return Approval{}, err
	}
	a.ID = id
	a.CreatedAt = time.Time{}
	tx.stamp(&a.Base, 0)
	tx.state.approvals[a.ID] = a
	tx.markWritten(domain.EntityApproval, a.ID)
	tx.recordChange(Change{Entity: domain.EntityApproval, Action: domain.ActionCreate, After: a})
	return a, nil
}

// CreateTransaction stores an immutable inventory movement.
func (tx *transaction) CreateTransaction(t InventoryTransaction) (InventoryTransaction, error) {
	if t.Quantity <= 0 {
		return InventoryTransaction{}, fmt.Errorf("transaction quantity must be positive, got %d", t.Quantity)
	}
	id, err := tx.assignID(domain.EntityTransaction, t.ID)
	if err != nil {
		return InventoryTransaction{}, err
	}
	t.ID = id
	t.CreatedAt = time.Time{}
	tx.stamp(&t.Base, 0)
	tx.state.transactions[t.ID] = cloneInventoryTransaction(t)
	tx.markWritten(domain.EntityTransaction, t.ID)
	tx.recordChange(Change{Entity: domain.EntityTransaction, Action: domain.ActionCreate, After: cloneInventoryTransaction(t)})
	return cloneInventoryTransaction(t), nil
}

// RecordAudit registers the single audit entry of this transaction.
func (tx *transaction) RecordAudit(entry AuditLogEntry) error {
	if tx.audit != nil {
		return fmt.Errorf("audit entry already recorded for %s", tx.audit.Operation)
	}
	if strings.TrimSpace(entry.Operation) == "" {
		return errors.New("audit entry requires an operation")
	}
	cp := entry.Clone()
	tx.audit = &cp
	return nil
}
