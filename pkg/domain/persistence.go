package domain

import (
	"context"
	"time"
)

// TransactionView provides read-only access to snapshot data for rules and queries.
type TransactionView interface {
	ListOrganizations() []Organization
	FindOrganization(id string) (Organization, bool)
	ListUsers() []User
	FindUser(id string) (User, bool)
	ListProducts() []Product
	FindProduct(id string) (Product, bool)
	ListBatches() []Batch
	FindBatch(id string) (Batch, bool)
	ListInventory() []InventoryRecord
	FindInventory(organizationID, batchID string) (InventoryRecord, bool)
	ListRequests() []Request
	FindRequest(id string) (Request, bool)
	ListApprovals(requestID string) []Approval
	ListTransactions() []InventoryTransaction
	ListAuditLogs(filter AuditFilter) []AuditLogEntry
}

// Transaction exposes the domain operations that a persistence implementation
// must support within an atomic scope. Every read through a Transaction is
// version-checked at commit.
type Transaction interface {
	TransactionView
	Snapshot() TransactionView
	Now() time.Time
	Identity() Identity
	CreateOrganization(Organization) (Organization, error)
	UpdateOrganization(id string, mutator func(*Organization) error) (Organization, error)
	CreateUser(User) (User, error)
	CreateProduct(Product) (Product, error)
	CreateBatch(Batch) (Batch, error)
	UpdateBatch(id string, mutator func(*Batch) error) (Batch, error)
	// UpsertInventory applies mutator to the (organization, batch) record,
	// starting from a zero-quantity record when none exists.
	UpsertInventory(organizationID, productID, batchID string, mutator func(*InventoryRecord) error) (InventoryRecord, error)
	CreateRequest(Request) (Request, error)
	UpdateRequest(id string, mutator func(*Request) error) (Request, error)
	CreateApproval(Approval) (Approval, error)
	CreateTransaction(InventoryTransaction) (InventoryTransaction, error)
	// RecordAudit appends the operation's audit entry. The store fills id,
	// sequence, actor, correlation id, related records and timestamp.
	RecordAudit(entry AuditLogEntry) error
}

// PersistentStore is a minimal abstraction over durable backends. It mirrors
// the subset of store capabilities used directly by higher layers.
type PersistentStore interface {
	RunInTransaction(ctx context.Context, fn func(Transaction) error) (Result, error)
	View(ctx context.Context, fn func(TransactionView) error) error
}
