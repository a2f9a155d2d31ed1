// Package domain defines the persistent supply-chain entities, value types,
// typed errors and rule evaluation primitives used by pharmachain.
package domain

import (
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// EntityType identifies the type of record stored in the core domain.
type EntityType string

// Supported entity type identifiers used in Change records, audit tables and persistence buckets.
const (
	EntityOrganization EntityType = "organizations"
	EntityUser         EntityType = "users"
	EntityProduct      EntityType = "products"
	EntityBatch        EntityType = "batches"
	EntityInventory    EntityType = "inventory"
	EntityRequest      EntityType = "requests"
	EntityApproval     EntityType = "approvals"
	// EntityTransaction identifies an immutable inventory movement.
	EntityTransaction EntityType = "transactions"
)

// OrganizationType classifies a tier of the distribution chain.
type OrganizationType string

// Organization tiers.
const (
	OrgManufacturer OrganizationType = "manufacturer"
	OrgCFA          OrganizationType = "cfa"
	OrgStockist     OrganizationType = "stockist"
	OrgOther        OrganizationType = "other"
)

// Role is the capability a caller acts with.
type Role string

// Roles recognised by the workflow policy.
const (
	RoleAdmin        Role = "admin"
	RoleManufacturer Role = "manufacturer"
	RoleCFA          Role = "cfa"
	RoleStockist     Role = "stockist"
)

// QCStatus is the quality-control state of a batch.
type QCStatus string

// Batch QC states.
const (
	QCReleased    QCStatus = "Released"
	QCQuarantined QCStatus = "Quarantined"
	QCRecalled    QCStatus = "Recalled"
)

// RequestType distinguishes the direction of a stock movement request.
type RequestType string

// Request types.
const (
	RequestDispatch RequestType = "Dispatch"
	RequestReturn   RequestType = "Return"
)

// RequestStatus enumerates request workflow states.
type RequestStatus string

// Request states. Rejected and Fulfilled are terminal.
const (
	StatusPending        RequestStatus = "Pending"
	StatusApproved       RequestStatus = "Approved"
	StatusFulfilled      RequestStatus = "Fulfilled"
	StatusRejected       RequestStatus = "Rejected"
	StatusApprovalFailed RequestStatus = "ApprovalFailed"
)

// Terminal reports whether no further transition is possible from s.
func (s RequestStatus) Terminal() bool {
	return s == StatusRejected || s == StatusFulfilled
}

// Decision is an approver's verdict for one step.
type Decision string

// Approval decisions.
const (
	DecisionApproved Decision = "Approved"
	DecisionRejected Decision = "Rejected"
)

// TransactionType classifies an inventory movement.
type TransactionType string

// Inventory movement types.
const (
	TxDispatch   TransactionType = "Dispatch"
	TxReturn     TransactionType = "Return"
	TxAdjustment TransactionType = "Adjustment"
)

// Severity captures rule outcomes.
type Severity string

// Rule evaluation severities determine commit behavior and logging.
const (
	// SeverityBlock blocks transaction commit.
	SeverityBlock Severity = "block"
	// SeverityWarn logs a warning but allows commit.
	SeverityWarn Severity = "warn"
	SeverityLog  Severity = "log"
)

// Base contains common fields for all domain records. Version is maintained by
// the store and increases on every committed write.
type Base struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// Organization is a participant in the supply chain. Organizations form a tree
// through ParentID.
type Organization struct {
	Base
	Name     string           `json:"name"`
	Code     string           `json:"code"`
	Type     OrganizationType `json:"type"`
	ParentID *string          `json:"parent_id,omitempty"`
	Address  string           `json:"address,omitempty"`
}

// User is a registered member of an organization.
type User struct {
	Base
	Username       string `json:"username"`
	Role           Role   `json:"role"`
	OrganizationID string `json:"organization_id"`
}

// Product is a sellable item owned by a manufacturer.
type Product struct {
	Base
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Description    string `json:"description,omitempty"`
	ManufacturerID string `json:"manufacturer_id"`
}

// Batch is a manufactured lot of a product.
type Batch struct {
	Base
	ProductID         string     `json:"product_id"`
	BatchNumber       string     `json:"batch_number"`
	ManufacturingDate *time.Time `json:"manufacturing_date,omitempty"`
	ExpiryDate        *time.Time `json:"expiry_date,omitempty"`
	QCStatus          QCStatus   `json:"qc_status"`
	ManufacturingSite string     `json:"manufacturing_site_name,omitempty"`
}

// Expired reports whether the batch expiry date is at or before now.
func (b Batch) Expired(now time.Time) bool {
	return b.ExpiryDate != nil && !b.ExpiryDate.After(now)
}

// InventoryRecord holds the on-hand quantity of one batch at one organization.
type InventoryRecord struct {
	Base
	OrganizationID   string `json:"organization_id"`
	ProductID        string `json:"product_id"`
	BatchID          string `json:"batch_id"`
	Quantity         int64  `json:"quantity"`
	StorageCondition string `json:"storage_condition,omitempty"`
}

// InventoryKey returns the identifier of the inventory record for (org, batch).
func InventoryKey(organizationID, batchID string) string {
	return organizationID + "|" + batchID
}

// RequestItem is one line of a request.
type RequestItem struct {
	ID                string           `json:"id"`
	ProductID         string           `json:"product_id" validate:"required"`
	BatchID           string           `json:"batch_id" validate:"required"`
	RequestedQuantity int64            `json:"requested_quantity" validate:"gt=0"`
	ApprovedQuantity  *int64           `json:"approved_quantity,omitempty"`
	UnitPrice         *decimal.Decimal `json:"unit_price,omitempty"`
	Notes             string           `json:"notes,omitempty"`
}

// EffectiveQuantity is the approved quantity when set, the requested quantity otherwise.
func (i RequestItem) EffectiveQuantity() int64 {
	if i.ApprovedQuantity != nil {
		return *i.ApprovedQuantity
	}
	return i.RequestedQuantity
}

// Request moves stock between an organization and its counterpart after approval.
type Request struct {
	Base
	Type            RequestType   `json:"type"`
	InitiatorUserID string        `json:"initiator_user_id"`
	InitiatorOrgID  string        `json:"initiator_org_id"`
	TargetOrgID     string        `json:"target_org_id"`
	Status          RequestStatus `json:"status"`
	CurrentStep     int           `json:"current_step"`
	RequiredSteps   int           `json:"required_steps"`
	Items           []RequestItem `json:"items"`
	Notes           string        `json:"notes,omitempty"`
	FailureReason   string        `json:"failure_reason,omitempty"`
	CompletionDate  *time.Time    `json:"completion_date,omitempty"`
}

// TotalValue sums unit price times effective quantity over priced items.
func (r Request) TotalValue() decimal.Decimal {
	total := decimal.Zero
	for _, item := range r.Items {
		if item.UnitPrice == nil {
			continue
		}
		total = total.Add(item.UnitPrice.Mul(decimal.NewFromInt(item.EffectiveQuantity())))
	}
	return total
}

// Approval records one approver decision for one step of a request.
type Approval struct {
	Base
	RequestID      string   `json:"request_id"`
	ApproverUserID string   `json:"approver_user_id"`
	ApproverOrgID  string   `json:"approver_org_id"`
	ApproverRole   Role     `json:"approver_role"`
	Step           int      `json:"step"`
	Decision       Decision `json:"decision"`
	Rationale      string   `json:"rationale,omitempty"`
}

// ApprovalKey returns the unique (request, step) key of an approval.
func ApprovalKey(requestID string, step int) string {
	return requestID + "#" + strconv.Itoa(step)
}

// InventoryTransaction is an immutable inventory movement.
type InventoryTransaction struct {
	Base
	Type          TransactionType `json:"type"`
	ProductID     string          `json:"product_id"`
	BatchID       string          `json:"batch_id"`
	Quantity      int64           `json:"quantity"`
	SourceOrgID   *string         `json:"source_org_id,omitempty"`
	DestOrgID     *string         `json:"destination_org_id,omitempty"`
	RequestID     *string         `json:"request_id,omitempty"`
	RequestItemID *string         `json:"request_item_id,omitempty"`
	RecordedBy    string          `json:"recorded_by"`
	Notes         string          `json:"notes,omitempty"`
}

// Change describes a mutation applied to an entity during a transaction.
type Change struct {
	Entity EntityType
	Action Action
	Before any
	After  any
}

// Action indicates the type of modification performed.
type Action string

// Change actions enumerate supported CRUD operations captured in audit trail.
const (
	// ActionCreate indicates an entity was created.
	ActionCreate Action = "create"
	// ActionUpdate indicates an entity was updated.
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Violation reports a failed rule evaluation.
type Violation struct {
	Rule     string
	Severity Severity
	Message  string
	Entity   EntityType
	EntityID string
}

// Result aggregates violations from the rules engine.
type Result struct {
	Violations []Violation
}

// Merge appends violations from another result.
func (r *Result) Merge(other Result) {
	if len(other.Violations) == 0 {
		return
	}
	r.Violations = append(r.Violations, other.Violations...)
}

// HasBlocking returns true if the result contains blocking violations.
func (r Result) HasBlocking() bool {
	for _, v := range r.Violations {
		if v.Severity == SeverityBlock {
			return true
		}
	}
	return false
}

// RuleViolationError is returned when blocking violations are present.
type RuleViolationError struct {
	Result Result
}

func (e RuleViolationError) Error() string {
	for _, v := range e.Result.Violations {
		if v.Severity == SeverityBlock {
			return "transaction blocked by rules: " + v.Message
		}
	}
	return "transaction blocked by rules"
}

