package core

import "pharmachain/pkg/domain"

type (
	EntityType           = domain.EntityType
	Severity             = domain.Severity
	Base                 = domain.Base
	Identity             = domain.Identity
	Role                 = domain.Role
	Organization         = domain.Organization
	User                 = domain.User
	Product              = domain.Product
	Batch                = domain.Batch
	InventoryRecord      = domain.InventoryRecord
	Request              = domain.Request
	RequestItem          = domain.RequestItem
	RequestType          = domain.RequestType
	RequestStatus        = domain.RequestStatus
	Approval             = domain.Approval
	Decision             = domain.Decision
	InventoryTransaction = domain.InventoryTransaction
	AuditLogEntry        = domain.AuditLogEntry
	AuditFilter          = domain.AuditFilter
	Change               = domain.Change
	Action               = domain.Action
	Violation            = domain.Violation
	Result               = domain.Result
	RulesEngine          = domain.RulesEngine
	RuleViolationError   = domain.RuleViolationError
	Transaction          = domain.Transaction
	TransactionView      = domain.TransactionView
	PersistentStore      = domain.PersistentStore
)

const (
	EntityOrganization = domain.EntityOrganization
	EntityUser         = domain.EntityUser
	EntityProduct      = domain.EntityProduct
	EntityBatch        = domain.EntityBatch
	EntityInventory    = domain.EntityInventory
	EntityRequest      = domain.EntityRequest
	EntityApproval     = domain.EntityApproval
	EntityTransaction  = domain.EntityTransaction
)

const (
	SeverityBlock = domain.SeverityBlock
	SeverityWarn  = domain.SeverityWarn
	SeverityLog   = domain.SeverityLog
)

const (
	ActionCreate = domain.ActionCreate
	ActionUpdate = domain.ActionUpdate
	ActionDelete = domain.ActionDelete
)

// NewRulesEngine constructs an empty rules engine.
func NewRulesEngine() *RulesEngine { return domain.NewRulesEngine() }
