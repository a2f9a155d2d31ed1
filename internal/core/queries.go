package core

import (
	"context"
	"strings"

	"pharmachain/pkg/domain"
)

// RequestFilter narrows ListRequests. Zero values match everything.
type RequestFilter struct {
	Status         domain.RequestStatus
	Type           domain.RequestType
	OrganizationID string // initiator or target
	Limit          int
}

// TransactionFilter narrows ListTransactions. Zero values match everything.
type TransactionFilter struct {
	OrganizationID string // source or destination
	BatchID        string
	RequestID      string
	Type           domain.TransactionType
	Limit          int
}

func (s *Service) view(ctx context.Context, fn func(TransactionView) error) error {
	return s.store.View(ctx, fn)
}

// GetRequest returns a request by id.
func (s *Service) GetRequest(ctx context.Context, id string) (Request, error) {
	var out Request
	err := s.view(ctx, func(v TransactionView) error {
		req, ok := v.FindRequest(id)
		if !ok {
			return domain.NotFoundError{Entity: EntityRequest, ID: id}
		}
		out = req
		return nil
	})
	return out, err
}

// ListApprovals returns the approvals of a request ordered by step.
func (s *Service) ListApprovals(ctx context.Context, requestID string) ([]Approval, error) {
	var out []Approval
	err := s.view(ctx, func(v TransactionView) error {
		if _, ok := v.FindRequest(requestID); !ok {
			return domain.NotFoundError{Entity: EntityRequest, ID: requestID}
		}
		out = v.ListApprovals(requestID)
		return nil
	})
	return out, err
}

// ListRequests returns requests in creation order.
func (s *Service) ListRequests(ctx context.Context, f RequestFilter) ([]Request, error) {
	var out []Request
	err := s.view(ctx, func(v TransactionView) error {
		for _, r := range v.ListRequests() {
			if f.Status != "" && r.Status != f.Status {
				continue
			}
			if f.Type != "" && r.Type != f.Type {
				continue
			}
			if f.OrganizationID != "" && r.InitiatorOrgID != f.OrganizationID && r.TargetOrgID != f.OrganizationID {
				continue
			}
			out = append(out, r)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// ListTransactions returns inventory movements in creation order.
func (s *Service) ListTransactions(ctx context.Context, f TransactionFilter) ([]InventoryTransaction, error) {
	var out []InventoryTransaction
	err := s.view(ctx, func(v TransactionView) error {
		for _, t := range v.ListTransactions() {
			if f.OrganizationID != "" && !same(t.SourceOrgID, f.OrganizationID) && !same(t.DestOrgID, f.OrganizationID) {
				continue
			}
			if f.BatchID != "" && t.BatchID != f.BatchID {
				continue
			}
			if f.RequestID != "" && !same(t.RequestID, f.RequestID) {
				continue
			}
			if f.Type != "" && t.Type != f.Type {
				continue
			}
			out = append(out, t)
			if f.Limit > 0 && len(out) == f.Limit {
				break
			}
		}
		return nil
	})
	return out, err
}

func same(p *string, v string) bool { return p != nil && *p == v }

// GetInventory returns the inventory held by an organization, and by all of
// its descendants when includeDescendants is set.
func (s *Service) GetInventory(ctx context.Context, orgID string, includeDescendants bool) ([]InventoryRecord, error) {
	var out []InventoryRecord
	err := s.view(ctx, func(v TransactionView) error {
		if _, ok := v.FindOrganization(orgID); !ok {
			return domain.NotFoundError{Entity: EntityOrganization, ID: orgID}
		}
		scope := map[string]struct{}{orgID: {}}
		if includeDescendants {
			for _, id := range descendants(v.ListOrganizations(), orgID) {
				scope[id] = struct{}{}
			}
		}
		for _, rec := range v.ListInventory() {
			if _, ok := scope[rec.OrganizationID]; ok {
				out = append(out, rec)
			}
		}
		return nil
	})
	return out, err
}

func descendants(orgs []Organization, rootID string) []string {
	children := make(map[string][]string)
	for _, o := range orgs {
		if o.ParentID != nil {
			children[*o.ParentID] = append(children[*o.ParentID], o.ID)
		}
	}
	var out []string
	seen := map[string]struct{}{rootID: {}}
	queue := []string{rootID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			if _, dup := seen[child]; dup {
				continue
			}
			seen[child] = struct{}{}
			out = append(out, child)
			queue = append(queue, child)
		}
	}
	return out
}

// ListAuditLogs returns audit entries matching filter in sequence order.
func (s *Service) ListAuditLogs(ctx context.Context, filter AuditFilter) ([]AuditLogEntry, error) {
	var out []AuditLogEntry
	err := s.view(ctx, func(v TransactionView) error {
		out = v.ListAuditLogs(filter)
		return nil
	})
	return out, err
}

// ListOrganizations returns every organization in creation order.
func (s *Service) ListOrganizations(ctx context.Context) ([]Organization, error) {
	var out []Organization
	err := s.view(ctx, func(v TransactionView) error {
		out = v.ListOrganizations()
		return nil
	})
	return out, err
}

// FindOrganizationByCode looks an organization up by its unique code.
func (s *Service) FindOrganizationByCode(ctx context.Context, code string) (Organization, error) {
	var out Organization
	err := s.view(ctx, func(v TransactionView) error {
		for _, o := range v.ListOrganizations() {
			if strings.EqualFold(o.Code, code) {
				out = o
				return nil
			}
		}
		return domain.NotFoundError{Entity: EntityOrganization, ID: code}
	})
	return out, err
}

// FindUserByUsername looks a user up by username.
func (s *Service) FindUserByUsername(ctx context.Context, username string) (User, error) {
	var out User
	err := s.view(ctx, func(v TransactionView) error {
		for _, u := range v.ListUsers() {
			if strings.EqualFold(u.Username, username) {
				out = u
				return nil
			}
		}
		return domain.NotFoundError{Entity: EntityUser, ID: username}
	})
	return out, err
}

// FindBatchByNumber resolves a batch from its product sku and batch number.
func (s *Service) FindBatchByNumber(ctx context.Context, sku, batchNumber string) (Product, Batch, error) {
	var (
		product Product
		batch   Batch
	)
	err := s.view(ctx, func(v TransactionView) error {
		found := false
		for _, p := range v.ListProducts() {
			if strings.EqualFold(p.SKU, sku) {
				product, found = p, true
				break
			}
		}
		if !found {
			return domain.NotFoundError{Entity: EntityProduct, ID: sku}
		}
		for _, b := range v.ListBatches() {
			if b.ProductID == product.ID && strings.EqualFold(b.BatchNumber, batchNumber) {
				batch = b
				return nil
			}
		}
		return domain.NotFoundError{Entity: EntityBatch, ID: sku + "/" + batchNumber}
	})
	return product, batch, err
}

// IdentityOf builds the caller identity of a registered user.
func IdentityOf(u User) Identity {
	return Identity{UserID: u.ID, OrganizationID: u.OrganizationID, Role: u.Role}
}
