package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"pharmachain/pkg/domain"
)

// OrganizationInput registers a participant of the chain.
type OrganizationInput struct {
	Name     string                  `validate:"required"`
	Code     string                  `validate:"required,alphanum"`
	Type     domain.OrganizationType `validate:"required,oneof=manufacturer cfa stockist other"`
	ParentID *string
	Address  string
}

// UserInput registers a user.
type UserInput struct {
	Username       string      `validate:"required"`
	Role           domain.Role `validate:"required,oneof=admin manufacturer cfa stockist"`
	OrganizationID string      `validate:"required"`
}

// ProductInput registers a product.
type ProductInput struct {
	SKU            string `validate:"required"`
	Name           string `validate:"required"`
	Description    string
	ManufacturerID string `validate:"required"`
}

// BatchInput registers a batch of a product.
type BatchInput struct {
	ProductID         string `validate:"required"`
	BatchNumber       string `validate:"required"`
	ManufacturingDate *time.Time
	ExpiryDate        *time.Time
	QCStatus          domain.QCStatus `validate:"omitempty,oneof=Released Quarantined Recalled"`
	ManufacturingSite string
}

func requireRole(caller Identity, roles ...domain.Role) error {
	for _, r := range roles {
		if caller.Role == r {
			return nil
		}
	}
	return domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "role not permitted for this operation"}
}

// CreateOrganization registers an organization. Admin only.
func (s *Service) CreateOrganization(ctx context.Context, caller Identity, in OrganizationInput) (Organization, error) {
	var created Organization
	err := s.run(ctx, opCreateOrganization, caller, func(ctx context.Context) (string, error) {
		if err := s.check(in); err != nil {
			return "", err
		}
		if err := requireRole(caller, domain.RoleAdmin); err != nil {
			return "", err
		}
		err := s.transact(ctx, opCreateOrganization, func(tx Transaction) error {
			if in.ParentID != nil {
				if _, ok := tx.FindOrganization(*in.ParentID); !ok {
					return domain.NotFoundError{Entity: EntityOrganization, ID: *in.ParentID}
				}
			}
			org, err := tx.CreateOrganization(Organization{
				Name:     in.Name,
				Code:     strings.ToUpper(in.Code),
				Type:     in.Type,
				ParentID: in.ParentID,
				Address:  in.Address,
			})
			if err != nil {
				return err
			}
			created = org
			return writeAudit(tx, opCreateOrganization, ActionCreate, EntityOrganization, org.ID, nil, org)
		})
		return created.ID, err
	})
	if err != nil {
		return Organization{}, err
	}
	return created, nil
}

// SetOrganizationParent moves an organization in the hierarchy. A nil parent
// makes it a root. Moves that would form a cycle fail with ValidationError.
func (s *Service) SetOrganizationParent(ctx context.Context, caller Identity, orgID string, parentID *string) (Organization, error) {
	var updated Organization
	err := s.run(ctx, opSetOrganizationParent, caller, func(ctx context.Context) (string, error) {
		if err := requireRole(caller, domain.RoleAdmin); err != nil {
			return orgID, err
		}
		if parentID != nil && *parentID == orgID {
			return orgID, domain.ValidationError{Field: "parent_id", Message: "organization cannot be its own parent"}
		}
		err := s.transact(ctx, opSetOrganizationParent, func(tx Transaction) error {
			before, ok := tx.FindOrganization(orgID)
			if !ok {
				return domain.NotFoundError{Entity: EntityOrganization, ID: orgID}
			}
			if parentID != nil {
				parent, ok := tx.FindOrganization(*parentID)
				if !ok {
					return domain.NotFoundError{Entity: EntityOrganization, ID: *parentID}
				}
				if isSelfOrAncestor(tx, orgID, parent) {
					return domain.ValidationError{Field: "parent_id", Message: fmt.Sprintf("%s is a descendant of %s", parent.Code, before.Code)}
				}
			}
			org, err := tx.UpdateOrganization(orgID, func(o *Organization) error {
				o.ParentID = parentID
				return nil
			})
			if err != nil {
				return err
			}
			updated = org
			return writeAudit(tx, opSetOrganizationParent, ActionUpdate, EntityOrganization, org.ID, before, org)
		})
		return orgID, err
	})
	if err != nil {
		return Organization{}, err
	}
	return updated, nil
}

// RegisterUser registers a user in an existing organization. Admin only.
func (s *Service) RegisterUser(ctx context.Context, caller Identity, in UserInput) (User, error) {
	var created User
	err := s.run(ctx, opRegisterUser, caller, func(ctx context.Context) (string, error) {
		if err := s.check(in); err != nil {
			return "", err
		}
		if err := requireRole(caller, domain.RoleAdmin); err != nil {
			return "", err
		}
		err := s.transact(ctx, opRegisterUser, func(tx Transaction) error {
			if _, ok := tx.FindOrganization(in.OrganizationID); !ok {
				return domain.NotFoundError{Entity: EntityOrganization, ID: in.OrganizationID}
			}
			u, err := tx.CreateUser(User{Username: in.Username, Role: in.Role, OrganizationID: in.OrganizationID})
			if err != nil {
				return err
			}
			created = u
			return writeAudit(tx, opRegisterUser, ActionCreate, EntityUser, u.ID, nil, u)
		})
		return created.ID, err
	})
	if err != nil {
		return User{}, err
	}
	return created, nil
}

// CreateProduct registers a product of a manufacturer. Manufacturers may only
// register their own products.
func (s *Service) CreateProduct(ctx context.Context, caller Identity, in ProductInput) (Product, error) {
	var created Product
	err := s.run(ctx, opCreateProduct, caller, func(ctx context.Context) (string, error) {
		if err := s.check(in); err != nil {
			return "", err
		}
		if err := requireRole(caller, domain.RoleAdmin, domain.RoleManufacturer); err != nil {
			return "", err
		}
		if !caller.IsAdmin() && caller.OrganizationID != in.ManufacturerID {
			return "", domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "cannot register products for another manufacturer"}
		}
		err := s.transact(ctx, opCreateProduct, func(tx Transaction) error {
			maker, ok := tx.FindOrganization(in.ManufacturerID)
			if !ok {
				return domain.NotFoundError{Entity: EntityOrganization, ID: in.ManufacturerID}
			}
			if maker.Type != domain.OrgManufacturer {
				return domain.ValidationError{Field: "manufacturer_id", Message: fmt.Sprintf("organization %s is not a manufacturer", maker.Code)}
			}
			p, err := tx.CreateProduct(Product{SKU: in.SKU, Name: in.Name, Description: in.Description, ManufacturerID: in.ManufacturerID})
			if err != nil {
				return err
			}
			created = p
			return writeAudit(tx, opCreateProduct, ActionCreate, EntityProduct, p.ID, nil, p)
		})
		return created.ID, err
	})
	if err != nil {
		return Product{}, err
	}
	return created, nil
}

// CreateBatch registers a manufactured lot.
func (s *Service) CreateBatch(ctx context.Context, caller Identity, in BatchInput) (Batch, error) {
	var created Batch
	err := s.run(ctx, opCreateBatch, caller, func(ctx context.Context) (string, error) {
		if err := s.check(in); err != nil {
			return "", err
		}
		if err := requireRole(caller, domain.RoleAdmin, domain.RoleManufacturer); err != nil {
			return "", err
		}
		err := s.transact(ctx, opCreateBatch, func(tx Transaction) error {
			product, ok := tx.FindProduct(in.ProductID)
			if !ok {
				return domain.NotFoundError{Entity: EntityProduct, ID: in.ProductID}
			}
			if !caller.IsAdmin() && caller.OrganizationID != product.ManufacturerID {
				return domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "cannot register batches of another manufacturer"}
			}
			b, err := tx.CreateBatch(Batch{
				ProductID:         in.ProductID,
				BatchNumber:       in.BatchNumber,
				ManufacturingDate: in.ManufacturingDate,
				ExpiryDate:        in.ExpiryDate,
				QCStatus:          in.QCStatus,
				ManufacturingSite: in.ManufacturingSite,
			})
			if err != nil {
				return err
			}
			created = b
			return writeAudit(tx, opCreateBatch, ActionCreate, EntityBatch, b.ID, nil, b)
		})
		return created.ID, err
	})
	if err != nil {
		return Batch{}, err
	}
	return created, nil
}

// UpdateBatchStatus changes the QC status of a batch. Quarantined and
// Recalled batches cannot be dispatched.
func (s *Service) UpdateBatchStatus(ctx context.Context, caller Identity, batchID string, status domain.QCStatus) (Batch, error) {
	var updated Batch
	err := s.run(ctx, opUpdateBatchStatus, caller, func(ctx context.Context) (string, error) {
		switch status {
		case domain.QCReleased, domain.QCQuarantined, domain.QCRecalled:
		default:
			return batchID, domain.ValidationError{Field: "qc_status", Message: fmt.Sprintf("unknown status %q", status)}
		}
		if err := requireRole(caller, domain.RoleAdmin, domain.RoleManufacturer); err != nil {
			return batchID, err
		}
		err := s.transact(ctx, opUpdateBatchStatus, func(tx Transaction) error {
			before, ok := tx.FindBatch(batchID)
			if !ok {
				return domain.NotFoundError{Entity: EntityBatch, ID: batchID}
			}
			if !caller.IsAdmin() {
				product, _ := tx.FindProduct(before.ProductID)
				if product.ManufacturerID != caller.OrganizationID {
					return domain.AuthorizationError{Actor: caller.UserID, Role: caller.Role, Reason: "cannot change batches of another manufacturer"}
				}
			}
			b, err := tx.UpdateBatch(batchID, func(b *Batch) error {
				b.QCStatus = status
				return nil
			})
			if err != nil {
				return err
			}
			updated = b
			return writeAudit(tx, opUpdateBatchStatus, ActionUpdate, EntityBatch, b.ID, before, b)
		})
		return batchID, err
	})
	if err != nil {
		return Batch{}, err
	}
	return updated, nil
}
