package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pharmachain/pkg/domain"
)

// SystemIdentity is the admin identity used to bootstrap an empty store.
var SystemIdentity = Identity{UserID: "system", Role: domain.RoleAdmin}

// SeedData is the sample chain loaded by Seed.
type SeedData struct {
	Organizations map[string]Organization // by code
	Users         map[string]User         // by username
	Product       Product
	Batch         Batch
}

// Seed loads the sample chain MANUF001 -> CFA001 -> STOCK001 with one user
// per role, product PR-100, batch B-001 and 100 units at MANUF001. A store
// that already holds MANUF001 is left untouched and the existing records are
// returned.
func Seed(ctx context.Context, svc *Service) (SeedData, error) {
	data := SeedData{Organizations: map[string]Organization{}, Users: map[string]User{}}
	if _, err := svc.FindOrganizationByCode(ctx, "MANUF001"); err == nil {
		return loadSeed(ctx, svc)
	} else if !isNotFound(err) {
		return SeedData{}, err
	}

	var parent *string
	for _, o := range []OrganizationInput{
		{Name: "Acme Pharma", Code: "MANUF001", Type: domain.OrgManufacturer, Address: "Plot 7, Industrial Area"},
		{Name: "Central CFA", Code: "CFA001", Type: domain.OrgCFA, Address: "Warehouse 3, Ring Road"},
		{Name: "City Stockist", Code: "STOCK001", Type: domain.OrgStockist, Address: "12 Market Street"},
	} {
		o.ParentID = parent
		created, err := svc.CreateOrganization(ctx, SystemIdentity, o)
		if err != nil {
			return SeedData{}, fmt.Errorf("seed organization %s: %w", o.Code, err)
		}
		data.Organizations[created.Code] = created
		id := created.ID
		parent = &id
	}

	for _, u := range []struct {
		name string
		role domain.Role
		org  string
	}{
		{"admin", domain.RoleAdmin, "MANUF001"},
		{"manuf_user", domain.RoleManufacturer, "MANUF001"},
		{"cfa_user", domain.RoleCFA, "CFA001"},
		{"stock_user", domain.RoleStockist, "STOCK001"},
	} {
		created, err := svc.RegisterUser(ctx, SystemIdentity, UserInput{Username: u.name, Role: u.role, OrganizationID: data.Organizations[u.org].ID})
		if err != nil {
			return SeedData{}, fmt.Errorf("seed user %s: %w", u.name, err)
		}
		data.Users[u.name] = created
	}

	maker := IdentityOf(data.Users["manuf_user"])
	product, err := svc.CreateProduct(ctx, maker, ProductInput{
		SKU:            "PR-100",
		Name:           "PROD001",
		Description:    "Paracetamol 500mg tablets",
		ManufacturerID: data.Organizations["MANUF001"].ID,
	})
	if err != nil {
		return SeedData{}, fmt.Errorf("seed product: %w", err)
	}
	data.Product = product

	manufactured := svc.now().AddDate(0, -1, 0).Truncate(24 * time.Hour)
	expiry := manufactured.AddDate(2, 0, 0)
	batch, err := svc.CreateBatch(ctx, maker, BatchInput{
		ProductID:         product.ID,
		BatchNumber:       "B-001",
		ManufacturingDate: &manufactured,
		ExpiryDate:        &expiry,
		QCStatus:          domain.QCReleased,
		ManufacturingSite: "Acme Plant 1",
	})
	if err != nil {
		return SeedData{}, fmt.Errorf("seed batch: %w", err)
	}
	data.Batch = batch

	if _, err := svc.AdjustInventory(ctx, maker, AdjustInput{
		OrganizationID: data.Organizations["MANUF001"].ID,
		ProductID:      product.ID,
		BatchID:        batch.ID,
		Delta:          100,
		Reason:         "opening stock",
	}); err != nil {
		return SeedData{}, fmt.Errorf("seed inventory: %w", err)
	}
	return data, nil
}

func loadSeed(ctx context.Context, svc *Service) (SeedData, error) {
	data := SeedData{Organizations: map[string]Organization{}, Users: map[string]User{}}
	for _, code := range []string{"MANUF001", "CFA001", "STOCK001"} {
		o, err := svc.FindOrganizationByCode(ctx, code)
		if err != nil {
			return SeedData{}, err
		}
		data.Organizations[code] = o
	}
	for _, name := range []string{"admin", "manuf_user", "cfa_user", "stock_user"} {
		u, err := svc.FindUserByUsername(ctx, name)
		if err != nil {
			return SeedData{}, err
		}
		data.Users[name] = u
	}
	err := svc.view(ctx, func(v TransactionView) error {
		for _, p := range v.ListProducts() {
			if p.SKU == "PR-100" {
				data.Product = p
			}
		}
		for _, b := range v.ListBatches() {
			if b.ProductID == data.Product.ID && b.BatchNumber == "B-001" {
				data.Batch = b
			}
		}
		return nil
	})
	return data, err
}

func isNotFound(err error) bool {
	var nf domain.NotFoundError
	return errors.As(err, &nf)
}
