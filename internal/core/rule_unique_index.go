package core

import (
	"context"
	"fmt"
	"strings"

	"pharmachain/pkg/domain"
)

// NewUniqueIndexRule enforces the unique keys of the data model: organization
// code, username, product sku, batch number per product and approval step per
// request. Inventory keys are unique by construction of their ids.
func NewUniqueIndexRule() domain.Rule {
	return uniqueIndexRule{}
}

type uniqueIndexRule struct{}

func (uniqueIndexRule) Name() string { return "unique_index" }

func (r uniqueIndexRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	if touched(changes, EntityOrganization) {
		seen := make(map[string]string)
		for _, o := range view.ListOrganizations() {
			r.check(&res, seen, EntityOrganization, o.ID, strings.ToUpper(o.Code), "organization code "+o.Code)
		}
	}
	if touched(changes, EntityUser) {
		seen := make(map[string]string)
		for _, u := range view.ListUsers() {
			r.check(&res, seen, EntityUser, u.ID, strings.ToLower(u.Username), "username "+u.Username)
		}
	}
	if touched(changes, EntityProduct) {
		seen := make(map[string]string)
		for _, p := range view.ListProducts() {
			r.check(&res, seen, EntityProduct, p.ID, strings.ToUpper(p.SKU), "sku "+p.SKU)
		}
	}
	if touched(changes, EntityBatch) {
		seen := make(map[string]string)
		for _, b := range view.ListBatches() {
			r.check(&res, seen, EntityBatch, b.ID, b.ProductID+"|"+b.BatchNumber, "batch number "+b.BatchNumber)
		}
	}
	requests := make(map[string]struct{})
	for _, c := range changes {
		if a, ok := c.After.(domain.Approval); ok {
			requests[a.RequestID] = struct{}{}
		}
	}
	for requestID := range requests {
		seen := make(map[string]string)
		for _, a := range view.ListApprovals(requestID) {
			r.check(&res, seen, EntityApproval, a.ID, domain.ApprovalKey(requestID, a.Step), fmt.Sprintf("approval step %d of request %s", a.Step, requestID))
		}
	}
	return res, nil
}

func (uniqueIndexRule) check(res *domain.Result, seen map[string]string, entity EntityType, id, key, label string) {
	if key == "" || strings.HasSuffix(key, "|") {
		return
	}
	if other, dup := seen[key]; dup && other != id {
		res.Violations = append(res.Violations, blockViolation("unique_index", entity, id, label+" already exists"))
		return
	}
	seen[key] = id
}
