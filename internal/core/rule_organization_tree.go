package core

import (
	"context"
	"fmt"

	"pharmachain/pkg/domain"
)

// NewOrganizationTreeRule keeps the organization hierarchy a tree: parents
// must exist and every parent chain must terminate.
func NewOrganizationTreeRule() domain.Rule {
	return organizationTreeRule{}
}

type organizationTreeRule struct{}

func (organizationTreeRule) Name() string { return "organization_tree" }

func (organizationTreeRule) Evaluate(_ context.Context, view domain.RuleView, changes []domain.Change) (domain.Result, error) {
	res := domain.Result{}
	for _, change := range changes {
		org, ok := change.After.(domain.Organization)
		if !ok || org.ParentID == nil {
			continue
		}
		if msg := walkParents(view, org); msg != "" {
			res.Violations = append(res.Violations, blockViolation("organization_tree", EntityOrganization, org.ID, msg))
		}
	}
	return res, nil
}

func walkParents(view domain.RuleView, org domain.Organization) string {
	visited := map[string]struct{}{org.ID: {}}
	current := org
	for current.ParentID != nil {
		parentID := *current.ParentID
		if _, loop := visited[parentID]; loop {
			return fmt.Sprintf("organization %s parent chain forms a cycle", org.Code)
		}
		parent, ok := view.FindOrganization(parentID)
		if !ok {
			return fmt.Sprintf("organization %s references missing parent %s", org.Code, parentID)
		}
		visited[parentID] = struct{}{}
		current = parent
	}
	return ""
}
