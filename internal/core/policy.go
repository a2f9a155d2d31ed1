package core

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"

	"pharmachain/pkg/domain"
)

// Counterpart names how the organization on the other side of a request's
// transfer is resolved.
type Counterpart string

const (
	// CounterpartParent resolves to the target organization's parent.
	CounterpartParent Counterpart = "parent"
	// CounterpartInitiator resolves to the initiator's organization.
	CounterpartInitiator Counterpart = "initiator"
)

// RequestPolicy configures the approval workflow of one request type.
type RequestPolicy struct {
	RequiredSteps  int                   `json:"required_steps"`
	StepRoles      map[int][]domain.Role `json:"step_roles"`
	InitiatorRoles []domain.Role         `json:"initiator_roles"`
	Counterpart    Counterpart           `json:"counterpart"`
}

// CanApprove reports whether role may record the given step.
func (p RequestPolicy) CanApprove(step int, role domain.Role) bool {
	return slices.Contains(p.StepRoles[step], role)
}

// CanInitiate reports whether role may create requests of this type.
func (p RequestPolicy) CanInitiate(role domain.Role) bool {
	return slices.Contains(p.InitiatorRoles, role)
}

// Policy is the data-driven workflow configuration.
type Policy struct {
	Types map[domain.RequestType]RequestPolicy `json:"types"`
}

// DefaultPolicy returns the two-step dispatch, one-step return policy.
func DefaultPolicy() Policy {
	initiators := []domain.Role{domain.RoleStockist, domain.RoleCFA, domain.RoleAdmin}
	return Policy{Types: map[domain.RequestType]RequestPolicy{
		domain.RequestDispatch: {
			RequiredSteps: 2,
			StepRoles: map[int][]domain.Role{
				1: {domain.RoleCFA, domain.RoleManufacturer, domain.RoleAdmin},
				2: {domain.RoleManufacturer, domain.RoleAdmin},
			},
			InitiatorRoles: initiators,
			Counterpart:    CounterpartParent,
		},
		domain.RequestReturn: {
			RequiredSteps: 1,
			StepRoles: map[int][]domain.Role{
				1: {domain.RoleCFA, domain.RoleManufacturer, domain.RoleAdmin},
			},
			InitiatorRoles: initiators,
			Counterpart:    CounterpartParent,
		},
	}}
}

// For returns the policy of request type t.
func (p Policy) For(t domain.RequestType) (RequestPolicy, error) {
	rp, ok := p.Types[t]
	if !ok {
		return RequestPolicy{}, domain.ValidationError{Field: "type", Message: fmt.Sprintf("no workflow policy for request type %q", t)}
	}
	return rp, nil
}

// Validate checks that every configured type is complete.
func (p Policy) Validate() error {
	if len(p.Types) == 0 {
		return fmt.Errorf("policy defines no request types")
	}
	for t, rp := range p.Types {
		if t != domain.RequestDispatch && t != domain.RequestReturn {
			return fmt.Errorf("policy: unknown request type %q", t)
		}
		if rp.RequiredSteps < 1 {
			return fmt.Errorf("policy %s: required_steps must be at least 1", t)
		}
		for step := 1; step <= rp.RequiredSteps; step++ {
			if len(rp.StepRoles[step]) == 0 {
				return fmt.Errorf("policy %s: no roles for step %d", t, step)
			}
		}
		if len(rp.InitiatorRoles) == 0 {
			return fmt.Errorf("policy %s: no initiator roles", t)
		}
		switch rp.Counterpart {
		case CounterpartParent, CounterpartInitiator:
		default:
			return fmt.Errorf("policy %s: unknown counterpart %q", t, rp.Counterpart)
		}
	}
	return nil
}

// LoadPolicy decodes and validates a JSON policy.
func LoadPolicy(r io.Reader) (Policy, error) {
	var p Policy
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&p); err != nil {
		return Policy{}, fmt.Errorf("decode policy: %w", err)
	}
	if err := p.Validate(); err != nil {
		return Policy{}, err
	}
	return p, nil
}

// LoadPolicyFile reads a JSON policy from path. An empty path yields the
// default policy.
func LoadPolicyFile(path string) (Policy, error) {
	if path == "" {
		return DefaultPolicy(), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return Policy{}, fmt.Errorf("open policy: %w", err)
	}
	defer func() { _ = f.Close() }()
	return LoadPolicy(f)
}

// counterpart resolves the organization across the transfer from target.
func (p RequestPolicy) counterpart(view TransactionView, initiatorOrgID string, target Organization) (Organization, error) {
	var id string
	switch p.Counterpart {
	case CounterpartInitiator:
		id = initiatorOrgID
	default:
		if target.ParentID == nil {
			return Organization{}, domain.ValidationError{Field: "target_org_id", Message: fmt.Sprintf("organization %s has no parent to transfer with", target.Code)}
		}
		id = *target.ParentID
	}
	if id == target.ID {
		return Organization{}, domain.ValidationError{Field: "target_org_id", Message: "counterpart resolves to the target organization"}
	}
	org, ok := view.FindOrganization(id)
	if !ok {
		return Organization{}, domain.NotFoundError{Entity: EntityOrganization, ID: id}
	}
	return org, nil
}
