package core

import "pharmachain/pkg/domain"

// NewDefaultRulesEngine builds a rules engine with the built-in invariant set.
func NewDefaultRulesEngine() *RulesEngine {
	engine := domain.NewRulesEngine()
	engine.Register(NewUniqueIndexRule())
	engine.Register(NewOrganizationTreeRule())
	engine.Register(NewBatchDatesRule())
	engine.Register(NewInventoryNonNegativeRule())
	engine.Register(NewRequestItemsRule())
	return engine
}

func blockViolation(rule string, entity EntityType, id, message string) domain.Violation {
	return domain.Violation{
		Rule:     rule,
		Severity: domain.SeverityBlock,
		Message:  message,
		Entity:   entity,
		EntityID: id,
	}
}

// touched reports whether changes contain a create or update of entity.
func touched(changes []Change, entity EntityType) bool {
	for _, c := range changes {
		if c.Entity == entity && c.After != nil {
			return true
		}
	}
	return false
}
