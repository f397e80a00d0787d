// Package budget picks the budget policy that sets an employee's points for
// a period.
package budget

import (
	"time"

	"github.com/warp/benefits-engine/condition"
)

// Policy grants PointsAmount points per period to employees matching
// TargetFilter. A nil TargetFilter targets everyone.
type Policy struct {
	ID           string
	TenantID     string
	Name         string
	IsActive     bool
	TargetFilter condition.Condition
	PointsAmount int64
	CreatedAt    time.Time
}

// Active returns the active policies, preserving order.
func Active(policies []Policy) []Policy {
	out := make([]Policy, 0, len(policies))
	for _, p := range policies {
		if p.IsActive {
			out = append(out, p)
		}
	}
	return out
}

// Resolve returns the active matching policy with the largest PointsAmount.
// On a tie the first policy encountered wins. The bool is false when no
// policy applies; that is not an error.
func Resolve(p condition.Profile, policies []Policy) (Policy, bool) {
	var (
		best  Policy
		found bool
	)
	for _, pol := range policies {
		if !pol.IsActive || !condition.Evaluate(p, pol.TargetFilter) {
			continue
		}
		if !found || pol.PointsAmount > best.PointsAmount {
			best = pol
			found = true
		}
	}
	return best, found
}
