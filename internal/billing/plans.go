// Package billing keeps each account's plan in step with its subscription at
// the billing provider: checkout, event reconciliation, cancellation and the
// self-service portal.
package billing

import "rentaltrack/internal/types"

// PlanResolver maps provider price ids to plan tiers.
type PlanResolver interface {
	// Resolve returns the tier for priceID. Unknown or empty ids resolve to
	// PlanFree so an unrecognized price never grants a paid plan.
	Resolve(priceID string) types.PlanTier

	// PriceFor returns the configured price id for a paid tier.
	PriceFor(plan types.PlanTier) (string, bool)
}

// PriceTable is the configured price id per paid tier.
type PriceTable struct {
	Starter string
	Pro     string
}

// staticPlanResolver is an immutable lookup table built at startup.
type staticPlanResolver struct {
	byPrice map[string]types.PlanTier
	byPlan  map[types.PlanTier]string
}

// NewPlanResolver builds a PlanResolver from prices. Empty ids are skipped.
// The maps are private copies, so later changes to prices have no effect.
func NewPlanResolver(prices PriceTable) PlanResolver {
	r := &staticPlanResolver{
		byPrice: make(map[string]types.PlanTier, 2),
		byPlan:  make(map[types.PlanTier]string, 2),
	}
	for plan, priceID := range map[types.PlanTier]string{
		types.PlanStarter: prices.Starter,
		types.PlanPro:     prices.Pro,
	} {
		if priceID == "" {
			continue
		}
		r.byPrice[priceID] = plan
		r.byPlan[plan] = priceID
	}
	return r
}

func (r *staticPlanResolver) Resolve(priceID string) types.PlanTier {
	if plan, ok := r.byPrice[priceID]; ok {
		return plan
	}
	return types.PlanFree
}

func (r *staticPlanResolver) PriceFor(plan types.PlanTier) (string, bool) {
	priceID, ok := r.byPlan[plan]
	return priceID, ok
}
