package domain

import "math/rand"

// names is the pool used for defaulted client and code labels.
var names = []string{
	"digital_dynamo",
	"futuristic_fusion",
	"optical_odyssey",
	"radiant_rocket",
	"super_sonic",
	"crystal_cruiser",
	"creative_cyber",
	"efficient_explorer",
	"virtual_venture",
	"nifty_navigator",
	"glorious_galaxy",
	"optimized_operations",
	"astonishing_adventure",
	"elegant_evolution",
	"smooth_symphony",
	"powerful_prodigy",
	"virtual_visionary",
	"sleek_sentinel",
	"energetic_explorer",
	"optimistic_odyssey",
	"fantastic_frontier",
	"digital_dominion",
	"efficient_evolution",
	"virtual_voyager",
	"nimble_navigator",
	"glorious_gateway",
	"astonishing_array",
	"elegant_enterprise",
	"sophisticated_symphony",
	"perfect_prodigy",
	"virtual_victory",
	"speedy_sentinel",
	"energetic_enterprise",
	"optimistic_optimizer",
	"futuristic_fortune",
	"dynamic_dynamo",
	"flawless_fusion",
	"optimal_odyssey",
	"radiant_realm",
	"superior_symphony",
	"crystal_crusader",
	"creative_computing",
	"efficient_exec",
	"virtual_vision",
	"nifty_network",
	"glorious_grid",
	"optimized_optimizer",
	"astonishing_accelerator",
	"elegant_explorer",
}

// RandomName picks a friendly label from the fixed pool. Uniqueness is
// enforced by the database, not here.
func RandomName() string {
	return names[rand.Intn(len(names))]
}
