package engine

import (
	"fmt"
	"math"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// sweepFractions are the relative perturbations applied to each numeric
// feature: -50%, -25%, baseline, +25%, +50%.
var sweepFractions = []float64{-0.50, -0.25, 0, 0.25, 0.50}

// SensitivityAnalysis holds all other features fixed and sweeps each numeric
// feature (staff_count, infractions_history, kitchen_size) across a small
// set of representative values, recording the resulting posterior. The
// report exposes which inputs most influence the High-risk mass.
//
// Sweeps skip temporal adjustment so the deltas isolate the feature itself.
func (e *Engine) SensitivityAnalysis(fv api.FeatureVector) (api.SensitivityReport, error) {
	if err := fv.Validate(); err != nil {
		return api.SensitivityReport{}, err
	}

	params := e.snapshot()
	base, _ := params.posterior(fv)

	report := api.SensitivityReport{
		Base:     base,
		Features: make(map[string]map[string]api.Distribution, 3),
	}

	staff := make(map[string]api.Distribution, len(sweepFractions))
	for _, frac := range sweepFractions {
		v := perturbInt(fv.StaffCount, frac)
		probe := fv
		probe.StaffCount = v
		dist, _ := params.posterior(probe)
		staff[fmt.Sprintf("%d", v)] = dist
	}
	report.Features["staff_count"] = staff

	infractions := make(map[string]api.Distribution, len(sweepFractions))
	for _, frac := range sweepFractions {
		v := perturbInt(fv.InfractionsHistory, frac)
		probe := fv
		probe.InfractionsHistory = v
		dist, _ := params.posterior(probe)
		infractions[fmt.Sprintf("%d", v)] = dist
	}
	report.Features["infractions_history"] = infractions

	kitchen := make(map[string]api.Distribution, len(sweepFractions))
	for _, frac := range sweepFractions {
		v := fv.KitchenSize * (1 + frac)
		if v <= 0 {
			v = 1
		}
		probe := fv
		probe.KitchenSize = v
		dist, _ := params.posterior(probe)
		kitchen[fmt.Sprintf("%.1f", v)] = dist
	}
	report.Features["kitchen_size"] = kitchen

	return report, nil
}

// perturbInt applies a relative perturbation to an integer feature,
// rounding away from the baseline so ±25% of small counts still moves.
func perturbInt(v int, frac float64) int {
	if frac == 0 {
		return v
	}
	delta := float64(v) * frac
	perturbed := v + int(math.Round(delta))
	if perturbed == v {
		if frac > 0 {
			perturbed = v + 1
		} else if v > 0 {
			perturbed = v - 1
		}
	}
	if perturbed < 0 {
		perturbed = 0
	}
	return perturbed
}
