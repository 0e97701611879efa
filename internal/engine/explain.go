package engine

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// Impact tags ordered from risk-raising to risk-lowering.
const (
	ImpactConcerning = "concerning"
	ImpactElevated   = "elevated"
	ImpactNeutral    = "neutral"
	ImpactFavorable  = "favorable"
)

// impactTag classifies how far a feature value's learned conditional
// distribution shifts High-risk mass away from the overall baseline.
func impactTag(dist, baseline api.Distribution) string {
	delta := dist[api.RiskHigh] - baseline[api.RiskHigh]
	switch {
	case delta >= 0.15:
		return ImpactConcerning
	case delta >= 0.05:
		return ImpactElevated
	case delta <= -0.05:
		return ImpactFavorable
	default:
		return ImpactNeutral
	}
}

// Explain produces the prediction together with a per-feature contribution
// list: every input feature, its observed value, and a qualitative impact
// tag derived from its conditional distribution's deviation from the
// baseline, plus a free-text summary.
func (e *Engine) Explain(ctx context.Context, fv api.FeatureVector) (api.Explanation, error) {
	pred, err := e.PredictRiskLevel(ctx, fv)
	if err != nil {
		return api.Explanation{}, err
	}

	params := e.snapshot()
	values := featureValues(fv)

	// Raw input rendering per feature, for the report.
	raw := map[string]string{
		FeatureCuisine:     fv.CuisineType,
		FeatureRegion:      fv.Region,
		FeatureStaff:       strconv.Itoa(fv.StaffCount),
		FeatureInfractions: strconv.Itoa(fv.InfractionsHistory),
		FeatureKitchen:     fmt.Sprintf("%.1f", fv.KitchenSize),
	}

	impacts := make([]api.FeatureImpact, 0, len(trackedFeatures))
	var concerning []string
	for _, feature := range trackedFeatures {
		table := params.Tables[feature]
		value := values[feature]

		tag := ImpactNeutral
		detail := ""
		dist, ok := table[value]
		if !ok && feature == FeatureCuisine {
			dist, ok = table["Other"]
			detail = "unseen cuisine, baseline profile applied"
		}
		if ok {
			tag = impactTag(dist, params.Baseline)
			if detail == "" {
				detail = fmt.Sprintf("High-risk mass %.0f%% vs baseline %.0f%%",
					dist[api.RiskHigh]*100, params.Baseline[api.RiskHigh]*100)
			}
		} else {
			detail = "no learned profile for this value"
		}

		if tag == ImpactConcerning || tag == ImpactElevated {
			concerning = append(concerning, feature)
		}
		impacts = append(impacts, api.FeatureImpact{
			Feature: feature,
			Value:   raw[feature],
			Impact:  tag,
			Detail:  detail,
		})
	}

	summary := fmt.Sprintf("Predicted %s risk with %.0f%% confidence.",
		pred.RiskLevel, pred.Confidence*100)
	switch len(concerning) {
	case 0:
		summary += " No individual feature pushes the risk above baseline."
	case 1:
		summary += fmt.Sprintf(" Driven mainly by %s.", concerning[0])
	default:
		summary += fmt.Sprintf(" Driven by %d features, led by %s.", len(concerning), concerning[0])
	}
	if pred.Degraded {
		summary += " Evidence was insufficient; the baseline prior was used."
	}

	return api.Explanation{
		Prediction: pred,
		Impacts:    impacts,
		Summary:    summary,
	}, nil
}
