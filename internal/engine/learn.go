package engine

import (
	"fmt"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/dataset"
)

// recordValue extracts the tracked categorical value of a feature from a
// labeled record, applying the same normalization and banding as
// prediction so learned tables and lookups agree.
func recordValue(rec dataset.Record, feature string) string {
	switch feature {
	case FeatureCuisine:
		return NormalizeCuisine(rec.CuisineType)
	case FeatureRegion:
		return NormalizeRegion(rec.Region)
	case FeatureStaff:
		return StaffBand(rec.StaffCount)
	case FeatureInfractions:
		return InfractionBand(rec.InfractionsHistory)
	case FeatureKitchen:
		return KitchenBand(rec.KitchenSize)
	}
	return ""
}

// empiricalTable computes per-value risk distributions and observation
// counts for one feature.
func empiricalTable(ds dataset.Dataset, feature string) (PriorTable, map[string]int) {
	counts := make(map[string]map[api.RiskLevel]int)
	totals := make(map[string]int)
	for _, rec := range ds {
		v := recordValue(rec, feature)
		if v == "" {
			continue
		}
		if counts[v] == nil {
			counts[v] = make(map[api.RiskLevel]int)
		}
		counts[v][rec.RiskLevel]++
		totals[v]++
	}

	table := make(PriorTable, len(counts))
	for v, levelCounts := range counts {
		dist := make(api.Distribution, len(api.RiskLevels))
		for _, level := range api.RiskLevels {
			dist[level] = float64(levelCounts[level]) / float64(totals[v])
		}
		table[v] = dist
	}
	return table, totals
}

// empiricalBaseline computes the overall risk distribution of the dataset.
func empiricalBaseline(ds dataset.Dataset) api.Distribution {
	counts := make(map[api.RiskLevel]int)
	for _, rec := range ds {
		counts[rec.RiskLevel]++
	}
	dist := make(api.Distribution, len(api.RiskLevels))
	for _, level := range api.RiskLevels {
		dist[level] = float64(counts[level]) / float64(ds.Len())
	}
	return dist
}

// learnFeature recomputes one feature's prior table wholesale from the
// dataset. Feature values absent from the dataset keep their existing
// (default or previously learned) rows, so unseen categories still degrade
// gracefully at prediction time.
func (e *Engine) learnFeature(ds dataset.Dataset, feature string) error {
	if ds.Len() == 0 {
		return fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	observed, _ := empiricalTable(ds, feature)

	next := e.snapshot().clone()
	table := next.Tables[feature]
	if table == nil {
		table = make(PriorTable)
		next.Tables[feature] = table
	}
	for v, dist := range observed {
		table[v] = dist
	}
	e.swap(next, StateCalibrated)

	e.log.Info("feature priors learned", "feature", feature,
		"values", len(observed), "samples", ds.Len())
	return nil
}

// LearnCuisineProbabilities recomputes the cuisine prior table from the
// dataset's empirical frequencies.
func (e *Engine) LearnCuisineProbabilities(ds dataset.Dataset) error {
	return e.learnFeature(ds, FeatureCuisine)
}

// LearnRegionProbabilities recomputes the region prior table.
func (e *Engine) LearnRegionProbabilities(ds dataset.Dataset) error {
	return e.learnFeature(ds, FeatureRegion)
}

// LearnAll recomputes every tracked feature table plus the baseline prior.
// This is the mechanism Calibrate builds on.
func (e *Engine) LearnAll(ds dataset.Dataset) error {
	if ds.Len() == 0 {
		return fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	next := e.snapshot().clone()
	learnInto(next, ds)
	e.swap(next, StateCalibrated)

	e.log.Info("all priors learned", "samples", ds.Len())
	return nil
}

// learnInto recomputes params wholesale from ds, preserving rows for values
// the dataset never shows.
func learnInto(params *parameters, ds dataset.Dataset) {
	params.Baseline = empiricalBaseline(ds)
	for _, feature := range trackedFeatures {
		observed, _ := empiricalTable(ds, feature)
		table := params.Tables[feature]
		if table == nil {
			table = make(PriorTable)
			params.Tables[feature] = table
		}
		for v, dist := range observed {
			table[v] = dist
		}
	}
}

// UpdatePriors blends newly observed frequencies into the existing priors
// instead of replacing them. For a feature value with n new observations
// the blend is (PriorStrength·old + n·observed) / (PriorStrength + n), so
// small batches refine rather than overwrite. Distinguishes this additive
// refinement from the wholesale Learn* operations.
func (e *Engine) UpdatePriors(ds dataset.Dataset) error {
	if ds.Len() == 0 {
		return fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	strength := e.cfg.PriorStrength
	next := e.snapshot().clone()

	// Baseline blends against the full batch size.
	observedBaseline := empiricalBaseline(ds)
	n := float64(ds.Len())
	for _, level := range api.RiskLevels {
		next.Baseline[level] = (strength*next.Baseline[level] + n*observedBaseline[level]) / (strength + n)
	}
	next.Baseline.Normalize()

	for _, feature := range trackedFeatures {
		observed, totals := empiricalTable(ds, feature)
		table := next.Tables[feature]
		if table == nil {
			table = make(PriorTable)
			next.Tables[feature] = table
		}
		for v, dist := range observed {
			nv := float64(totals[v])
			old, ok := table[v]
			if !ok {
				old = next.Baseline.Clone()
			}
			blended := make(api.Distribution, len(api.RiskLevels))
			for _, level := range api.RiskLevels {
				blended[level] = (strength*old[level] + nv*dist[level]) / (strength + nv)
			}
			blended.Normalize()
			table[v] = blended
		}
	}

	e.swap(next, StateCalibrated)
	e.log.Info("priors updated", "samples", ds.Len(), "prior_strength", strength)
	return nil
}
