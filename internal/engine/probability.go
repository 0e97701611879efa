package engine

import (
	"fmt"
	"strconv"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/dataset"
)

// Queryable dataset columns.
const (
	ColumnCuisine     = "cuisine_type"
	ColumnStaff       = "staff_count"
	ColumnInfractions = "infractions_history"
	ColumnKitchen     = "kitchen_size"
	ColumnRegion      = "region"
	ColumnRiskLevel   = "risk_level"
)

// columnValue stringifies a record field for event matching.
func columnValue(rec dataset.Record, column string) (string, error) {
	switch column {
	case ColumnCuisine:
		return rec.CuisineType, nil
	case ColumnStaff:
		return strconv.Itoa(rec.StaffCount), nil
	case ColumnInfractions:
		return strconv.Itoa(rec.InfractionsHistory), nil
	case ColumnKitchen:
		return strconv.FormatFloat(rec.KitchenSize, 'g', -1, 64), nil
	case ColumnRegion:
		return rec.Region, nil
	case ColumnRiskLevel:
		return string(rec.RiskLevel), nil
	}
	return "", fmt.Errorf("%w: unknown column %q", ErrInvalidConfiguration, column)
}

// countMatching counts rows where every listed column equals its value.
func countMatching(ds dataset.Dataset, events map[string]string) (int, error) {
	count := 0
	for _, rec := range ds {
		match := true
		for column, value := range events {
			v, err := columnValue(rec, column)
			if err != nil {
				return 0, err
			}
			if v != value {
				match = false
				break
			}
		}
		if match {
			count++
		}
	}
	return count, nil
}

// ConditionalProbability computes P(A|B) over the dataset: the fraction of
// rows with columnA=eventA among rows with columnB=eventB. An empty
// conditioning set fails with ErrInsufficientData — "no evidence" must stay
// distinguishable from "zero probability".
func (e *Engine) ConditionalProbability(eventA, eventB string, ds dataset.Dataset, columnA, columnB string) (float64, error) {
	if ds.Len() == 0 {
		return 0, fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	countB, err := countMatching(ds, map[string]string{columnB: eventB})
	if err != nil {
		return 0, err
	}
	if countB == 0 {
		return 0, fmt.Errorf("%w: no rows with %s=%q", ErrInsufficientData, columnB, eventB)
	}

	countAB, err := countMatching(ds, map[string]string{columnA: eventA, columnB: eventB})
	if err != nil {
		return 0, err
	}
	return float64(countAB) / float64(countB), nil
}

// BayesTheorem computes the posterior P(H|E) = P(E|H)·P(H) / P(E) with the
// marginal P(E) taken over the dataset. Fails with ErrInsufficientData when
// P(E) is zero (the posterior is undefined).
func (e *Engine) BayesTheorem(hypothesis, evidence string, ds dataset.Dataset, hypothesisCol, evidenceCol string) (float64, error) {
	n := ds.Len()
	if n == 0 {
		return 0, fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	countH, err := countMatching(ds, map[string]string{hypothesisCol: hypothesis})
	if err != nil {
		return 0, err
	}
	countE, err := countMatching(ds, map[string]string{evidenceCol: evidence})
	if err != nil {
		return 0, err
	}
	if countE == 0 {
		return 0, fmt.Errorf("%w: P(%s=%q) = 0", ErrInsufficientData, evidenceCol, evidence)
	}

	probH := float64(countH) / float64(n)
	probE := float64(countE) / float64(n)

	probEgivenH := 0.0
	if countH > 0 {
		countEH, err := countMatching(ds, map[string]string{hypothesisCol: hypothesis, evidenceCol: evidence})
		if err != nil {
			return 0, err
		}
		probEgivenH = float64(countEH) / float64(countH)
	}

	return probEgivenH * probH / probE, nil
}

// JointProbability computes the fraction of rows matching every
// column→value pair simultaneously. Unlike the conditional case, 0.0 is a
// valid result here: absence of co-occurrence is itself information.
func (e *Engine) JointProbability(events map[string]string, ds dataset.Dataset) (float64, error) {
	if ds.Len() == 0 {
		return 0, fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}
	if len(events) == 0 {
		return 0, fmt.Errorf("%w: no events given", ErrInvalidConfiguration)
	}

	count, err := countMatching(ds, events)
	if err != nil {
		return 0, err
	}
	return float64(count) / float64(ds.Len()), nil
}

// ProbabilityMatrix builds the normalized contingency table
// P(risk level | column value) over the dataset. Every returned row sums to
// 1.0; values with zero observations are omitted rather than zero-filled.
func (e *Engine) ProbabilityMatrix(ds dataset.Dataset, column string) (map[string]api.Distribution, error) {
	if ds.Len() == 0 {
		return nil, fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	counts := make(map[string]map[api.RiskLevel]int)
	for _, rec := range ds {
		v, err := columnValue(rec, column)
		if err != nil {
			return nil, err
		}
		if counts[v] == nil {
			counts[v] = make(map[api.RiskLevel]int)
		}
		counts[v][rec.RiskLevel]++
	}

	matrix := make(map[string]api.Distribution, len(counts))
	for v, levelCounts := range counts {
		total := 0
		for _, c := range levelCounts {
			total += c
		}
		dist := make(api.Distribution, len(api.RiskLevels))
		for _, level := range api.RiskLevels {
			dist[level] = float64(levelCounts[level]) / float64(total)
		}
		matrix[v] = dist
	}
	return matrix, nil
}
