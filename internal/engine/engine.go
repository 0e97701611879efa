package engine

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// Error taxonomy for the probability engine.
var (
	// ErrInsufficientData marks a probability query whose evidence set is
	// empty. Distinct from a legitimately-zero joint probability: callers
	// must not treat "no evidence" as "zero probability".
	ErrInsufficientData = errors.New("insufficient data for probability estimate")

	// ErrInvalidConfiguration marks out-of-range parameters such as a bad
	// fold count.
	ErrInvalidConfiguration = errors.New("invalid configuration")

	// ErrCorruptModel marks a persisted model blob whose structure does not
	// match the engine's expected schema.
	ErrCorruptModel = errors.New("corrupt model")
)

// Tracked categorical features. Numeric inputs are bucketed into bands
// before entering the naive combination, so every tracked feature is
// categorical at prediction time.
const (
	FeatureCuisine     = "cuisine_type"
	FeatureRegion      = "region"
	FeatureStaff       = "staff_band"
	FeatureInfractions = "infraction_band"
	FeatureKitchen     = "kitchen_band"
)

// trackedFeatures is the fixed feature set, in reporting order.
var trackedFeatures = []string{
	FeatureCuisine,
	FeatureRegion,
	FeatureStaff,
	FeatureInfractions,
	FeatureKitchen,
}

// PriorTable maps a categorical feature value to a risk distribution
// learned from historical data.
type PriorTable map[string]api.Distribution

// Clone returns a deep copy.
func (t PriorTable) Clone() PriorTable {
	out := make(PriorTable, len(t))
	for v, d := range t {
		out[v] = d.Clone()
	}
	return out
}

// State is the engine lifecycle state.
type State string

const (
	// StateUninitialized means the engine still runs on hand-authored
	// default priors. Predictions work but confidence is indicative only.
	StateUninitialized State = "uninitialized"

	// StateCalibrated means priors were derived from data.
	StateCalibrated State = "calibrated"
)

// parameters is the engine's full learned parameter set. It is replaced
// wholesale under the engine lock so concurrent readers observe either the
// fully-old or fully-new set, never a partial blend.
type parameters struct {
	Baseline api.Distribution
	Tables   map[string]PriorTable
}

func (p *parameters) clone() *parameters {
	tables := make(map[string]PriorTable, len(p.Tables))
	for f, t := range p.Tables {
		tables[f] = t.Clone()
	}
	return &parameters{Baseline: p.Baseline.Clone(), Tables: tables}
}

// Config tunes the engine.
type Config struct {
	// PriorStrength is the pseudo-count weighting existing priors against
	// new observations in UpdatePriors. With n new samples for a feature
	// value, the blend weight of the new data is n / (n + PriorStrength).
	PriorStrength float64

	// TemporalAdjustment enables date-aware reweighting through an
	// ImpactSource.
	TemporalAdjustment bool

	// HighConfidence and ModerateConfidence are the qualitative thresholds
	// on the winning posterior mass.
	HighConfidence     float64
	ModerateConfidence float64
}

// DefaultConfig returns the standard engine tuning.
func DefaultConfig() Config {
	return Config{
		PriorStrength:      10.0,
		TemporalAdjustment: true,
		HighConfidence:     0.6,
		ModerateConfidence: 0.4,
	}
}

// ImpactSource resolves a date into a cumulative regulatory impact factor.
// *regulation.Adapter satisfies it.
type ImpactSource interface {
	GetImpactFactor(ctx context.Context, date time.Time) (float64, error)
}

// Engine computes risk predictions from per-feature prior tables using a
// naive conditionally-independent combination, and learns those tables from
// labeled historical data.
//
// Reads take a snapshot of the parameter pointer; mutations recompute a new
// parameter set off-lock and swap it in atomically.
type Engine struct {
	mu     sync.RWMutex
	params *parameters
	state  State

	cfg     Config
	impacts ImpactSource
	log     *slog.Logger
}

// New creates an engine seeded with the hand-authored default priors.
func New(cfg Config, impacts ImpactSource, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	if cfg.PriorStrength <= 0 {
		cfg.PriorStrength = DefaultConfig().PriorStrength
	}
	if cfg.HighConfidence == 0 {
		cfg.HighConfidence = DefaultConfig().HighConfidence
	}
	if cfg.ModerateConfidence == 0 {
		cfg.ModerateConfidence = DefaultConfig().ModerateConfidence
	}
	return &Engine{
		params:  defaultParameters(),
		state:   StateUninitialized,
		cfg:     cfg,
		impacts: impacts,
		log:     log,
	}
}

// State returns the lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// snapshot returns the current parameter set for lock-free reading.
func (e *Engine) snapshot() *parameters {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.params
}

// swap installs a new parameter set. Held only for the pointer swap, never
// for the recomputation that precedes it.
func (e *Engine) swap(p *parameters, s State) {
	e.mu.Lock()
	e.params = p
	e.state = s
	e.mu.Unlock()
}

// defaultParameters builds the hand-authored priors used before any
// calibration: overall baseline 60/30/10 with per-feature tilts mirroring
// the historical Quebec inspection profile.
func defaultParameters() *parameters {
	baseline := api.Distribution{api.RiskLow: 0.60, api.RiskMedium: 0.30, api.RiskHigh: 0.10}

	return &parameters{
		Baseline: baseline,
		Tables: map[string]PriorTable{
			FeatureCuisine: {
				"Sushi":       api.Distribution{api.RiskLow: 0.30, api.RiskMedium: 0.40, api.RiskHigh: 0.30},
				"Fast Food":   api.Distribution{api.RiskLow: 0.50, api.RiskMedium: 0.35, api.RiskHigh: 0.15},
				"Fine Dining": api.Distribution{api.RiskLow: 0.70, api.RiskMedium: 0.25, api.RiskHigh: 0.05},
				"Bakery":      api.Distribution{api.RiskLow: 0.75, api.RiskMedium: 0.20, api.RiskHigh: 0.05},
				"BBQ":         api.Distribution{api.RiskLow: 0.55, api.RiskMedium: 0.30, api.RiskHigh: 0.15},
				"Other":       baseline.Clone(),
			},
			FeatureRegion: {
				"montreal": tilted(baseline, 0.05),
				"quebec":   baseline.Clone(),
				"laval":    tilted(baseline, 0.02),
				"gatineau": baseline.Clone(),
			},
			FeatureStaff: {
				StaffSmall:  tilted(baseline, -0.10),
				StaffMedium: baseline.Clone(),
				StaffLarge:  tilted(baseline, 0.15),
			},
			FeatureInfractions: {
				InfractionsNone: baseline.Clone(),
				InfractionsOne:  tilted(baseline, 0.15),
				InfractionsTwo:  tilted(baseline, 0.30),
				InfractionsFew:  tilted(baseline, 0.50),
				InfractionsMany: tilted(baseline, 0.70),
			},
			FeatureKitchen: {
				KitchenSmall:  tilted(baseline, -0.05),
				KitchenMedium: baseline.Clone(),
				KitchenLarge:  tilted(baseline, 0.10),
			},
		},
	}
}

// tilted shifts risk mass toward High (delta > 0) or toward Low (delta < 0)
// and renormalizes.
func tilted(base api.Distribution, delta float64) api.Distribution {
	d := base.Clone()
	d[api.RiskHigh] *= 1 + delta
	d[api.RiskLow] *= 1 - delta/2
	d.Normalize()
	return d
}

// Numeric feature bands.
const (
	StaffSmall  = "small"
	StaffMedium = "medium"
	StaffLarge  = "large"

	InfractionsNone = "none"
	InfractionsOne  = "one"
	InfractionsTwo  = "two"
	InfractionsFew  = "three"
	InfractionsMany = "four_plus"

	KitchenSmall  = "small"
	KitchenMedium = "medium"
	KitchenLarge  = "large"
)

// StaffBand buckets a staff count (≤5 small, 6–15 medium, >15 large).
func StaffBand(count int) string {
	switch {
	case count <= 5:
		return StaffSmall
	case count <= 15:
		return StaffMedium
	default:
		return StaffLarge
	}
}

// InfractionBand buckets an infraction count, capping at four.
func InfractionBand(count int) string {
	switch {
	case count <= 0:
		return InfractionsNone
	case count == 1:
		return InfractionsOne
	case count == 2:
		return InfractionsTwo
	case count == 3:
		return InfractionsFew
	default:
		return InfractionsMany
	}
}

// KitchenBand buckets a kitchen size in m² (<20 small, <50 medium, else large).
func KitchenBand(size float64) string {
	switch {
	case size < 20:
		return KitchenSmall
	case size < 50:
		return KitchenMedium
	default:
		return KitchenLarge
	}
}

// NormalizeCuisine canonicalizes a raw cuisine label (title case, trimmed).
func NormalizeCuisine(raw string) string {
	return strings.Title(strings.ToLower(strings.TrimSpace(raw)))
}

// NormalizeRegion canonicalizes a raw region label.
func NormalizeRegion(raw string) string {
	return strings.ToLower(strings.TrimSpace(raw))
}

// featureValues extracts the tracked categorical value of every feature.
func featureValues(fv api.FeatureVector) map[string]string {
	return map[string]string{
		FeatureCuisine:     NormalizeCuisine(fv.CuisineType),
		FeatureRegion:      NormalizeRegion(fv.Region),
		FeatureStaff:       StaffBand(fv.StaffCount),
		FeatureInfractions: InfractionBand(fv.InfractionsHistory),
		FeatureKitchen:     KitchenBand(fv.KitchenSize),
	}
}

// posterior combines the per-feature prior tables into a single normalized
// posterior. Features are treated as conditionally independent given the
// risk level: each observed feature value contributes the likelihood ratio
// of its conditional table against the baseline. Feature values without a
// learned row fall back to the cuisine "Other" row or contribute nothing.
//
// Returns degraded=true when no evidence could be applied or the combined
// mass collapsed to zero; the result is then the bare baseline prior.
func (p *parameters) posterior(fv api.FeatureVector) (api.Distribution, bool) {
	post := p.Baseline.Clone()
	values := featureValues(fv)
	applied := 0

	for _, feature := range trackedFeatures {
		table := p.Tables[feature]
		if table == nil {
			continue
		}
		dist, ok := table[values[feature]]
		if !ok && feature == FeatureCuisine {
			dist, ok = table["Other"]
		}
		if !ok {
			continue
		}
		for _, level := range api.RiskLevels {
			base := p.Baseline[level]
			if base > 0 {
				post[level] *= dist[level] / base
			}
		}
		applied++
	}

	total := 0.0
	for _, m := range post {
		total += m
	}
	if applied == 0 || total <= 0 {
		return p.Baseline.Clone(), true
	}
	post.Normalize()
	return post, false
}

// PredictRiskLevel predicts the most probable risk level with its posterior
// mass as confidence. When the feature vector carries an inspection date
// and temporal adjustment is enabled, the High-risk mass is multiplied by
// the cumulative regulatory impact factor before renormalizing.
//
// A prediction always returns a result: when evidence is missing the engine
// degrades to the baseline prior and marks the result accordingly.
func (e *Engine) PredictRiskLevel(ctx context.Context, fv api.FeatureVector) (api.Prediction, error) {
	if err := fv.Validate(); err != nil {
		return api.Prediction{}, err
	}

	params := e.snapshot()
	dist, degraded := params.posterior(fv)

	pred := api.Prediction{
		RequestID:  uuid.NewString(),
		Degraded:   degraded,
		ComputedAt: time.Now().UTC(),
	}
	if degraded {
		pred.Note = "insufficient evidence, fell back to baseline prior"
	}

	if e.cfg.TemporalAdjustment && e.impacts != nil && fv.InspectionDate != nil {
		factor, err := e.impacts.GetImpactFactor(ctx, *fv.InspectionDate)
		if err != nil {
			// Temporal adjustment is best-effort refinement.
			e.log.Warn("impact factor unavailable, prediction unadjusted", "error", err)
		} else {
			pred.ImpactFactor = factor
			dist[api.RiskHigh] *= factor
			dist.Normalize()
		}
	}

	level, confidence := dist.ArgMax()
	pred.RiskLevel = level
	pred.Confidence = confidence
	pred.Probabilities = dist
	return pred, nil
}

// PredictWithConfidence wraps PredictRiskLevel with qualitative confidence
// signals: a threshold-derived confidence level and the Shannon entropy of
// the posterior normalized by log(3).
func (e *Engine) PredictWithConfidence(ctx context.Context, fv api.FeatureVector) (api.ConfidenceReport, error) {
	pred, err := e.PredictRiskLevel(ctx, fv)
	if err != nil {
		return api.ConfidenceReport{}, err
	}

	level := "Low confidence"
	switch {
	case pred.Degraded:
		// Degraded predictions never report better than low confidence.
	case pred.Confidence >= e.cfg.HighConfidence:
		level = "High confidence"
	case pred.Confidence >= e.cfg.ModerateConfidence:
		level = "Moderate confidence"
	}

	return api.ConfidenceReport{
		Prediction:      pred,
		ConfidenceLevel: level,
		Uncertainty:     pred.Probabilities.Entropy(),
	}, nil
}

// stdDev computes the population standard deviation.
func stdDev(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	mean := 0.0
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))

	variance := 0.0
	for _, x := range xs {
		variance += (x - mean) * (x - mean)
	}
	return math.Sqrt(variance / float64(len(xs)))
}

// IsInsufficientData reports whether err marks an empty evidence set, for
// callers that need to branch on degraded queries.
func IsInsufficientData(err error) bool {
	return errors.Is(err, ErrInsufficientData)
}
