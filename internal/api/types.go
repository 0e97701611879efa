package api

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// RiskLevel is the categorical sanitary-risk outcome.
type RiskLevel string

const (
	RiskLow    RiskLevel = "Low"
	RiskMedium RiskLevel = "Medium"
	RiskHigh   RiskLevel = "High"
)

// RiskLevels lists all levels in ascending severity order.
// Severity ordering is used for reporting and conservative tie-breaking only,
// never inside the probability math.
var RiskLevels = []RiskLevel{RiskLow, RiskMedium, RiskHigh}

// Severity returns the rank of the level (Low=0, Medium=1, High=2).
func (r RiskLevel) Severity() int {
	switch r {
	case RiskMedium:
		return 1
	case RiskHigh:
		return 2
	default:
		return 0
	}
}

// ParseRiskLevel normalizes a raw label into a RiskLevel.
func ParseRiskLevel(s string) (RiskLevel, error) {
	switch strings.TrimSpace(strings.ToLower(s)) {
	case "low":
		return RiskLow, nil
	case "medium":
		return RiskMedium, nil
	case "high":
		return RiskHigh, nil
	}
	return "", fmt.Errorf("unknown risk level: %q", s)
}

// Distribution maps each risk level to its probability mass.
type Distribution map[RiskLevel]float64

// DistributionTolerance is the floating tolerance for sum-to-one checks.
const DistributionTolerance = 1e-6

// Normalize rescales the distribution in place so its mass sums to 1.
// A zero-mass distribution is left untouched.
func (d Distribution) Normalize() {
	total := 0.0
	for _, p := range d {
		total += p
	}
	if total <= 0 {
		return
	}
	for level, p := range d {
		d[level] = p / total
	}
}

// Valid reports whether the distribution covers every risk level and sums
// to 1 within DistributionTolerance.
func (d Distribution) Valid() bool {
	total := 0.0
	for _, level := range RiskLevels {
		p, ok := d[level]
		if !ok || p < 0 || p > 1 {
			return false
		}
		total += p
	}
	return math.Abs(total-1.0) <= DistributionTolerance
}

// Clone returns an independent copy.
func (d Distribution) Clone() Distribution {
	out := make(Distribution, len(d))
	for level, p := range d {
		out[level] = p
	}
	return out
}

// ArgMax returns the level holding the largest mass. When two levels are
// within DistributionTolerance of the max, the higher-severity level wins.
func (d Distribution) ArgMax() (RiskLevel, float64) {
	best := RiskLow
	bestP := math.Inf(-1)
	for _, level := range RiskLevels {
		p := d[level]
		if p > bestP+DistributionTolerance {
			best, bestP = level, p
		} else if math.Abs(p-bestP) <= DistributionTolerance && level.Severity() > best.Severity() {
			best, bestP = level, p
		}
	}
	return best, bestP
}

// Entropy returns the Shannon entropy of the distribution normalized by
// log(number of levels), so the result lies in [0, 1].
func (d Distribution) Entropy() float64 {
	h := 0.0
	for _, p := range d {
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h / math.Log(float64(len(RiskLevels)))
}

// FeatureVector holds one restaurant's observed attributes. It is an
// immutable input to prediction; the engine never stores it.
type FeatureVector struct {
	CuisineType        string     `json:"cuisine_type"`
	StaffCount         int        `json:"staff_count"`
	InfractionsHistory int        `json:"infractions_history"`
	KitchenSize        float64    `json:"kitchen_size"`
	Region             string     `json:"region"`
	InspectionDate     *time.Time `json:"inspection_date,omitempty"`
}

// Validate performs basic structural validation.
func (f *FeatureVector) Validate() error {
	if strings.TrimSpace(f.CuisineType) == "" {
		return fmt.Errorf("cuisine_type is required")
	}
	if f.StaffCount < 0 {
		return fmt.Errorf("staff_count must be non-negative")
	}
	if f.InfractionsHistory < 0 {
		return fmt.Errorf("infractions_history must be non-negative")
	}
	if f.KitchenSize <= 0 {
		return fmt.Errorf("kitchen_size must be positive")
	}
	if strings.TrimSpace(f.Region) == "" {
		return fmt.Errorf("region is required")
	}
	return nil
}

// Prediction is the outcome of a risk prediction.
type Prediction struct {
	RequestID     string       `json:"request_id,omitempty"`
	RiskLevel     RiskLevel    `json:"risk_level"`
	Confidence    float64      `json:"confidence"`
	Probabilities Distribution `json:"probabilities"`
	ImpactFactor  float64      `json:"impact_factor,omitempty"`
	Degraded      bool         `json:"degraded"`
	Note          string       `json:"note,omitempty"`
	ComputedAt    time.Time    `json:"computed_at"`
}

// ConfidenceReport wraps a prediction with qualitative confidence signals.
type ConfidenceReport struct {
	Prediction      Prediction `json:"prediction"`
	ConfidenceLevel string     `json:"confidence_level"`
	Uncertainty     float64    `json:"uncertainty"`
}

// FeatureImpact describes how one input feature pushed the prediction.
type FeatureImpact struct {
	Feature string `json:"feature"`
	Value   string `json:"value"`
	Impact  string `json:"impact"` // "concerning", "elevated", "neutral", "favorable"
	Detail  string `json:"detail,omitempty"`
}

// Explanation is the full explain() result.
type Explanation struct {
	Prediction Prediction      `json:"prediction"`
	Impacts    []FeatureImpact `json:"impacts"`
	Summary    string          `json:"summary"`
}

// CalibrationMetrics carries the standard multiclass metrics produced by an
// in-sample calibration pass. Precision/recall/F1 are macro-averaged over
// {Low, Medium, High}; an unseen class contributes 0.0 rather than NaN.
type CalibrationMetrics struct {
	Accuracy        float64                         `json:"accuracy"`
	PrecisionMacro  float64                         `json:"precision_macro"`
	RecallMacro     float64                         `json:"recall_macro"`
	F1Macro         float64                         `json:"f1_macro"`
	ConfusionMatrix map[RiskLevel]map[RiskLevel]int `json:"confusion_matrix"`
	NumSamples      int                             `json:"num_samples"`
}

// CrossValidationReport aggregates k-fold evaluation results.
type CrossValidationReport struct {
	NumFolds     int                  `json:"num_folds"`
	Seed         int64                `json:"seed"`
	MeanAccuracy float64              `json:"mean_accuracy"`
	StdAccuracy  float64              `json:"std_accuracy"`
	FoldMetrics  []CalibrationMetrics `json:"fold_metrics"`
}

// SensitivityReport maps numeric feature name → swept value label →
// resulting posterior distribution, plus the unperturbed baseline.
type SensitivityReport struct {
	Base     Distribution                       `json:"base_prediction"`
	Features map[string]map[string]Distribution `json:"features"`
}

// RegulationRecord is one regulatory change with its effective date and
// multiplicative impact weight (1.0 = neutral, >1.0 amplifies risk).
type RegulationRecord struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	EffectiveDate time.Time `json:"effective_date"`
	Description   string    `json:"description,omitempty"`
	ImpactWeight  float64   `json:"impact_weight"`
}
