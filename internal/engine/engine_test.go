package engine

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

func validVector() api.FeatureVector {
	return api.FeatureVector{
		CuisineType:        "Sushi",
		StaffCount:         8,
		InfractionsHistory: 1,
		KitchenSize:        35,
		Region:             "Montreal",
	}
}

func TestBands(t *testing.T) {
	staffTests := []struct {
		count int
		want  string
	}{
		{0, StaffSmall}, {5, StaffSmall}, {6, StaffMedium}, {15, StaffMedium}, {16, StaffLarge},
	}
	for _, tt := range staffTests {
		if got := StaffBand(tt.count); got != tt.want {
			t.Errorf("StaffBand(%d): got %s, want %s", tt.count, got, tt.want)
		}
	}

	infractionTests := []struct {
		count int
		want  string
	}{
		{0, InfractionsNone}, {1, InfractionsOne}, {2, InfractionsTwo},
		{3, InfractionsFew}, {4, InfractionsMany}, {9, InfractionsMany},
	}
	for _, tt := range infractionTests {
		if got := InfractionBand(tt.count); got != tt.want {
			t.Errorf("InfractionBand(%d): got %s, want %s", tt.count, got, tt.want)
		}
	}

	kitchenTests := []struct {
		size float64
		want string
	}{
		{10, KitchenSmall}, {19.9, KitchenSmall}, {20, KitchenMedium},
		{49.9, KitchenMedium}, {50, KitchenLarge}, {120, KitchenLarge},
	}
	for _, tt := range kitchenTests {
		if got := KitchenBand(tt.size); got != tt.want {
			t.Errorf("KitchenBand(%g): got %s, want %s", tt.size, got, tt.want)
		}
	}
}

func TestNormalizeCuisine(t *testing.T) {
	tests := []struct{ in, want string }{
		{"sushi", "Sushi"},
		{"FAST FOOD", "Fast Food"},
		{"  fine dining ", "Fine Dining"},
	}
	for _, tt := range tests {
		if got := NormalizeCuisine(tt.in); got != tt.want {
			t.Errorf("NormalizeCuisine(%q): got %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPredictRiskLevel_ValidDistribution(t *testing.T) {
	eng := newTestEngine()

	pred, err := eng.PredictRiskLevel(context.Background(), validVector())
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}

	if !pred.Probabilities.Valid() {
		t.Errorf("Posterior does not sum to 1: %+v", pred.Probabilities)
	}
	if pred.RequestID == "" {
		t.Error("Expected a request ID")
	}
	if pred.Confidence != pred.Probabilities[pred.RiskLevel] {
		t.Errorf("Confidence %.4f should equal winning mass %.4f",
			pred.Confidence, pred.Probabilities[pred.RiskLevel])
	}
	if pred.Degraded {
		t.Error("Default priors cover every band, prediction should not degrade")
	}
}

func TestPredictRiskLevel_RiskProfiles(t *testing.T) {
	eng := newTestEngine()
	ctx := context.Background()

	// Sushi place with a long infraction history looks High.
	risky := api.FeatureVector{
		CuisineType: "Sushi", StaffCount: 20, InfractionsHistory: 5,
		KitchenSize: 60, Region: "Montreal",
	}
	pred, err := eng.PredictRiskLevel(ctx, risky)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}
	if pred.RiskLevel != api.RiskHigh {
		t.Errorf("Risky profile: got %s (%.3f), want High", pred.RiskLevel, pred.Confidence)
	}

	// Small clean bakery looks Low.
	clean := api.FeatureVector{
		CuisineType: "Bakery", StaffCount: 2, InfractionsHistory: 0,
		KitchenSize: 12, Region: "Quebec",
	}
	pred, err = eng.PredictRiskLevel(ctx, clean)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}
	if pred.RiskLevel != api.RiskLow {
		t.Errorf("Clean profile: got %s (%.3f), want Low", pred.RiskLevel, pred.Confidence)
	}

	t.Logf("risky=%+v clean=%+v", pred.Probabilities, pred.Probabilities)
}

func TestPredictRiskLevel_UnknownCuisineFallsBackToOther(t *testing.T) {
	eng := newTestEngine()

	known := validVector()
	unknown := validVector()
	unknown.CuisineType = "Pho"

	knownPred, err := eng.PredictRiskLevel(context.Background(), known)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}
	unknownPred, err := eng.PredictRiskLevel(context.Background(), unknown)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}

	if unknownPred.Degraded {
		t.Error("Other-cuisine fallback is not a degraded prediction")
	}
	// Sushi carries more High mass than the neutral Other row.
	if unknownPred.Probabilities[api.RiskHigh] >= knownPred.Probabilities[api.RiskHigh] {
		t.Errorf("Other fallback High mass %.4f should sit below Sushi's %.4f",
			unknownPred.Probabilities[api.RiskHigh], knownPred.Probabilities[api.RiskHigh])
	}
}

func TestPredictRiskLevel_InvalidVector(t *testing.T) {
	eng := newTestEngine()

	fv := validVector()
	fv.CuisineType = ""
	if _, err := eng.PredictRiskLevel(context.Background(), fv); err == nil {
		t.Error("Expected validation error")
	}
}

func TestPosterior_DegradedWithoutEvidence(t *testing.T) {
	// A parameter set with no tables can apply no evidence: the posterior
	// falls back to the bare baseline and flags itself.
	params := &parameters{
		Baseline: api.Distribution{api.RiskLow: 0.6, api.RiskMedium: 0.3, api.RiskHigh: 0.1},
		Tables:   map[string]PriorTable{},
	}

	dist, degraded := params.posterior(validVector())
	if !degraded {
		t.Fatal("Expected degraded posterior")
	}
	for _, level := range api.RiskLevels {
		if dist[level] != params.Baseline[level] {
			t.Errorf("Degraded posterior should be the baseline, got %+v", dist)
		}
	}
}

// stubImpacts is a canned ImpactSource.
type stubImpacts struct {
	factor float64
	err    error
	calls  int
}

func (s *stubImpacts) GetImpactFactor(ctx context.Context, date time.Time) (float64, error) {
	s.calls++
	return s.factor, s.err
}

func TestPredictRiskLevel_TemporalAdjustment(t *testing.T) {
	impacts := &stubImpacts{factor: 1.32}
	eng := New(DefaultConfig(), impacts, nil)
	ctx := context.Background()

	fv := validVector()
	base, err := eng.PredictRiskLevel(ctx, fv)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}
	if impacts.calls != 0 {
		t.Fatal("No inspection date, impact source must not be consulted")
	}

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	fv.InspectionDate = &day
	adjusted, err := eng.PredictRiskLevel(ctx, fv)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}

	if adjusted.ImpactFactor != 1.32 {
		t.Errorf("Expected impact factor 1.32 on prediction, got %g", adjusted.ImpactFactor)
	}
	if !adjusted.Probabilities.Valid() {
		t.Errorf("Adjusted posterior does not sum to 1: %+v", adjusted.Probabilities)
	}
	if adjusted.Probabilities[api.RiskHigh] <= base.Probabilities[api.RiskHigh] {
		t.Errorf("Factor >1 should raise High mass: %.4f vs %.4f",
			adjusted.Probabilities[api.RiskHigh], base.Probabilities[api.RiskHigh])
	}
}

func TestPredictRiskLevel_ImpactErrorIsBestEffort(t *testing.T) {
	impacts := &stubImpacts{err: errors.New("store down")}
	eng := New(DefaultConfig(), impacts, nil)

	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)
	fv := validVector()
	fv.InspectionDate = &day

	pred, err := eng.PredictRiskLevel(context.Background(), fv)
	if err != nil {
		t.Fatalf("Impact failure must not fail the prediction: %v", err)
	}
	if pred.ImpactFactor != 0 {
		t.Errorf("Unadjusted prediction should carry no factor, got %g", pred.ImpactFactor)
	}
	if !pred.Probabilities.Valid() {
		t.Errorf("Posterior invalid: %+v", pred.Probabilities)
	}
}

func TestPredictWithConfidence(t *testing.T) {
	eng := newTestEngine()

	report, err := eng.PredictWithConfidence(context.Background(), validVector())
	if err != nil {
		t.Fatalf("PredictWithConfidence failed: %v", err)
	}

	switch report.ConfidenceLevel {
	case "High confidence", "Moderate confidence", "Low confidence":
	default:
		t.Errorf("Unexpected confidence level %q", report.ConfidenceLevel)
	}
	if report.Uncertainty < 0 || report.Uncertainty > 1 {
		t.Errorf("Normalized entropy out of [0,1]: %.4f", report.Uncertainty)
	}

	// Threshold agreement with the winning mass.
	cfg := DefaultConfig()
	want := "Low confidence"
	switch {
	case report.Prediction.Confidence >= cfg.HighConfidence:
		want = "High confidence"
	case report.Prediction.Confidence >= cfg.ModerateConfidence:
		want = "Moderate confidence"
	}
	if report.ConfidenceLevel != want {
		t.Errorf("Confidence %.3f labeled %q, want %q",
			report.Prediction.Confidence, report.ConfidenceLevel, want)
	}
}

func TestStdDev(t *testing.T) {
	if got := stdDev(nil); got != 0 {
		t.Errorf("stdDev(nil): got %g, want 0", got)
	}
	if got := stdDev([]float64{2, 2, 2}); got != 0 {
		t.Errorf("Constant series: got %g, want 0", got)
	}
	// Population std of {1,2,3,4} is sqrt(1.25).
	if got := stdDev([]float64{1, 2, 3, 4}); math.Abs(got-math.Sqrt(1.25)) > 1e-9 {
		t.Errorf("stdDev: got %g, want %g", got, math.Sqrt(1.25))
	}
}

func TestEngine_StateLifecycle(t *testing.T) {
	eng := newTestEngine()
	if eng.State() != StateUninitialized {
		t.Fatalf("Fresh engine state: got %s", eng.State())
	}

	if err := eng.LearnAll(historyDS()); err != nil {
		t.Fatalf("LearnAll failed: %v", err)
	}
	if eng.State() != StateCalibrated {
		t.Errorf("Post-learn state: got %s, want %s", eng.State(), StateCalibrated)
	}
}
