package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/engine"
	"github.com/mapaq-intel/sanirisk/internal/regulation"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()

	store := regulation.NewEmptyFileStore("")
	seed := []api.RegulationRecord{
		{ID: "reg-2023", Name: "Cold chain audit", EffectiveDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC), ImpactWeight: 1.2},
		{ID: "reg-2024", Name: "Allergen labeling", EffectiveDate: time.Date(2023, 7, 1, 0, 0, 0, 0, time.UTC), ImpactWeight: 1.1},
	}
	for _, rec := range seed {
		if err := store.Add(context.Background(), rec); err != nil {
			t.Fatalf("seed Add failed: %v", err)
		}
	}
	adapter, err := regulation.NewAdapter(store, nil)
	if err != nil {
		t.Fatalf("NewAdapter failed: %v", err)
	}

	eng := engine.New(engine.DefaultConfig(), adapter, nil)
	return New(eng, adapter, nil, nil, nil)
}

func doJSON(t *testing.T, h http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t)
	rec := doJSON(t, h.Router(), http.MethodGet, "/health", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body["status"] != "ok" || body["state"] != "uninitialized" {
		t.Errorf("Unexpected health body: %v", body)
	}
}

func TestPredict(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Router(), http.MethodPost, "/predict", api.FeatureVector{
		CuisineType: "Sushi", StaffCount: 8, InfractionsHistory: 2,
		KitchenSize: 35, Region: "Montreal",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var pred api.Prediction
	if err := json.Unmarshal(rec.Body.Bytes(), &pred); err != nil {
		t.Fatal(err)
	}
	if !pred.Probabilities.Valid() {
		t.Errorf("Posterior invalid: %+v", pred.Probabilities)
	}
	if pred.RequestID == "" {
		t.Error("Expected request ID")
	}
}

func TestPredict_ValidationError(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Router(), http.MethodPost, "/predict", api.FeatureVector{
		CuisineType: "", StaffCount: 8, KitchenSize: 35, Region: "Montreal",
	})
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", rec.Code)
	}
}

func TestPredict_TemporalAdjustment(t *testing.T) {
	h := newTestHandler(t)
	day := time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC)

	rec := doJSON(t, h.Router(), http.MethodPost, "/predict", api.FeatureVector{
		CuisineType: "Sushi", StaffCount: 8, InfractionsHistory: 2,
		KitchenSize: 35, Region: "Montreal", InspectionDate: &day,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var pred api.Prediction
	if err := json.Unmarshal(rec.Body.Bytes(), &pred); err != nil {
		t.Fatal(err)
	}
	// Both seeded regulations are in force: 1.2 * 1.1.
	if pred.ImpactFactor < 1.319 || pred.ImpactFactor > 1.321 {
		t.Errorf("Expected impact factor 1.32, got %g", pred.ImpactFactor)
	}
}

func TestPredictBatch(t *testing.T) {
	h := newTestHandler(t)

	body := map[string]any{"items": []api.FeatureVector{
		{CuisineType: "Sushi", StaffCount: 8, InfractionsHistory: 2, KitchenSize: 35, Region: "Montreal"},
		{CuisineType: "Bakery", StaffCount: 2, InfractionsHistory: 0, KitchenSize: 12, Region: "Quebec"},
	}}
	rec := doJSON(t, h.Router(), http.MethodPost, "/predict/batch", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		Predictions []api.Prediction `json:"predictions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Predictions) != 2 {
		t.Fatalf("Expected 2 predictions, got %d", len(resp.Predictions))
	}

	empty := doJSON(t, h.Router(), http.MethodPost, "/predict/batch", map[string]any{"items": []api.FeatureVector{}})
	if empty.Code != http.StatusBadRequest {
		t.Errorf("Empty batch: expected 400, got %d", empty.Code)
	}
}

func TestExplainEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Router(), http.MethodPost, "/explain", api.FeatureVector{
		CuisineType: "Sushi", StaffCount: 20, InfractionsHistory: 4,
		KitchenSize: 60, Region: "Montreal",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var exp api.Explanation
	if err := json.Unmarshal(rec.Body.Bytes(), &exp); err != nil {
		t.Fatal(err)
	}
	if len(exp.Impacts) == 0 || exp.Summary == "" {
		t.Errorf("Explanation incomplete: %+v", exp)
	}
}

func trainingBody(n int) map[string]any {
	type row struct {
		api.FeatureVector
		RiskLevel string `json:"risk_level"`
	}
	var records []row
	for i := 0; i < n; i++ {
		records = append(records,
			row{api.FeatureVector{CuisineType: "Sushi", StaffCount: 20, InfractionsHistory: 4, KitchenSize: 60, Region: "montreal"}, "High"},
			row{api.FeatureVector{CuisineType: "Bakery", StaffCount: 2, InfractionsHistory: 0, KitchenSize: 10, Region: "quebec"}, "Low"},
			row{api.FeatureVector{CuisineType: "Pizza", StaffCount: 10, InfractionsHistory: 1, KitchenSize: 30, Region: "laval"}, "Medium"},
		)
	}
	return map[string]any{"records": records}
}

func TestCalibrateEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Router(), http.MethodPost, "/calibrate", trainingBody(3))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var metrics api.CalibrationMetrics
	if err := json.Unmarshal(rec.Body.Bytes(), &metrics); err != nil {
		t.Fatal(err)
	}
	if metrics.Accuracy != 1.0 {
		t.Errorf("Separable training data: expected accuracy 1.0, got %.4f", metrics.Accuracy)
	}
	if metrics.NumSamples != 9 {
		t.Errorf("Expected 9 samples, got %d", metrics.NumSamples)
	}

	// Empty dataset maps to 422.
	empty := doJSON(t, h.Router(), http.MethodPost, "/calibrate", map[string]any{"records": []any{}})
	if empty.Code != http.StatusUnprocessableEntity {
		t.Errorf("Empty calibrate: expected 422, got %d", empty.Code)
	}
}

func TestCrossValidateEndpoint(t *testing.T) {
	h := newTestHandler(t)

	body := trainingBody(3)
	body["n_folds"] = 3
	body["seed"] = int64(42)
	rec := doJSON(t, h.Router(), http.MethodPost, "/crossvalidate", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var report api.CrossValidationReport
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.NumFolds != 3 || len(report.FoldMetrics) != 3 {
		t.Errorf("Report shape wrong: %+v", report)
	}

	// Bad fold count maps to 400.
	bad := trainingBody(1)
	bad["n_folds"] = 50
	rec = doJSON(t, h.Router(), http.MethodPost, "/crossvalidate", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Oversized folds: expected 400, got %d", rec.Code)
	}
}

func TestModelSaveLoadEndpoints(t *testing.T) {
	h := newTestHandler(t)
	path := filepath.Join(t.TempDir(), "model.json")

	if rec := doJSON(t, h.Router(), http.MethodPost, "/calibrate", trainingBody(3)); rec.Code != http.StatusOK {
		t.Fatalf("Calibrate failed: %d", rec.Code)
	}
	if rec := doJSON(t, h.Router(), http.MethodPost, "/model/save", map[string]string{"path": path}); rec.Code != http.StatusOK {
		t.Fatalf("Save failed: %d", rec.Code)
	}
	if rec := doJSON(t, h.Router(), http.MethodPost, "/model/load", map[string]string{"path": path}); rec.Code != http.StatusOK {
		t.Fatalf("Load failed: %d", rec.Code)
	}

	// Missing path rejected up front.
	if rec := doJSON(t, h.Router(), http.MethodPost, "/model/save", map[string]string{}); rec.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for missing path, got %d", rec.Code)
	}
}

func TestRegulationEndpoints(t *testing.T) {
	h := newTestHandler(t)
	router := h.Router()

	rec := doJSON(t, router, http.MethodGet, "/regulations", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("List failed: %d", rec.Code)
	}
	var list struct {
		Regulations []api.RegulationRecord `json:"regulations"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Regulations) != 2 {
		t.Fatalf("Expected 2 seeded regulations, got %d", len(list.Regulations))
	}

	rec = doJSON(t, router, http.MethodGet, "/regulations/reg-2023", nil)
	if rec.Code != http.StatusOK {
		t.Errorf("Get by ID failed: %d", rec.Code)
	}
	rec = doJSON(t, router, http.MethodGet, "/regulations/reg-1999", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("Unknown ID: expected 404, got %d", rec.Code)
	}

	// Add a new regulation.
	add := map[string]any{
		"id": "reg-2025", "name": "Grease trap inspection",
		"effective_date": "2025-01-01", "impact_weight": 1.05,
	}
	rec = doJSON(t, router, http.MethodPost, "/regulations", add)
	if rec.Code != http.StatusCreated {
		t.Fatalf("Add: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	// Duplicate ID conflicts.
	rec = doJSON(t, router, http.MethodPost, "/regulations", add)
	if rec.Code != http.StatusConflict {
		t.Errorf("Duplicate: expected 409, got %d", rec.Code)
	}

	// Non-positive weight rejected.
	bad := map[string]any{
		"id": "reg-bad", "name": "X", "effective_date": "2025-01-01", "impact_weight": -1.0,
	}
	rec = doJSON(t, router, http.MethodPost, "/regulations", bad)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Invalid weight: expected 400, got %d", rec.Code)
	}

	// Update an existing one.
	upd := map[string]any{
		"name": "Cold chain audit v2", "effective_date": "2023-01-01", "impact_weight": 1.25,
	}
	rec = doJSON(t, router, http.MethodPut, "/regulations/reg-2023", upd)
	if rec.Code != http.StatusOK {
		t.Errorf("Update: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestImpactFactorEndpoint(t *testing.T) {
	h := newTestHandler(t)

	rec := doJSON(t, h.Router(), http.MethodGet, "/regulations/impact?date=2024-01-01", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Date         string  `json:"date"`
		ImpactFactor float64 `json:"impact_factor"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.ImpactFactor < 1.319 || body.ImpactFactor > 1.321 {
		t.Errorf("Expected 1.32, got %g", body.ImpactFactor)
	}

	rec = doJSON(t, h.Router(), http.MethodGet, "/regulations/impact?date=15-03-2024", nil)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("Malformed date: expected 400, got %d", rec.Code)
	}
}

func TestRateLimiting(t *testing.T) {
	store := regulation.NewEmptyFileStore("")
	adapter, err := regulation.NewAdapter(store, nil)
	if err != nil {
		t.Fatal(err)
	}
	eng := engine.New(engine.DefaultConfig(), adapter, nil)

	// One token, no refill within the test window.
	limiter := rate.NewLimiter(rate.Every(time.Hour), 1)
	h := New(eng, adapter, nil, limiter, nil)
	router := h.Router()

	fv := api.FeatureVector{CuisineType: "Sushi", StaffCount: 8, InfractionsHistory: 1, KitchenSize: 35, Region: "Montreal"}
	if rec := doJSON(t, router, http.MethodPost, "/predict", fv); rec.Code != http.StatusOK {
		t.Fatalf("First request: expected 200, got %d", rec.Code)
	}
	if rec := doJSON(t, router, http.MethodPost, "/predict", fv); rec.Code != http.StatusTooManyRequests {
		t.Errorf("Second request: expected 429, got %d", rec.Code)
	}

	// Unlimited routes stay unthrottled.
	if rec := doJSON(t, router, http.MethodGet, "/health", nil); rec.Code != http.StatusOK {
		t.Errorf("Health should bypass the limiter, got %d", rec.Code)
	}
}
