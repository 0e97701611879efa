package engine

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

func TestSaveLoadModel_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.json")
	ctx := context.Background()

	trained := newTestEngine()
	if _, err := trained.Calibrate(separableDS()); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	if err := trained.SaveModel(path); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}

	loaded := newTestEngine()
	if err := loaded.LoadModel(path); err != nil {
		t.Fatalf("LoadModel failed: %v", err)
	}
	if loaded.State() != StateCalibrated {
		t.Errorf("Loaded engine state: got %s, want %s", loaded.State(), StateCalibrated)
	}

	// Both engines must predict identically.
	fv := api.FeatureVector{
		CuisineType: "Sushi", StaffCount: 20, InfractionsHistory: 4,
		KitchenSize: 60, Region: "montreal",
	}
	want, err := trained.PredictRiskLevel(ctx, fv)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}
	got, err := loaded.PredictRiskLevel(ctx, fv)
	if err != nil {
		t.Fatalf("PredictRiskLevel failed: %v", err)
	}

	if got.RiskLevel != want.RiskLevel {
		t.Errorf("Loaded model predicts %s, trained predicts %s", got.RiskLevel, want.RiskLevel)
	}
	for _, level := range api.RiskLevels {
		if math.Abs(got.Probabilities[level]-want.Probabilities[level]) > 1e-12 {
			t.Errorf("Posterior %s differs after round trip: %.8f vs %.8f",
				level, got.Probabilities[level], want.Probabilities[level])
		}
	}
}

func TestLoadModel_MissingFile(t *testing.T) {
	eng := newTestEngine()
	err := eng.LoadModel(filepath.Join(t.TempDir(), "absent.json"))
	if err == nil {
		t.Fatal("Expected error for missing file")
	}
	if errors.Is(err, ErrCorruptModel) {
		t.Error("Missing file is an I/O failure, not corruption")
	}
}

func TestLoadModel_Corrupt(t *testing.T) {
	dir := t.TempDir()

	// Start from a valid blob, then break it in targeted ways.
	trained := newTestEngine()
	if _, err := trained.Calibrate(separableDS()); err != nil {
		t.Fatalf("Calibrate failed: %v", err)
	}
	goodPath := filepath.Join(dir, "good.json")
	if err := trained.SaveModel(goodPath); err != nil {
		t.Fatalf("SaveModel failed: %v", err)
	}
	goodData, err := os.ReadFile(goodPath)
	if err != nil {
		t.Fatal(err)
	}

	corrupt := func(t *testing.T, mutate func(map[string]any)) string {
		t.Helper()
		var blob map[string]any
		if err := json.Unmarshal(goodData, &blob); err != nil {
			t.Fatal(err)
		}
		mutate(blob)
		data, err := json.Marshal(blob)
		if err != nil {
			t.Fatal(err)
		}
		path := filepath.Join(t.TempDir(), "bad.json")
		if err := os.WriteFile(path, data, 0600); err != nil {
			t.Fatal(err)
		}
		return path
	}

	tests := []struct {
		name   string
		mutate func(map[string]any)
	}{
		{
			name:   "wrong_schema",
			mutate: func(b map[string]any) { b["schema"] = "another-model" },
		},
		{
			name:   "wrong_version",
			mutate: func(b map[string]any) { b["version"] = "99" },
		},
		{
			name: "missing_feature_table",
			mutate: func(b map[string]any) {
				delete(b["features"].(map[string]any), FeatureCuisine)
			},
		},
		{
			name: "tampered_probability",
			mutate: func(b map[string]any) {
				baseline := b["baseline"].(map[string]any)
				baseline["High"] = 0.99 // breaks both sum-to-one and checksum
			},
		},
		{
			name:   "checksum_mismatch",
			mutate: func(b map[string]any) { b["checksum"] = "deadbeef" },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eng := newTestEngine()
			err := eng.LoadModel(corrupt(t, tt.mutate))
			if !errors.Is(err, ErrCorruptModel) {
				t.Errorf("Expected ErrCorruptModel, got %v", err)
			}
			// A rejected blob must leave the engine usable on defaults.
			if eng.State() != StateUninitialized {
				t.Errorf("Rejected load changed state to %s", eng.State())
			}
		})
	}

	malformed := filepath.Join(dir, "malformed.json")
	if err := os.WriteFile(malformed, []byte("{truncated"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := newTestEngine().LoadModel(malformed); !errors.Is(err, ErrCorruptModel) {
		t.Errorf("Malformed JSON: expected ErrCorruptModel, got %v", err)
	}
}
