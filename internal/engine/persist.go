package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"
	"time"

	"github.com/mapaq-intel/sanirisk/internal/api"
)

// modelSchema identifies the persisted blob format.
const modelSchema = "sanirisk-model"

// modelVersion bumps on incompatible layout changes.
const modelVersion = "1"

// modelBlob is the self-describing persisted form of a calibrated model:
// the set of tracked feature names, their prior tables, and the baseline
// prior. The checksum covers the parameter payload so a loader can detect
// truncation or tampering before accepting it.
type modelBlob struct {
	Schema   string                `json:"schema"`
	Version  string                `json:"version"`
	SavedAt  time.Time             `json:"saved_at"`
	Checksum string                `json:"checksum"`
	Baseline api.Distribution      `json:"baseline"`
	Features map[string]PriorTable `json:"features"`
}

// payloadChecksum hashes the baseline and tables in deterministic order.
func payloadChecksum(baseline api.Distribution, features map[string]PriorTable) string {
	h := sha256.New()

	writeDist := func(d api.Distribution) {
		for _, level := range api.RiskLevels {
			fmt.Fprintf(h, "%s=%.12f;", level, d[level])
		}
	}

	writeDist(baseline)
	names := make([]string, 0, len(features))
	for name := range features {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "[%s]", name)
		table := features[name]
		values := make([]string, 0, len(table))
		for v := range table {
			values = append(values, v)
		}
		sort.Strings(values)
		for _, v := range values {
			fmt.Fprintf(h, "%s:", v)
			writeDist(table[v])
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SaveModel serializes the engine's full parameter set to path.
func (e *Engine) SaveModel(path string) error {
	params := e.snapshot()

	blob := modelBlob{
		Schema:   modelSchema,
		Version:  modelVersion,
		SavedAt:  time.Now().UTC(),
		Checksum: payloadChecksum(params.Baseline, params.Tables),
		Baseline: params.Baseline,
		Features: params.Tables,
	}

	data, err := json.MarshalIndent(blob, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal model: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write model: %w", err)
	}

	e.log.Info("model saved", "path", path, "checksum", blob.Checksum[:12])
	return nil
}

// LoadModel replaces the engine's parameters with a previously saved blob.
// The blob is validated against the engine's expected schema before it is
// accepted: a stale or foreign model must never be used silently. On
// success the engine transitions to the calibrated state.
func (e *Engine) LoadModel(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read model: %w", err)
	}

	var blob modelBlob
	if err := json.Unmarshal(data, &blob); err != nil {
		return fmt.Errorf("%w: %v", ErrCorruptModel, err)
	}
	if err := validateBlob(&blob); err != nil {
		return err
	}

	e.swap(&parameters{Baseline: blob.Baseline, Tables: blob.Features}, StateCalibrated)
	e.log.Info("model loaded", "path", path, "saved_at", blob.SavedAt)
	return nil
}

func validateBlob(blob *modelBlob) error {
	if blob.Schema != modelSchema {
		return fmt.Errorf("%w: schema %q, expected %q", ErrCorruptModel, blob.Schema, modelSchema)
	}
	if blob.Version != modelVersion {
		return fmt.Errorf("%w: version %q, expected %q", ErrCorruptModel, blob.Version, modelVersion)
	}

	// Tracked feature set must match exactly.
	if len(blob.Features) != len(trackedFeatures) {
		return fmt.Errorf("%w: %d feature tables, expected %d", ErrCorruptModel, len(blob.Features), len(trackedFeatures))
	}
	for _, feature := range trackedFeatures {
		if _, ok := blob.Features[feature]; !ok {
			return fmt.Errorf("%w: missing feature table %q", ErrCorruptModel, feature)
		}
	}

	if err := validateDist(blob.Baseline); err != nil {
		return fmt.Errorf("%w: baseline: %v", ErrCorruptModel, err)
	}
	for feature, table := range blob.Features {
		for v, dist := range table {
			if err := validateDist(dist); err != nil {
				return fmt.Errorf("%w: %s[%s]: %v", ErrCorruptModel, feature, v, err)
			}
		}
	}

	if sum := payloadChecksum(blob.Baseline, blob.Features); sum != blob.Checksum {
		return fmt.Errorf("%w: checksum mismatch", ErrCorruptModel)
	}
	return nil
}

// validateDist checks the risk-level key set and sum-to-one invariant.
func validateDist(d api.Distribution) error {
	if len(d) != len(api.RiskLevels) {
		return fmt.Errorf("distribution has %d levels, expected %d", len(d), len(api.RiskLevels))
	}
	total := 0.0
	for _, level := range api.RiskLevels {
		p, ok := d[level]
		if !ok {
			return fmt.Errorf("missing level %s", level)
		}
		if p < 0 || p > 1 {
			return fmt.Errorf("probability %.6f out of range for %s", p, level)
		}
		total += p
	}
	if math.Abs(total-1.0) > api.DistributionTolerance {
		return fmt.Errorf("distribution sums to %.8f", total)
	}
	return nil
}
