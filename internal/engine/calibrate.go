package engine

import (
	"fmt"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/dataset"
)

// Calibrate re-derives all priors from the labeled dataset (the same
// mechanism as the Learn* operations), then evaluates the resulting
// predictor against that same set in-sample, producing standard multiclass
// metrics over {Low, Medium, High}.
func (e *Engine) Calibrate(ds dataset.Dataset) (api.CalibrationMetrics, error) {
	if ds.Len() == 0 {
		return api.CalibrationMetrics{}, fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}

	next := e.snapshot().clone()
	learnInto(next, ds)
	metrics := evaluate(next, ds)

	// Calibration is all-or-nothing: parameters swap only after the full
	// recomputation succeeded.
	e.swap(next, StateCalibrated)

	e.log.Info("model calibrated",
		"samples", ds.Len(),
		"accuracy", metrics.Accuracy,
		"f1_macro", metrics.F1Macro)
	return metrics, nil
}

// Evaluate scores the engine's current parameters against a labeled
// dataset without relearning anything. Useful for held-out evaluation of a
// loaded model.
func (e *Engine) Evaluate(ds dataset.Dataset) (api.CalibrationMetrics, error) {
	if ds.Len() == 0 {
		return api.CalibrationMetrics{}, fmt.Errorf("%w: empty dataset", ErrInsufficientData)
	}
	return evaluate(e.snapshot(), ds), nil
}

// evaluate scores params against a labeled dataset. Predictions here skip
// temporal adjustment so metrics describe the probability model itself.
func evaluate(params *parameters, ds dataset.Dataset) api.CalibrationMetrics {
	confusion := make(map[api.RiskLevel]map[api.RiskLevel]int, len(api.RiskLevels))
	for _, actual := range api.RiskLevels {
		confusion[actual] = make(map[api.RiskLevel]int, len(api.RiskLevels))
	}

	correct := 0
	for _, rec := range ds {
		dist, _ := params.posterior(rec.Features())
		predicted, _ := dist.ArgMax()
		confusion[rec.RiskLevel][predicted]++
		if predicted == rec.RiskLevel {
			correct++
		}
	}

	metrics := api.CalibrationMetrics{
		Accuracy:        float64(correct) / float64(ds.Len()),
		ConfusionMatrix: confusion,
		NumSamples:      ds.Len(),
	}

	// Macro-averaged precision/recall/F1. A class with no predictions (or
	// no true samples) contributes 0.0 rather than NaN.
	for _, class := range api.RiskLevels {
		tp := confusion[class][class]
		fp, fn := 0, 0
		for _, other := range api.RiskLevels {
			if other == class {
				continue
			}
			fp += confusion[other][class]
			fn += confusion[class][other]
		}

		precision, recall, f1 := 0.0, 0.0, 0.0
		if tp+fp > 0 {
			precision = float64(tp) / float64(tp+fp)
		}
		if tp+fn > 0 {
			recall = float64(tp) / float64(tp+fn)
		}
		if precision+recall > 0 {
			f1 = 2 * precision * recall / (precision + recall)
		}

		metrics.PrecisionMacro += precision
		metrics.RecallMacro += recall
		metrics.F1Macro += f1
	}
	k := float64(len(api.RiskLevels))
	metrics.PrecisionMacro /= k
	metrics.RecallMacro /= k
	metrics.F1Macro /= k

	return metrics
}
