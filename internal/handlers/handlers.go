// Package handlers maps HTTP requests to engine and adapter calls and
// serializes results to JSON.
package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/mapaq-intel/sanirisk/internal/api"
	"github.com/mapaq-intel/sanirisk/internal/dataset"
	"github.com/mapaq-intel/sanirisk/internal/engine"
	"github.com/mapaq-intel/sanirisk/internal/metrics"
	"github.com/mapaq-intel/sanirisk/internal/regulation"
)

const serviceVersion = "1.0"

// Handler wires the engine and regulation adapter to the HTTP surface.
type Handler struct {
	engine  *engine.Engine
	adapter *regulation.Adapter
	metrics *metrics.Metrics
	limiter *rate.Limiter
	log     *slog.Logger
}

// New creates a handler set.
func New(eng *engine.Engine, adapter *regulation.Adapter, m *metrics.Metrics, limiter *rate.Limiter, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{engine: eng, adapter: adapter, metrics: m, limiter: limiter, log: log}
}

// Router builds the service route table.
func (h *Handler) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(h.traceMiddleware)

	r.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	r.HandleFunc("/predict", h.rateLimited(h.Predict)).Methods(http.MethodPost)
	r.HandleFunc("/predict/confidence", h.rateLimited(h.PredictWithConfidence)).Methods(http.MethodPost)
	r.HandleFunc("/predict/batch", h.rateLimited(h.PredictBatch)).Methods(http.MethodPost)
	r.HandleFunc("/explain", h.rateLimited(h.Explain)).Methods(http.MethodPost)

	r.HandleFunc("/calibrate", h.Calibrate).Methods(http.MethodPost)
	r.HandleFunc("/crossvalidate", h.CrossValidate).Methods(http.MethodPost)
	r.HandleFunc("/sensitivity", h.Sensitivity).Methods(http.MethodPost)

	r.HandleFunc("/model/save", h.SaveModel).Methods(http.MethodPost)
	r.HandleFunc("/model/load", h.LoadModel).Methods(http.MethodPost)

	r.HandleFunc("/regulations", h.ListRegulations).Methods(http.MethodGet)
	r.HandleFunc("/regulations", h.AddRegulation).Methods(http.MethodPost)
	r.HandleFunc("/regulations/impact", h.ImpactFactor).Methods(http.MethodGet)
	r.HandleFunc("/regulations/{id}", h.GetRegulation).Methods(http.MethodGet)
	r.HandleFunc("/regulations/{id}", h.UpdateRegulation).Methods(http.MethodPut)

	return r
}

// traceMiddleware opens a span per request.
func (h *Handler) traceMiddleware(next http.Handler) http.Handler {
	tracer := otel.Tracer("sanirisk/handlers")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := tracer.Start(r.Context(), r.Method+" "+r.URL.Path)
		span.SetAttributes(attribute.String("http.method", r.Method))
		defer span.End()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// rateLimited guards the prediction surface with a token bucket.
func (h *Handler) rateLimited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.limiter != nil && !h.limiter.Allow() {
			h.writeError(w, r, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	if h.metrics != nil {
		h.metrics.RequestErrors.WithLabelValues(r.URL.Path).Inc()
	}
	h.log.Warn("request failed", "path", r.URL.Path, "status", status, "error", err)
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

// statusFor maps the error taxonomy to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, regulation.ErrDuplicateRegulation):
		return http.StatusConflict
	case errors.Is(err, regulation.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, regulation.ErrInvalidWeight),
		errors.Is(err, engine.ErrInvalidConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrInsufficientData):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrCorruptModel),
		errors.Is(err, regulation.ErrCorruptConfiguration):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// Health reports service status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "sanirisk",
		"version": serviceVersion,
		"state":   string(h.engine.State()),
	})
}

func (h *Handler) decodeFeatures(w http.ResponseWriter, r *http.Request) (api.FeatureVector, bool) {
	var fv api.FeatureVector
	if err := json.NewDecoder(r.Body).Decode(&fv); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return fv, false
	}
	if err := fv.Validate(); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return fv, false
	}
	return fv, true
}

// Predict serves a point risk prediction.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	fv, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}

	start := time.Now()
	pred, err := h.engine.PredictRiskLevel(r.Context(), fv)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.observePrediction("predict", pred, start)
	h.writeJSON(w, http.StatusOK, pred)
}

// PredictWithConfidence serves a prediction with qualitative confidence.
func (h *Handler) PredictWithConfidence(w http.ResponseWriter, r *http.Request) {
	fv, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}

	start := time.Now()
	report, err := h.engine.PredictWithConfidence(r.Context(), fv)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.observePrediction("predict_confidence", report.Prediction, start)
	h.writeJSON(w, http.StatusOK, report)
}

type batchRequest struct {
	Items []api.FeatureVector `json:"items"`
}

type batchResponse struct {
	Predictions []api.Prediction `json:"predictions"`
}

// PredictBatch scores a batch of feature vectors in request order.
func (h *Handler) PredictBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if len(req.Items) == 0 {
		h.writeError(w, r, http.StatusBadRequest, errors.New("items is empty"))
		return
	}

	start := time.Now()
	resp := batchResponse{Predictions: make([]api.Prediction, 0, len(req.Items))}
	for i, fv := range req.Items {
		if err := fv.Validate(); err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("item "+strconv.Itoa(i)+": "+err.Error()))
			return
		}
		pred, err := h.engine.PredictRiskLevel(r.Context(), fv)
		if err != nil {
			h.writeError(w, r, statusFor(err), err)
			return
		}
		h.observePrediction("predict_batch", pred, start)
		resp.Predictions = append(resp.Predictions, pred)
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Explain serves a prediction with per-feature impact attribution.
func (h *Handler) Explain(w http.ResponseWriter, r *http.Request) {
	fv, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}

	start := time.Now()
	explanation, err := h.engine.Explain(r.Context(), fv)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.observePrediction("explain", explanation.Prediction, start)
	h.writeJSON(w, http.StatusOK, explanation)
}

func (h *Handler) observePrediction(op string, pred api.Prediction, start time.Time) {
	if h.metrics == nil {
		return
	}
	h.metrics.PredictionsTotal.WithLabelValues(string(pred.RiskLevel)).Inc()
	if pred.Degraded {
		h.metrics.PredictionsDegraded.Inc()
	}
	h.metrics.PredictionLatency.WithLabelValues(op).Observe(float64(time.Since(start).Microseconds()) / 1000.0)
}

// labeledRecord is the wire form of one labeled training row.
type labeledRecord struct {
	api.FeatureVector
	RiskLevel string `json:"risk_level"`
}

type trainingRequest struct {
	Records []labeledRecord `json:"records"`
	NFolds  int             `json:"n_folds,omitempty"`
	Seed    int64           `json:"seed,omitempty"`
}

func (h *Handler) decodeDataset(w http.ResponseWriter, r *http.Request) (dataset.Dataset, trainingRequest, bool) {
	var req trainingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return nil, req, false
	}

	ds := make(dataset.Dataset, 0, len(req.Records))
	for i, rec := range req.Records {
		level, err := api.ParseRiskLevel(rec.RiskLevel)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("record "+strconv.Itoa(i)+": "+err.Error()))
			return nil, req, false
		}
		ds = append(ds, dataset.Record{
			CuisineType:        rec.CuisineType,
			StaffCount:         rec.StaffCount,
			InfractionsHistory: rec.InfractionsHistory,
			KitchenSize:        rec.KitchenSize,
			Region:             rec.Region,
			RiskLevel:          level,
			InspectionDate:     rec.InspectionDate,
		})
	}
	return ds, req, true
}

// Calibrate re-derives priors from the submitted labeled records and
// returns in-sample metrics.
func (h *Handler) Calibrate(w http.ResponseWriter, r *http.Request) {
	ds, _, ok := h.decodeDataset(w, r)
	if !ok {
		return
	}

	result, err := h.engine.Calibrate(ds)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	if h.metrics != nil {
		h.metrics.CalibrationsTotal.Inc()
		h.metrics.CalibrationAccuracy.Set(result.Accuracy)
	}
	h.writeJSON(w, http.StatusOK, result)
}

// CrossValidate runs seeded k-fold evaluation.
func (h *Handler) CrossValidate(w http.ResponseWriter, r *http.Request) {
	ds, req, ok := h.decodeDataset(w, r)
	if !ok {
		return
	}
	if req.NFolds == 0 {
		req.NFolds = 5
	}

	report, err := h.engine.CrossValidate(ds, req.NFolds, req.Seed)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// Sensitivity sweeps numeric features around the submitted vector.
func (h *Handler) Sensitivity(w http.ResponseWriter, r *http.Request) {
	fv, ok := h.decodeFeatures(w, r)
	if !ok {
		return
	}

	report, err := h.engine.SensitivityAnalysis(fv)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type modelPathRequest struct {
	Path string `json:"path"`
}

// SaveModel persists the current parameter set.
func (h *Handler) SaveModel(w http.ResponseWriter, r *http.Request) {
	var req modelPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	if err := h.engine.SaveModel(req.Path); err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "path": req.Path})
}

// LoadModel replaces the parameter set from a saved blob. A corrupt blob
// fails loudly and leaves the current parameters untouched.
func (h *Handler) LoadModel(w http.ResponseWriter, r *http.Request) {
	var req modelPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Path == "" {
		h.writeError(w, r, http.StatusBadRequest, errors.New("path is required"))
		return
	}
	if err := h.engine.LoadModel(req.Path); err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "path": req.Path})
}

// ListRegulations returns the full regulation timeline.
func (h *Handler) ListRegulations(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.RegulationLookups.Inc()
	}
	timeline, err := h.adapter.GetTimeline(r.Context())
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"regulations": timeline})
}

// GetRegulation returns one regulation by ID.
func (h *Handler) GetRegulation(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.RegulationLookups.Inc()
	}
	rec, err := h.adapter.GetRegulation(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// regulationRequest is the wire form of a regulation mutation.
type regulationRequest struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	EffectiveDate string  `json:"effective_date"`
	Description   string  `json:"description,omitempty"`
	ImpactWeight  float64 `json:"impact_weight"`
}

func (req *regulationRequest) toRecord() (api.RegulationRecord, error) {
	date, err := time.Parse("2006-01-02", req.EffectiveDate)
	if err != nil {
		return api.RegulationRecord{}, errors.New("effective_date must be YYYY-MM-DD")
	}
	return api.RegulationRecord{
		ID:            req.ID,
		Name:          req.Name,
		EffectiveDate: date,
		Description:   req.Description,
		ImpactWeight:  req.ImpactWeight,
	}, nil
}

// AddRegulation inserts a new regulation.
func (h *Handler) AddRegulation(w http.ResponseWriter, r *http.Request) {
	var req regulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	rec, err := req.toRecord()
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.adapter.AddRegulation(r.Context(), rec); err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	if h.metrics != nil {
		h.metrics.RegulationMutations.Inc()
	}
	h.writeJSON(w, http.StatusCreated, rec)
}

// UpdateRegulation replaces an existing regulation.
func (h *Handler) UpdateRegulation(w http.ResponseWriter, r *http.Request) {
	var req regulationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	req.ID = mux.Vars(r)["id"]
	rec, err := req.toRecord()
	if err != nil {
		h.writeError(w, r, http.StatusBadRequest, err)
		return
	}
	if err := h.adapter.UpdateRegulation(r.Context(), rec); err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	if h.metrics != nil {
		h.metrics.RegulationMutations.Inc()
	}
	h.writeJSON(w, http.StatusOK, rec)
}

// ImpactFactor resolves the cumulative impact factor for ?date=YYYY-MM-DD
// (today when omitted).
func (h *Handler) ImpactFactor(w http.ResponseWriter, r *http.Request) {
	if h.metrics != nil {
		h.metrics.RegulationLookups.Inc()
	}

	date := time.Now()
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			h.writeError(w, r, http.StatusBadRequest, errors.New("date must be YYYY-MM-DD"))
			return
		}
		date = parsed
	}

	factor, err := h.adapter.GetImpactFactor(r.Context(), date)
	if err != nil {
		h.writeError(w, r, statusFor(err), err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"date":          date.Format("2006-01-02"),
		"impact_factor": factor,
	})
}
