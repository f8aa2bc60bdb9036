package handlers

import (
	"encoding/json"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Brownie44l1/medscan-api/internal/metrics"
	"github.com/Brownie44l1/medscan-api/internal/model"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// FileField is the multipart field carrying the uploaded image.
const FileField = "file"

// multipart parts beyond this are spooled to disk by net/http.
const formMemory = 8 << 20

type Handler struct {
	registry       *model.Registry
	metrics        *metrics.Metrics
	logger         *slog.Logger
	maxUploadBytes int64
}

func NewHandler(registry *model.Registry, m *metrics.Metrics, logger *slog.Logger, maxUploadBytes int64) *Handler {
	return &Handler{
		registry:       registry,
		metrics:        m,
		logger:         logger,
		maxUploadBytes: maxUploadBytes,
	}
}

// Routes builds the mux: one upload route per classifier plus the
// service endpoints, wrapped in CORS and request logging.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/models", h.Models)
	mux.HandleFunc("/models/{name}/tensor", h.PredictTensor)
	mux.Handle("/metrics", h.metrics.Handler())
	for _, c := range h.registry.Classifiers() {
		mux.HandleFunc(c.Route, h.PredictImage(c))
	}

	return enableCORS(h.logRequests(mux))
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"})
}

func (h *Handler) Models(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	names := h.registry.Names()
	infos := make([]model.Info, 0, len(names))
	for _, name := range names {
		if c, ok := h.registry.Lookup(name); ok {
			infos = append(infos, c.Info())
		}
	}
	writeJSON(w, infos)
}

// PredictImage serves a multipart upload for one classifier.
func (h *Handler) PredictImage(c *model.Classifier) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		if r.ContentLength > h.maxUploadBytes {
			http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes)
		if err := r.ParseMultipartForm(formMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				http.Error(w, "Upload too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "Failed to parse form", http.StatusBadRequest)
			return
		}

		file, header, err := r.FormFile(FileField)
		if err != nil {
			http.Error(w, "No image file provided. Use 'file' as the form field name", http.StatusBadRequest)
			return
		}
		defer file.Close()

		log := h.logger.With(slog.String("request_id", requestID(r)), slog.String("model", c.Name))
		log.Debug("received file", slog.String("filename", header.Filename), slog.Int64("size", header.Size))

		img, format, err := image.Decode(file)
		if err != nil {
			log.Error("image decode failed", slog.String("error", err.Error()))
			http.Error(w, "Prediction failed", http.StatusInternalServerError)
			return
		}

		log.Debug("decoded image",
			slog.String("format", format),
			slog.Int("width", img.Bounds().Dx()),
			slog.Int("height", img.Bounds().Dy()))

		start := time.Now()
		result, err := c.Classify(img)
		h.metrics.ObserveInference(c.Name, time.Since(start))
		if err != nil {
			log.Error("prediction failed", slog.String("error", err.Error()))
			http.Error(w, "Prediction failed", http.StatusInternalServerError)
			return
		}

		h.metrics.CountPrediction(c.Name, result.Label)
		writeJSON(w, result)
	}
}

// PredictTensor accepts an already preprocessed batch as JSON for the named
// model, skipping image decoding and resizing.
func (h *Handler) PredictTensor(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	c, ok := h.registry.Lookup(r.PathValue("name"))
	if !ok {
		http.Error(w, "Unknown model", http.StatusNotFound)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUploadBytes))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var req model.TensorRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	start := time.Now()
	result, err := c.ClassifyTensor(req.Image)
	h.metrics.ObserveInference(c.Name, time.Since(start))
	if err != nil {
		if errors.Is(err, model.ErrInputSize) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		h.logger.Error("prediction failed",
			slog.String("request_id", requestID(r)),
			slog.String("model", c.Name),
			slog.String("error", err.Error()))
		http.Error(w, "Prediction failed", http.StatusInternalServerError)
		return
	}

	h.metrics.CountPrediction(c.Name, result.Label)
	writeJSON(w, result)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
