package handlers

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"github.com/Brownie44l1/medscan-api/internal/config"
	"github.com/Brownie44l1/medscan-api/internal/metrics"
	"github.com/Brownie44l1/medscan-api/internal/model"
	"github.com/stretchr/testify/require"
)

var (
	brainLabels = []string{"glioma", "meningioma", "notumor", "pituitary"}
	skinLabels  = []string{"Acne", "Eczema", "Psoriasis", "Melanoma", "BCC", "Nevus"}
	oralLabels  = []string{"CANCER", "NON CANCER"}
)

// meanModel derives a deterministic distribution from the mean pixel value
// so different images can land on different classes.
type meanModel struct {
	classes int
}

func (m meanModel) Run(input []float32) (model.Output, error) {
	var sum float64
	for _, v := range input {
		sum += float64(v)
	}
	mean := sum / float64(len(input))

	probs := make([]float32, m.classes)
	winner := int(mean) % m.classes
	rest := float32(0.2) / float32(m.classes-1)
	for i := range probs {
		probs[i] = rest
	}
	probs[winner] = 0.8
	return model.Output{{Name: "probs", Shape: []int64{1, int64(m.classes)}, Data: probs}}, nil
}

func (m meanModel) Close() error { return nil }

func newTestServer(t *testing.T, maxUpload int64) http.Handler {
	t.Helper()
	dir := t.TempDir()
	models := map[string]config.ModelConfig{
		"brain": {Route: "/predict", Labels: brainLabels},
		"skin":  {Route: "/predict/skin", Labels: skinLabels},
		"oral":  {Route: "/predict/oral", Labels: oralLabels},
	}
	for name, mc := range models {
		mc.Path = filepath.Join(dir, name+".onnx")
		mc.ImageSize = config.DefaultImageSize
		mc.Layout = config.LayoutNHWC
		require.NoError(t, os.WriteFile(mc.Path, []byte("onnx"), 0o644))
		models[name] = mc
	}

	registry, err := model.LoadRegistry(models, func(name string, mc config.ModelConfig) (model.Model, error) {
		return meanModel{classes: len(mc.Labels)}, nil
	})
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewHandler(registry, metrics.New(), logger, maxUpload).Routes()
}

func pngImage(t *testing.T, w, h int, fill color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, path, field string, content []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile(field, "scan.png")
	require.NoError(t, err)
	_, err = fw.Write(content)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decodePrediction(t *testing.T, rec *httptest.ResponseRecorder) model.Prediction {
	t.Helper()
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var p model.Prediction
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &p))
	return p
}

func TestPredictEndpoints(t *testing.T) {
	srv := newTestServer(t, 10<<20)

	tests := []struct {
		path   string
		labels []string
	}{
		{"/predict", brainLabels},
		{"/predict/skin", skinLabels},
		{"/predict/oral", oralLabels},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			for _, fill := range []color.Color{color.White, color.Black, color.RGBA{R: 90, G: 30, B: 200, A: 255}} {
				rec := httptest.NewRecorder()
				srv.ServeHTTP(rec, uploadRequest(t, tt.path, FileField, pngImage(t, 300, 180, fill)))

				p := decodePrediction(t, rec)
				require.True(t, slices.Contains(tt.labels, p.Label), "label %q not in %v", p.Label, tt.labels)
				require.GreaterOrEqual(t, p.Confidence, 0.0)
				require.LessOrEqual(t, p.Confidence, 100.0)
				require.Equal(t, 80.0, p.Confidence)
			}
		})
	}
}

func TestPredictBrainScan512(t *testing.T) {
	srv := newTestServer(t, 10<<20)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "/predict", FileField, pngImage(t, 512, 512, color.Gray{Y: 130})))

	p := decodePrediction(t, rec)
	require.Contains(t, brainLabels, p.Label)
	require.GreaterOrEqual(t, p.Confidence, 0.0)
	require.LessOrEqual(t, p.Confidence, 100.0)
}

func TestPredictDeterministic(t *testing.T) {
	srv := newTestServer(t, 10<<20)
	img := pngImage(t, 97, 211, color.RGBA{R: 12, G: 250, B: 77, A: 255})

	var results []model.Prediction
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, uploadRequest(t, "/predict/skin", FileField, img))
		results = append(results, decodePrediction(t, rec))
	}
	require.Equal(t, results[0], results[1])
	require.Equal(t, results[1], results[2])
}

func TestPredictRejectsBadUploads(t *testing.T) {
	srv := newTestServer(t, 10<<20)

	t.Run("non image", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, uploadRequest(t, "/predict/skin", FileField, []byte("just some plain text")))
		require.Equal(t, http.StatusInternalServerError, rec.Code)
		require.Equal(t, "Prediction failed\n", rec.Body.String())
	})

	t.Run("missing file field", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, uploadRequest(t, "/predict", "image", pngImage(t, 10, 10, color.White)))
		require.Equal(t, http.StatusBadRequest, rec.Code)
		require.Contains(t, rec.Body.String(), "'file'")
	})

	t.Run("not multipart", func(t *testing.T) {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/predict/oral", strings.NewReader("{}"))
		req.Header.Set("Content-Type", "application/json")
		srv.ServeHTTP(rec, req)
		require.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := httptest.NewRecorder()
		srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))
		require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})
}

func TestPredictUploadTooLarge(t *testing.T) {
	srv := newTestServer(t, 1024)
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "/predict", FileField, bytes.Repeat([]byte{0xff}, 4096)))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestPredictTensor(t *testing.T) {
	srv := newTestServer(t, 10<<20)

	input := make([]float32, config.DefaultImageSize*config.DefaultImageSize*model.Channels)
	for i := range input {
		input[i] = 1
	}
	body, err := json.Marshal(model.TensorRequest{Image: input})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/oral/tensor", bytes.NewReader(body)))
	p := decodePrediction(t, rec)
	require.Equal(t, "NON CANCER", p.Label)

	short, err := json.Marshal(model.TensorRequest{Image: []float32{1, 2, 3}})
	require.NoError(t, err)
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/oral/tensor", bytes.NewReader(short)))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/models/chest/tensor", bytes.NewReader(body)))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndModels(t *testing.T) {
	srv := newTestServer(t, 10<<20)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"status":"healthy"}`, rec.Body.String())

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/models", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var infos []model.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &infos))
	require.Len(t, infos, 3)
	require.Equal(t, "brain", infos[0].Name)
	require.Equal(t, "/predict", infos[0].Route)
	require.Equal(t, oralLabels, infos[1].Labels)
}

func TestCORSAndRequestID(t *testing.T) {
	srv := newTestServer(t, 10<<20)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/predict/skin", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	srv.ServeHTTP(rec, req)
	require.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Len(t, rec.Header().Get(RequestIDHeader), 36)
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, 10<<20)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, uploadRequest(t, "/predict/oral", FileField, pngImage(t, 20, 20, color.White)))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `medscan_http_requests_total{method="POST",path="/predict/oral",status="200"} 1`)
	require.Contains(t, rec.Body.String(), `medscan_inference_duration_seconds_count{model="oral"} 1`)
}

func TestStatusRecorderUnwraps(t *testing.T) {
	inner := httptest.NewRecorder()
	rec := &statusRecorder{ResponseWriter: inner, status: http.StatusOK}

	require.Same(t, inner, rec.Unwrap())
	require.NoError(t, http.NewResponseController(rec).Flush())
	require.True(t, inner.Flushed)
}
