package handlers

import (
	"context"
	"encoding/json"
	"image"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/Brownie44l1/detect-api/internal/imagesource"
	"github.com/Brownie44l1/detect-api/internal/model"
)

// maxRequestBody bounds the JSON body of /predict; it only ever carries a reference.
const maxRequestBody = 64 << 10

// Detector runs object detection on a decoded image. *model.Server implements it.
type Detector interface {
	Detect(ctx context.Context, img image.Image) (*model.DetectionResult, error)
}

// ImageResolver turns an image reference into pixels. *imagesource.Resolver implements it.
type ImageResolver interface {
	Resolve(ctx context.Context, ref string) (image.Image, error)
}

type Handler struct {
	detector Detector
	resolver ImageResolver
	limits   imagesource.Limits
	logger   *zap.SugaredLogger
}

// NewHandler wires the endpoints. limits applies to uploads on /predict/image.
func NewHandler(detector Detector, resolver ImageResolver, limits imagesource.Limits, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		detector: detector,
		resolver: resolver,
		limits:   limits,
		logger:   logger,
	}
}

// Routes registers every endpoint on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/predict", h.Predict)
	mux.HandleFunc("/predict/image", h.PredictFromImage)
	return mux
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// Predict answers POST /predict for an image_url that is fetched or opened by the resolver.
func (h *Handler) Predict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, errors.Wrapf(errMethodNotAllowed, "%s", r.Method))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
	if err != nil {
		h.writeError(w, r, errors.Wrapf(errBadRequest, "failed to read request body: %v", err))
		return
	}
	if len(body) > maxRequestBody {
		h.writeError(w, r, errors.Wrap(errBadRequest, "request body too large"))
		return
	}

	var req model.PredictionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.writeError(w, r, errors.Wrap(errBadRequest, "invalid JSON"))
		return
	}
	if strings.TrimSpace(req.ImageURL) == "" {
		h.writeError(w, r, errors.Wrap(errBadRequest, "image_url is required"))
		return
	}

	img, err := h.resolver.Resolve(r.Context(), req.ImageURL)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.predict(w, r, img)
}

// PredictFromImage answers POST /predict/image for a multipart upload in the "image" field.
func (h *Handler) PredictFromImage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeError(w, r, errors.Wrapf(errMethodNotAllowed, "%s", r.Method))
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.limits.MaxBytes+1<<20)
	if err := r.ParseMultipartForm(h.limits.MaxBytes); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, errors.Wrap(imagesource.ErrTooLarge, err.Error()))
			return
		}
		h.writeError(w, r, errors.Wrap(errBadRequest, "failed to parse form"))
		return
	}
	defer func() {
		_ = r.MultipartForm.RemoveAll()
	}()

	file, header, err := r.FormFile("image")
	if err != nil {
		h.writeError(w, r, errors.Wrap(errBadRequest, "no image file provided, use 'image' as the form field name"))
		return
	}
	defer func() {
		_ = file.Close()
	}()
	h.logger.Debugw("received upload", "file", header.Filename, "size", header.Size)

	img, err := imagesource.Decode(file, h.limits)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.predict(w, r, img)
}

func (h *Handler) predict(w http.ResponseWriter, r *http.Request, img image.Image) {
	result, err := h.detector.Detect(r.Context(), img)
	if err != nil {
		if !errors.Is(err, model.ErrInference) {
			err = errors.Wrap(model.ErrInference, err.Error())
		}
		h.writeError(w, r, err)
		return
	}
	if result == nil {
		result = &model.DetectionResult{}
	}

	resp := model.NewPredictionResponse(result)
	h.logger.Debugw("prediction",
		"request_id", RequestID(r.Context()),
		"prediction", resp.Prediction,
		"confidence", resp.Confidence,
		"detections", len(result.Detections))
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
