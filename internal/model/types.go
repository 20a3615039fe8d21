package model

import (
	"image"
	"sort"
)

// Metadata describes the exported detection model. It is read from a JSON file next to the weights.
type Metadata struct {
	InputName   string   `json:"input_name"`
	OutputName  string   `json:"output_name"`
	InputShape  []int64  `json:"input_shape"`
	OutputShape []int64  `json:"output_shape"`
	Classes     []string `json:"classes"`
}

// Detection is a single object found by the model, in original image coordinates.
type Detection struct {
	Class int
	Label string
	Box   image.Rectangle
	Score float32
}

// DetectionResult is the output of one inference call, ordered by descending score.
type DetectionResult struct {
	Detections []Detection
}

// MaxScore returns the highest detection score, or 0 when there are no detections.
func (r *DetectionResult) MaxScore() float32 {
	if r == nil {
		return 0
	}
	var best float32
	for _, d := range r.Detections {
		if d.Score > best {
			best = d.Score
		}
	}
	return best
}

func sortByScore(dets []Detection) {
	sort.SliceStable(dets, func(i, j int) bool { return dets[i].Score > dets[j].Score })
}

// Verdicts reported in PredictionResponse.
const (
	PredictionYes = "yes"
	PredictionNo  = "no"
)

// PredictionRequest is the body of POST /predict.
type PredictionRequest struct {
	ImageURL string `json:"image_url"`
}

// PredictionResponse is the body returned by the predict endpoints.
type PredictionResponse struct {
	Prediction string  `json:"prediction"`
	Confidence float64 `json:"confidence"`
}

// NewPredictionResponse reduces a detection result to a yes/no verdict.
// The verdict is "yes" iff there is at least one detection, with the maximum score as confidence;
// otherwise it is "no" with confidence 0.
func NewPredictionResponse(result *DetectionResult) PredictionResponse {
	if result == nil || len(result.Detections) == 0 {
		return PredictionResponse{Prediction: PredictionNo, Confidence: 0}
	}
	return PredictionResponse{
		Prediction: PredictionYes,
		Confidence: clamp01(float64(result.MaxScore())),
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}
