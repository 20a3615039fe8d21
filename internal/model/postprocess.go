package model

import (
	"image"
	"strconv"

	"github.com/pkg/errors"
)

// postprocessOptions are the thresholds applied to raw model output.
type postprocessOptions struct {
	ConfThreshold float32
	IoUThreshold  float32
	MaxDetections int
}

// decodeOutput turns a YOLO output tensor into detections in original image coordinates.
//
// The tensor is [1, 4+nc, anchors] as exported by ultralytics, or its transpose [1, anchors, 4+nc].
// The first four attributes of an anchor are cx, cy, w, h in model input pixels, the rest are
// per-class scores.
func decodeOutput(
	data []float32,
	shape []int64,
	classes []string,
	lb letterbox,
	opts postprocessOptions,
) ([]Detection, error) {
	if len(shape) != 3 || shape[0] != 1 {
		return nil, errors.Errorf("unexpected output shape %v", shape)
	}
	attrs, anchors := int(shape[1]), int(shape[2])
	channelsFirst := true
	if attrs > anchors {
		attrs, anchors = anchors, attrs
		channelsFirst = false
	}
	if attrs < 5 {
		return nil, errors.Errorf("output shape %v has no class scores", shape)
	}
	if len(data) < attrs*anchors {
		return nil, errors.Errorf("output has %d values, shape %v needs %d", len(data), shape, attrs*anchors)
	}

	at := func(anchor, attr int) float32 {
		if channelsFirst {
			return data[attr*anchors+anchor]
		}
		return data[anchor*attrs+attr]
	}

	numClasses := attrs - 4
	candidates := make([]Detection, 0, 64)
	for a := 0; a < anchors; a++ {
		bestClass, bestScore := 0, at(a, 4)
		for c := 1; c < numClasses; c++ {
			if s := at(a, 4+c); s > bestScore {
				bestClass, bestScore = c, s
			}
		}
		if bestScore < opts.ConfThreshold || bestScore <= 0 {
			continue
		}
		box := lb.toOriginal(at(a, 0), at(a, 1), at(a, 2), at(a, 3))
		if box.Empty() {
			continue
		}
		candidates = append(candidates, Detection{
			Class: bestClass,
			Label: labelFor(classes, bestClass),
			Box:   box,
			Score: min(bestScore, 1),
		})
	}

	return nonMaxSuppression(candidates, opts.IoUThreshold, opts.MaxDetections), nil
}

// nonMaxSuppression greedily keeps the best-scoring box of each class and drops same-class boxes
// overlapping it by more than iouThreshold. The result is ordered by descending score.
func nonMaxSuppression(dets []Detection, iouThreshold float32, limit int) []Detection {
	sortByScore(dets)
	kept := make([]Detection, 0, len(dets))
	for _, d := range dets {
		if limit > 0 && len(kept) >= limit {
			break
		}
		suppressed := false
		for _, k := range kept {
			if k.Class == d.Class && iou(k.Box, d.Box) > iouThreshold {
				suppressed = true
				break
			}
		}
		if !suppressed {
			kept = append(kept, d)
		}
	}
	return kept
}

func iou(a, b image.Rectangle) float32 {
	inter := a.Intersect(b)
	if inter.Empty() {
		return 0
	}
	ia := area(inter)
	union := area(a) + area(b) - ia
	if union <= 0 {
		return 0
	}
	return float32(ia) / float32(union)
}

func area(r image.Rectangle) int {
	return r.Dx() * r.Dy()
}

func labelFor(classes []string, idx int) string {
	if idx >= 0 && idx < len(classes) {
		return classes[idx]
	}
	return "class_" + strconv.Itoa(idx)
}
