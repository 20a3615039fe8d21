package model

import (
	"image"
	"testing"

	"go.viam.com/test"
)

var identity = letterbox{scale: 1, origW: 640, origH: 640}

var defaultPost = postprocessOptions{ConfThreshold: 0.25, IoUThreshold: 0.7, MaxDetections: 300}

// channelsFirst lays anchors out as [1, 4+nc, n], the ultralytics export layout.
func channelsFirst(anchors [][]float32) ([]float32, []int64) {
	attrs := len(anchors[0])
	n := len(anchors)
	data := make([]float32, attrs*n)
	for a, vals := range anchors {
		for i, v := range vals {
			data[i*n+a] = v
		}
	}
	return data, []int64{1, int64(attrs), int64(n)}
}

func TestDecodeOutputNoDetections(t *testing.T) {
	data, shape := channelsFirst([][]float32{
		{100, 100, 50, 50, 0.1},
		{300, 300, 40, 40, 0.24},
		{500, 500, 40, 40, 0.0},
		{10, 10, 4, 4, 0.01},
		{20, 20, 4, 4, 0.02},
		{30, 30, 4, 4, 0.03},
	})
	dets, err := decodeOutput(data, shape, []string{"bin"}, identity, defaultPost)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldBeEmpty)
}

func TestDecodeOutputSuppressesOverlaps(t *testing.T) {
	data, shape := channelsFirst([][]float32{
		{100, 100, 50, 50, 0.90, 0.01},
		{102, 101, 50, 50, 0.80, 0.02}, // same object, same class
		{101, 100, 50, 50, 0.05, 0.60}, // same place, other class
		{400, 400, 60, 60, 0.70, 0.10},
		{200, 500, 30, 30, 0.10, 0.20}, // below threshold
		{600, 600, 20, 20, 0.00, 0.00},
		{50, 50, 10, 10, 0.00, 0.00},
	})
	dets, err := decodeOutput(data, shape, []string{"bin", "bag"}, identity, defaultPost)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 3)

	test.That(t, dets[0].Score, test.ShouldAlmostEqual, 0.90, 1e-6)
	test.That(t, dets[0].Label, test.ShouldEqual, "bin")
	test.That(t, dets[0].Box, test.ShouldResemble, image.Rect(75, 75, 125, 125))
	test.That(t, dets[1].Score, test.ShouldAlmostEqual, 0.70, 1e-6)
	test.That(t, dets[2].Label, test.ShouldEqual, "bag")
	test.That(t, dets[2].Class, test.ShouldEqual, 1)
}

func TestDecodeOutputChannelsLast(t *testing.T) {
	// [1, n, 4+nc] with more anchors than attributes
	anchors := [][]float32{
		{320, 320, 100, 100, 0.55},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
	}
	var data []float32
	for _, a := range anchors {
		data = append(data, a...)
	}
	dets, err := decodeOutput(data, []int64{1, 6, 5}, nil, identity, defaultPost)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].Label, test.ShouldEqual, "class_0")
	test.That(t, dets[0].Box, test.ShouldResemble, image.Rect(270, 270, 370, 370))
}

func TestDecodeOutputMapsBackThroughLetterbox(t *testing.T) {
	// a 1280x640 image squeezed into 640x640: scale 0.5, 160px bars top and bottom
	lb := letterbox{scale: 0.5, padX: 0, padY: 160, origW: 1280, origH: 640}
	data, shape := channelsFirst([][]float32{
		{320, 320, 100, 100, 0.9},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
		{0, 0, 0, 0, 0},
	})
	dets, err := decodeOutput(data, shape, []string{"bin"}, lb, defaultPost)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 1)
	test.That(t, dets[0].Box, test.ShouldResemble, image.Rect(540, 220, 740, 420))
}

func TestDecodeOutputMaxDetections(t *testing.T) {
	var anchors [][]float32
	for i := 0; i < 10; i++ {
		anchors = append(anchors, []float32{float32(i*60 + 30), 30, 20, 20, 0.5 + float32(i)/100})
	}
	data, shape := channelsFirst(anchors)
	opts := defaultPost
	opts.MaxDetections = 3
	dets, err := decodeOutput(data, shape, []string{"bin"}, identity, opts)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, dets, test.ShouldHaveLength, 3)
	test.That(t, dets[0].Score, test.ShouldAlmostEqual, 0.59, 1e-6)
}

func TestDecodeOutputErrors(t *testing.T) {
	_, err := decodeOutput(make([]float32, 10), []int64{1, 10}, nil, identity, defaultPost)
	test.That(t, err, test.ShouldNotBeNil)

	_, err = decodeOutput(make([]float32, 40), []int64{1, 4, 10}, nil, identity, defaultPost)
	test.That(t, err.Error(), test.ShouldContainSubstring, "no class scores")

	_, err = decodeOutput(make([]float32, 10), []int64{1, 5, 10}, nil, identity, defaultPost)
	test.That(t, err.Error(), test.ShouldContainSubstring, "needs 50")
}

func TestIoU(t *testing.T) {
	a := image.Rect(0, 0, 10, 10)
	test.That(t, iou(a, a), test.ShouldEqual, float32(1))
	test.That(t, iou(a, image.Rect(20, 20, 30, 30)), test.ShouldEqual, float32(0))
	test.That(t, iou(a, image.Rect(5, 0, 15, 10)), test.ShouldAlmostEqual, 50.0/150.0, 1e-6)
}
