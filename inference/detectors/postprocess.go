package detectors

import (
	"sort"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"

	"github.com/nvr-ai/go-ml-scheduler/inference"
)

// decoder turns raw [1, 4+classes, anchors] model output into detections.
type decoder struct {
	classes    int
	anchors    int
	inputSize  float32
	confidence float32
	iou        float32
	labels     []string
	scratch    []float32
}

func newDecoder(cfg Config) *decoder {
	n := anchors(cfg.InputSize)
	return &decoder{
		classes:    len(cfg.Labels),
		anchors:    n,
		inputSize:  float32(cfg.InputSize),
		confidence: cfg.Confidence,
		iou:        cfg.IoU,
		labels:     cfg.Labels,
		scratch:    make([]float32, (4+len(cfg.Labels))*n),
	}
}

// decode extracts the detections for a width x height frame from output.
//
// Arguments:
//   - output: The raw output tensor data.
//   - width: The frame width boxes are scaled to.
//   - height: The frame height boxes are scaled to.
//
// Returns:
//   - []inference.Detection: Detections after NMS, by descending confidence.
//   - error: An error if output does not match the expected shape.
func (d *decoder) decode(output []float32, width, height int) ([]inference.Detection, error) {
	stride := 4 + d.classes
	if len(output) < stride*d.anchors {
		return nil, errors.Errorf("output holds %d floats, needs %d", len(output), stride*d.anchors)
	}
	copy(d.scratch, output[:stride*d.anchors])

	// The head emits one row per attribute. Transpose to one row per anchor.
	t := tensor.New(tensor.WithShape(stride, d.anchors), tensor.WithBacking(d.scratch))
	if err := t.T(); err != nil {
		return nil, errors.Wrap(err, "transpose output")
	}
	if err := t.Transpose(); err != nil {
		return nil, errors.Wrap(err, "transpose output")
	}
	rows, ok := t.Data().([]float32)
	if !ok {
		return nil, errors.Errorf("unexpected output type %T", t.Data())
	}

	sx := float32(width) / d.inputSize
	sy := float32(height) / d.inputSize

	candidates := make([]inference.Detection, 0, 16)
	for i := 0; i < d.anchors; i++ {
		row := rows[i*stride : (i+1)*stride]

		class, score := argmax(row[4:])
		if score < d.confidence {
			continue
		}

		xc, yc, w, h := row[0], row[1], row[2], row[3]
		box := inference.Box{
			X1: (xc - w/2) * sx,
			Y1: (yc - h/2) * sy,
			X2: (xc + w/2) * sx,
			Y2: (yc + h/2) * sy,
		}.Clamp(width, height)

		candidates = append(candidates, inference.Detection{
			Label:      inference.Label(d.labels, class),
			Confidence: score,
			Box:        box,
		})
	}

	return nms(candidates, d.iou), nil
}

func argmax(scores []float32) (int, float32) {
	best, idx := float32(-1e9), -1
	for i, s := range scores {
		if s > best {
			best, idx = s, i
		}
	}
	return idx, best
}

// nms keeps the most confident detection of each group of same label boxes
// overlapping by more than iou.
func nms(dets []inference.Detection, iou float32) []inference.Detection {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Confidence > dets[j].Confidence
	})

	kept := make([]inference.Detection, 0, len(dets))
	for _, candidate := range dets {
		overlaps := false
		for _, k := range kept {
			if k.Label == candidate.Label && k.Box.IoU(candidate.Box) > iou {
				overlaps = true
				break
			}
		}
		if !overlaps {
			kept = append(kept, candidate)
		}
	}
	return kept
}
