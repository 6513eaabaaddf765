package detectors

import (
	"context"
	"image"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/inference/providers"
)

// Worker runs a YOLO style detector in its own ONNX Runtime session.
type Worker struct {
	id      string
	res     inference.Resource
	backend providers.Backend
	cfg     Config
	buf     *frames.DecodeBuffer
	session *ort.AdvancedSession
	input   *ort.Tensor[float32]
	output  *ort.Tensor[float32]
	decoder *decoder
}

// NewFactory returns a factory creating ONNX workers from cfg.
//
// Arguments:
//   - cfg: The detector configuration.
//
// Returns:
//   - inference.Factory: Creates one session per worker.
func NewFactory(cfg Config) inference.Factory {
	return func(ctx context.Context, res inference.Resource, buf *frames.DecodeBuffer) (inference.Worker, error) {
		w, err := newWorker(ctx, cfg, res, buf)
		if err != nil {
			return nil, inference.NewInitError(res, err)
		}
		return w, nil
	}
}

func newWorker(ctx context.Context, cfg Config, res inference.Resource, buf *frames.DecodeBuffer) (*Worker, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if buf == nil {
		return nil, errors.New("nil decode buffer")
	}
	if res.Kind == inference.Accelerated && !cfg.AcceleratorAvailable {
		return nil, errors.Wrap(inference.ErrResourceUnavailable, "accelerator disabled")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Interpolation == nil {
		cfg.Interpolation = DefaultConfig().Interpolation
	}

	backend, err := providers.ForResource(res, cfg.Accelerator)
	if err != nil {
		return nil, err
	}
	if err := providers.InitRuntime(cfg.LibraryPath); err != nil {
		return nil, err
	}

	w := &Worker{
		id:      string(res.Kind) + "-" + uuid.NewString()[:8],
		res:     res,
		backend: backend,
		cfg:     cfg,
		buf:     buf,
		decoder: newDecoder(cfg),
	}
	if err := w.open(); err != nil {
		w.Close()
		return nil, err
	}
	return w, nil
}

// open allocates the input and output tensors and creates the session.
func (w *Worker) open() error {
	size := int64(w.cfg.InputSize)

	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return errors.Wrap(err, "create input tensor")
	}
	w.input = input

	output, err := ort.NewEmptyTensor[float32](
		ort.NewShape(1, int64(4+len(w.cfg.Labels)), int64(anchors(w.cfg.InputSize))),
	)
	if err != nil {
		return errors.Wrap(err, "create output tensor")
	}
	w.output = output

	options, err := providers.SessionOptions(w.backend, w.res, w.cfg.Providers)
	if err != nil {
		return err
	}
	defer options.Destroy()

	session, err := ort.NewAdvancedSession(
		w.cfg.ModelPath,
		[]string{w.cfg.InputName},
		[]string{w.cfg.OutputName},
		[]ort.Value{w.input},
		[]ort.Value{w.output},
		options,
	)
	if err != nil {
		return errors.Wrapf(err, "create %s session", w.backend)
	}
	w.session = session
	return nil
}

// ID identifies the worker.
func (w *Worker) ID() string { return w.id }

// Resource returns the resource the worker runs on.
func (w *Worker) Resource() inference.Resource { return w.res }

// Infer decodes f into the worker's buffer, runs the model and returns the
// detections scaled to the frame size.
func (w *Worker) Infer(ctx context.Context, f *frames.Frame) (*inference.Result, error) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return nil, inference.NewInferError(f.Seq, w.id, err)
	}
	if w.session == nil {
		return nil, inference.NewInferError(f.Seq, w.id, errors.New("worker closed"))
	}

	width, height := f.Width, f.Height
	err := w.buf.With(f, func(img *image.RGBA) error {
		return preprocess(img, w.cfg.InputSize, w.cfg.Interpolation, w.input.GetData())
	})
	if err != nil {
		return nil, inference.NewInferError(f.Seq, w.id, err)
	}

	if err := w.session.Run(); err != nil {
		return nil, inference.NewInferError(f.Seq, w.id, errors.Wrap(err, "run session"))
	}

	detections, err := w.decoder.decode(w.output.GetData(), width, height)
	if err != nil {
		return nil, inference.NewInferError(f.Seq, w.id, err)
	}

	return &inference.Result{
		Seq:        f.Seq,
		Detections: detections,
		Duration:   time.Since(start),
		Resource:   w.res.Kind,
		WorkerID:   w.id,
		Rotation:   f.Rotation,
		Timestamp:  f.Timestamp,
	}, nil
}

// Close destroys the session and its tensors. It is safe to call twice.
func (w *Worker) Close() error {
	var err error
	if w.session != nil {
		if e := w.session.Destroy(); e != nil {
			err = errors.Wrap(e, "destroy session")
		}
		w.session = nil
	}
	if w.input != nil {
		w.input.Destroy()
		w.input = nil
	}
	if w.output != nil {
		w.output.Destroy()
		w.output = nil
	}
	return err
}
