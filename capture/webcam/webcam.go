// Package webcam - OpenCV camera capture.
package webcam

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"

	"github.com/nvr-ai/go-ml-scheduler/capture"
	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
)

// DefaultMaxReadErrors is how many consecutive failed reads end a capture.
const DefaultMaxReadErrors = 30

// Camera captures frames from a local video device.
type Camera struct {
	// Device is the OpenCV device index.
	Device int
	// Width and Height request a capture resolution, 0 keeps the device default.
	Width, Height int
	// Mirror flips frames horizontally, as front cameras present them.
	Mirror bool
	// Rotation is reported with every frame.
	Rotation int
	// MaxReadErrors ends Run after that many consecutive failed reads.
	MaxReadErrors int

	pool *capture.DataPool

	mu    sync.Mutex
	stats capture.Stats
}

// New returns a camera for the given device.
func New(device int) *Camera {
	return &Camera{
		Device:        device,
		MaxReadErrors: DefaultMaxReadErrors,
		pool:          capture.NewDataPool(),
		stats:         capture.Stats{Name: "webcam"},
	}
}

// Run opens the device and delivers RGBA frames to h until ctx is done.
func (c *Camera) Run(ctx context.Context, h capture.Handler) error {
	cam, err := gocv.OpenVideoCapture(c.Device)
	if err != nil {
		return errors.Wrapf(err, "open video device %d", c.Device)
	}
	defer cam.Close()

	if c.Width > 0 && c.Height > 0 {
		cam.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
		cam.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}

	img := gocv.NewMat()
	defer img.Close()
	rgba := gocv.NewMat()
	defer rgba.Close()

	start := time.Now()
	defer func() {
		c.mu.Lock()
		c.stats.Uptime = time.Since(start)
		stats := c.stats
		c.mu.Unlock()

		lgr.Logger.Info("camera stopped",
			"device", c.Device, "frames", stats.Frames, "errors", stats.Errors, "fps", stats.FPS())
	}()

	lgr.Logger.Info("start reading camera", "device", c.Device)

	var seq uint64
	failures := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if ok := cam.Read(&img); !ok || img.Empty() {
			c.count(false)
			failures++
			if c.MaxReadErrors > 0 && failures >= c.MaxReadErrors {
				return errors.Errorf("device %d: %d consecutive read failures", c.Device, failures)
			}
			continue
		}
		failures = 0

		if c.Mirror {
			gocv.Flip(img, &img, 1)
		}
		gocv.CvtColor(img, &rgba, gocv.ColorBGRToRGBA)

		f, err := c.frame(seq+1, rgba)
		if err != nil {
			c.count(false)
			lgr.Logger.Warn("convert camera frame", "device", c.Device, "error", err)
			continue
		}
		seq++
		c.count(true)

		h(f)
	}
}

// frame copies an RGBA mat into a pooled buffer.
func (c *Camera) frame(seq uint64, rgba gocv.Mat) (*frames.Frame, error) {
	pix, err := rgba.DataPtrUint8()
	if err != nil {
		return nil, err
	}

	width, height := rgba.Cols(), rgba.Rows()
	if len(pix) < width*height*4 {
		return nil, errors.Errorf("mat holds %d bytes for %dx%d", len(pix), width, height)
	}

	data := c.pool.Get(width * height * 4)
	copy(data, pix)

	f := frames.New(seq, width, height, frames.RGBA8888, data, c.pool.Release)
	f.Rotation = c.Rotation
	return f, nil
}

func (c *Camera) count(ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok {
		c.stats.Frames++
	} else {
		c.stats.Errors++
	}
}

// Stats returns the camera counters.
func (c *Camera) Stats() capture.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
