package capture

import (
	"context"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chai2010/webp"
	"github.com/pkg/errors"

	"github.com/nvr-ai/go-ml-scheduler/frames"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
)

// ErrNoImages is returned when a replay directory holds no frame images.
var ErrNoImages = errors.New("no frame images")

// ImageFile is one recorded frame on disk.
type ImageFile struct {
	// Path is the path to the image file.
	Path string
	// Frame is the frame number parsed from the file name.
	Frame int
}

// ListImageFiles returns the frame images of dir ordered by frame number.
// Files are named "frame-<n>.<ext>" or "<n>.<ext>" with a jpg, jpeg, png or
// webp extension; other files are ignored.
//
// Arguments:
//   - dir: Directory path containing image files.
//
// Returns:
//   - []ImageFile: The images by ascending frame number.
//   - error: Error if the directory cannot be read or a name has no frame number.
func ListImageFiles(dir string) ([]ImageFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read replay directory %s", dir)
	}

	var files []ImageFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		ext := strings.ToLower(filepath.Ext(name))
		switch ext {
		case ".jpg", ".jpeg", ".png", ".webp":
		default:
			continue
		}

		n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSuffix(name, filepath.Ext(name)), "frame-"))
		if err != nil {
			return nil, errors.Wrapf(err, "frame number of %s", name)
		}
		files = append(files, ImageFile{Path: filepath.Join(dir, name), Frame: n})
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].Frame < files[j].Frame
	})
	return files, nil
}

func decodeImage(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		return png.Decode(f)
	case ".webp":
		return webp.Decode(f)
	default:
		return jpeg.Decode(f)
	}
}

// Replay plays back a directory of recorded frames at a fixed rate.
type Replay struct {
	// Dir holds the frame images.
	Dir string
	// FPS is the delivery rate.
	FPS int
	// Loop restarts from the first frame after the last one.
	Loop bool
	// Rotation is reported with every frame.
	Rotation int

	pool *DataPool

	mu    sync.Mutex
	stats Stats
}

// NewReplay returns a replay source for dir.
func NewReplay(dir string, fps int) *Replay {
	return &Replay{
		Dir:   dir,
		FPS:   fps,
		pool:  NewDataPool(),
		stats: Stats{Name: "replay"},
	}
}

// Run delivers every image of Dir to h, in frame order, until ctx is done or
// the images are exhausted and Loop is false. Images that fail to decode are
// counted and skipped.
func (r *Replay) Run(ctx context.Context, h Handler) error {
	if r.FPS <= 0 {
		return errors.Errorf("invalid replay rate %d", r.FPS)
	}
	files, err := ListImageFiles(r.Dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.Wrapf(ErrNoImages, "replay directory %s", r.Dir)
	}

	ticker := time.NewTicker(time.Second / time.Duration(r.FPS))
	defer ticker.Stop()

	start := time.Now()
	defer func() {
		r.mu.Lock()
		r.stats.Uptime = time.Since(start)
		stats := r.stats
		r.mu.Unlock()

		lgr.Logger.Info("replay source stopped",
			"dir", r.Dir, "frames", stats.Frames, "errors", stats.Errors)
	}()

	var seq uint64
	for i := 0; ; i++ {
		if i == len(files) {
			if !r.Loop {
				return nil
			}
			i = 0
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return nil
		}

		f, err := r.frame(seq+1, files[i].Path)
		if err != nil {
			r.count(false)
			lgr.Logger.Warn("decode replay frame", "path", files[i].Path, "error", err)
			continue
		}
		seq++
		r.count(true)

		h(f)
	}
}

// frame decodes path into a pooled RGBA buffer.
func (r *Replay) frame(seq uint64, path string) (*frames.Frame, error) {
	img, err := decodeImage(path)
	if err != nil {
		return nil, err
	}

	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := &image.RGBA{
		Pix:    r.pool.Get(w * h * 4),
		Stride: w * 4,
		Rect:   image.Rect(0, 0, w, h),
	}
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)

	f := frames.New(seq, w, h, frames.RGBA8888, dst.Pix, r.pool.Release)
	f.Rotation = r.Rotation
	return f, nil
}

func (r *Replay) count(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ok {
		r.stats.Frames++
	} else {
		r.stats.Errors++
	}
}

// Stats returns the source counters.
func (r *Replay) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
