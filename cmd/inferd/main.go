package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"

	"github.com/nvr-ai/go-ml-scheduler/capture"
	"github.com/nvr-ai/go-ml-scheduler/capture/webcam"
	"github.com/nvr-ai/go-ml-scheduler/config"
	"github.com/nvr-ai/go-ml-scheduler/inference"
	"github.com/nvr-ai/go-ml-scheduler/inference/detectors"
	"github.com/nvr-ai/go-ml-scheduler/inference/fake"
	"github.com/nvr-ai/go-ml-scheduler/inference/providers"
	"github.com/nvr-ai/go-ml-scheduler/lgr"
	"github.com/nvr-ai/go-ml-scheduler/profiler"
	"github.com/nvr-ai/go-ml-scheduler/scheduler"
	"github.com/nvr-ai/go-ml-scheduler/sink"
)

const (
	// Bounds scheduler shutdown; must exceed the configured drain timeout.
	waitOnShutdown = 8 * time.Second
	// Bounds waiting for the frame source after cancellation.
	waitOnSource = 2 * time.Second
)

func main() {
	if err := run(); err != nil {
		lgr.Logger.Error("inferd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	canxCtx, canxFn := context.WithCancel(context.Background())
	defer canxFn()

	// Hook up a signal handler to cancel the context
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		lgr.Logger.Info("received kill signal", slog.Any("signal", sig))
		canxFn()
	}()

	if err := config.LoadDotEnv(); err != nil {
		return err
	}

	path := os.Getenv("INFERD_CONFIG")
	if len(os.Args) > 1 {
		path = os.Args[1]
	}
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	log := lgr.Init(lgr.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	defer lgr.Close()

	factory, err := newFactory(cfg)
	if err != nil {
		return err
	}
	if cfg.Model.Path != "" {
		defer providers.ShutdownRuntime()
	}

	sinks := sink.Multi{sink.NewConsole(os.Stdout)}
	if cfg.ResultsLog != "" {
		results := sink.NewLog(cfg.ResultsLog)
		defer results.Close()
		sinks = append(sinks, results)
	}

	sched := scheduler.New(cfg.Scheduler(), factory, sinks,
		scheduler.WithLogger(log),
		scheduler.WithTracerProvider(otel.GetTracerProvider()),
	)
	if err := sched.Start(canxCtx); err != nil {
		return err
	}

	src := newSource(cfg)
	srcResult := make(chan error, 1)
	go func() {
		srcResult <- src.Run(canxCtx, sched.OnFrame)
	}()

	if interval := cfg.ReportInterval(); interval > 0 {
		reporter := profiler.New(profiler.Options{Interval: interval, Logger: log})
		reporter.Add(sched)
		reporter.Add(profiler.CollectorFunc(func() map[string]float64 {
			st := src.Stats()
			return map[string]float64{
				"source.frames": float64(st.Frames),
				"source.errors": float64(st.Errors),
			}
		}))
		go reporter.Run(canxCtx)
	}

	log.Info("inferd running",
		slog.String("source", cfg.Source.Kind),
		slog.Bool("simulated", cfg.Model.Path == ""),
		slog.String("state", string(sched.State())),
	)

	// Wait for cancellation or the source to end
	select {
	case <-canxCtx.Done():
		log.Info("inferd context cancelled")
		select {
		case err := <-srcResult:
			logSourceExit(log, err)
		case <-time.After(waitOnSource):
			log.Warn("frame source did not stop in time")
		}
	case err := <-srcResult:
		logSourceExit(log, err)
	}

	stopCtx, stopFn := context.WithTimeout(context.Background(), waitOnShutdown)
	defer stopFn()
	stopErr := sched.Stop(stopCtx)

	stats := sched.Stats()
	srcStats := src.Stats()
	log.Info("inferd stopped",
		slog.String("state", string(stats.State)),
		slog.Uint64("failovers", stats.Failovers),
		slog.Uint64("dispatched", stats.Dispatched),
		slog.Uint64("completed", stats.Completed),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("dropped", stats.Dropped),
		slog.Uint64("frames", srcStats.Frames),
		slog.Float64("fps", srcStats.FPS()),
	)
	return stopErr
}

func logSourceExit(log *slog.Logger, err error) {
	if err != nil {
		log.Error("frame source failed", slog.Any("error", err))
		return
	}
	log.Info("frame source finished")
}

// newFactory returns ONNX workers when a model is configured, otherwise
// simulated workers whose accelerator degrades after a warm up.
func newFactory(cfg *config.Config) (inference.Factory, error) {
	if cfg.Model.Path == "" {
		script := &fake.Script{
			LatencyFn: fake.Degrading(80*time.Millisecond, 450*time.Millisecond, 150*time.Millisecond, 100),
			Detections: []inference.Detection{{
				Label:      inference.PersonLabel,
				Confidence: 0.87,
				Box:        inference.Box{X1: 120, Y1: 80, X2: 260, Y2: 400},
			}},
		}
		if !cfg.AcceleratorAvailable {
			script.InitErr = map[inference.ResourceKind]error{
				inference.Accelerated: inference.ErrResourceUnavailable,
			}
		}
		return script.Factory(), nil
	}

	backend, err := providers.ParseBackend(cfg.AcceleratorBackend)
	if err != nil {
		return nil, errors.WithMessage(err, "accelerator_backend")
	}

	dc := detectors.DefaultConfig()
	dc.ModelPath = cfg.Model.Path
	dc.LibraryPath = cfg.Model.LibraryPath
	dc.InputSize = cfg.Model.InputSize
	dc.Confidence = cfg.Model.Confidence
	dc.IoU = cfg.Model.IoU
	if len(cfg.Model.Labels) > 0 {
		dc.Labels = cfg.Model.Labels
	}
	dc.Accelerator = backend
	dc.AcceleratorAvailable = cfg.AcceleratorAvailable

	return detectors.NewFactory(dc), nil
}

func newSource(cfg *config.Config) capture.Source {
	switch cfg.Source.Kind {
	case "webcam":
		cam := webcam.New(cfg.Source.Device)
		cam.Width = cfg.Source.Width
		cam.Height = cfg.Source.Height
		cam.Mirror = cfg.Source.Mirror
		cam.Rotation = cfg.Source.Rotation
		return cam
	case "replay":
		rep := capture.NewReplay(cfg.Source.Dir, cfg.Source.FPS)
		rep.Loop = cfg.Source.Loop
		rep.Rotation = cfg.Source.Rotation
		return rep
	}

	src := capture.NewSynthetic(cfg.Source.Width, cfg.Source.Height, cfg.Source.FPS)
	src.Rotation = cfg.Source.Rotation
	return src
}
