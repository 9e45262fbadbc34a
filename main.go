package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"posecoach/config"
	"posecoach/core"
	"posecoach/logging"
	"posecoach/metrics"
	"posecoach/processors"
	"posecoach/profiles"
	"posecoach/server"
	"posecoach/storage"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to TOML config file")
		serve      = flag.Bool("serve", false, "run the HTTP server")
		videoPath  = flag.String("video", "", "video to analyze (one-shot mode)")
		exercise   = flag.String("exercise", "pushup", "exercise type")
		grip       = flag.String("grip", "", "grip variant (pullup only)")
		fps        = flag.Int("fps", 0, "override extraction fps")
		refVideo   = flag.String("reference", "", "reference video for form comparison")
		refName    = flag.String("reference-name", "", "stored reference to compare against (\"auto\" picks the nearest)")
		outPath    = flag.String("out", "", "write the report JSON here as well")
		makeRef    = flag.Bool("make-reference", false, "digest -video into a stored reference")
		name       = flag.String("name", "", "name for the generated reference")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %s\n", err)
		os.Exit(1)
	}
	if *fps > 0 {
		cfg.ExtractFPS = *fps
		if err := cfg.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "config: %s\n", err)
			os.Exit(1)
		}
	}

	logging.Setup(logging.SetupParams{
		LogFileName:   cfg.LogFile,
		LogToStdout:   cfg.LogToStdout,
		LogLevel:      cfg.LogLevel,
		LogFormatJSON: cfg.LogJSON,
		SentryDSN:     cfg.SentryDSN,
		ServerName:    "posecoach",
	})

	if err := os.MkdirAll(cfg.DataRoot, 0o755); err != nil {
		log.Fatalf("create data root: %s", err)
	}

	registry, err := profiles.Builtin()
	if err != nil {
		log.Fatalf("builtin profiles: %s", err)
	}
	if err := registry.LoadDir(cfg.ProfileDir); err != nil {
		log.Fatalf("load profile catalogs: %s", err)
	}

	ctx := context.Background()
	store := storage.Open(ctx, cfg)
	defer store.Close(ctx)
	if _, err := storage.LoadDirectory(ctx, store, cfg.ReferenceDir); err != nil {
		log.Warnf("seed references: %s", err)
	}

	promRegistry := metrics.SetupPrometheus()
	manager := metrics.NewManager("posecoach", promRegistry)

	detector := processors.NewDetector(cfg)
	log.Infof("pose detector: %s", detector.Name())

	pipeline := processors.NewPipeline(cfg, registry, detector, manager)

	switch {
	case *serve:
		stop := make(chan struct{})
		core.StartJanitor(cfg.DataRoot,
			time.Duration(cfg.WorkspaceTTLHours)*time.Hour, time.Hour, stop)
		defer close(stop)

		srv := server.New(cfg, pipeline, store, manager, promRegistry)
		if err := srv.Run(); err != nil {
			log.Fatalf("server: %s", err)
		}

	case *makeRef:
		if *videoPath == "" {
			log.Fatal("-make-reference needs -video")
		}
		if err := generateReference(ctx, cfg, pipeline, store, *videoPath, *exercise, *grip, *name); err != nil {
			log.Fatalf("generate reference: %s", err)
		}

	case *videoPath != "":
		if err := analyzeOnce(ctx, cfg, pipeline, store, *videoPath, *exercise, *grip, *refVideo, *refName, *outPath); err != nil {
			log.Fatalf("analyze: %s", err)
		}

	default:
		flag.Usage()
		os.Exit(2)
	}
}

// analyzeOnce runs one analysis from the command line and prints the report
// path. Ctrl-C cancels the run.
func analyzeOnce(ctx context.Context, cfg config.Config, pipeline *processors.Pipeline, store storage.ReferenceStore, videoPath, exercise, grip, refVideo, refName, outPath string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ws, err := core.NewWorkspace(cfg.DataRoot, "")
	if err != nil {
		return err
	}

	req := processors.Request{
		VideoPath:     videoPath,
		Exercise:      exercise,
		Grip:          grip,
		ReferencePath: refVideo,
		Workspace:     ws,
	}
	if refVideo == "" && refName != "" {
		canonical, err := profiles.CanonicalExercise(exercise)
		if err != nil {
			return err
		}
		if refName == "auto" {
			req.ReferenceLookup = func(ctx context.Context, centroid []float32) (*core.Reference, error) {
				refs, err := store.Nearest(ctx, canonical, centroid, 1)
				if err != nil || len(refs) == 0 {
					return nil, err
				}
				return refs[0], nil
			}
		} else {
			ref, err := store.Get(ctx, canonical, refName)
			if err != nil {
				return fmt.Errorf("stored reference %s/%s: %w", canonical, refName, err)
			}
			req.Reference = ref
		}
	}

	report, err := pipeline.Analyze(ctx, req)
	if err != nil && !core.IsKind(err, core.KindInsufficientMotion) {
		return err
	}
	if err != nil {
		log.Warnf("analysis completed with warning: %s", err)
	}

	if outPath != "" {
		if err := core.SaveJSON(outPath, report); err != nil {
			return fmt.Errorf("write report copy: %w", err)
		}
	}

	log.Infof("analysis %s: %d reps, avg score %.3f, grade %s",
		report.AnalysisID, report.ExerciseCount, report.AvgScore, report.Grade)
	log.Infof("report written to %s", ws.ReportPath())
	return nil
}

func generateReference(ctx context.Context, cfg config.Config, pipeline *processors.Pipeline, store storage.ReferenceStore, videoPath, exercise, grip, name string) error {
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ws, err := core.NewWorkspace(cfg.DataRoot, "")
	if err != nil {
		return err
	}
	defer ws.Remove()

	ref, err := pipeline.GenerateReference(ctx, videoPath, exercise, grip, name, ws)
	if err != nil {
		return err
	}
	if err := store.Put(ctx, ref); err != nil {
		return err
	}
	log.Infof("stored reference %s/%s (%d reps, %d phase segments)",
		ref.Exercise, ref.Name, ref.RepCount, len(ref.Phases))
	return nil
}
