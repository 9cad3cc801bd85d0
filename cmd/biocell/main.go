package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/BSMU-ITLab/vision-biocell/pkg/aggregate"
	"github.com/BSMU-ITLab/vision-biocell/pkg/analysis"
	"github.com/BSMU-ITLab/vision-biocell/pkg/config"
	"github.com/BSMU-ITLab/vision-biocell/pkg/inference"
	"github.com/BSMU-ITLab/vision-biocell/pkg/slide"
	"github.com/BSMU-ITLab/vision-biocell/pkg/tissue"
	"github.com/BSMU-ITLab/vision-biocell/pkg/visualization"
)

func main() {
	slidePath := flag.String("slide", "", "Path to the whole-slide image file")
	modelPath := flag.String("model", "", "Path to the segmentation model (.tflite)")
	configPath := flag.String("config", "biocell.yaml", "Path to the configuration file")
	outDir := flag.String("out", "analysis_results", "Directory for exported artifacts")
	threads := flag.Int("threads", 4, "Interpreter thread count")
	noTissueMask := flag.Bool("no-tissue-mask", false, "Process the full grid without the background pre-check")
	flag.Parse()

	if *slidePath == "" || *modelPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	sl, err := slide.OpenImage(*slidePath)
	if err != nil {
		log.Fatalf("Failed to open slide: %v", err)
	}
	defer sl.Close()

	engine, err := inference.NewTFLiteEngine(*modelPath, *threads)
	if err != nil {
		log.Fatalf("Failed to load model: %v", err)
	}
	defer engine.Close()

	w, h := sl.Dimensions(cfg.Tiling.WorkingLevel)
	fmt.Println("================================")
	fmt.Println("VISION BIOCELL - WHOLE-SLIDE CANCER REGION ANALYSIS")
	fmt.Println("================================")
	fmt.Printf("Slide: %s (%dx%d at level %d, %d native levels)\n",
		*slidePath, w, h, cfg.Tiling.WorkingLevel, sl.LevelCount())

	var opts []analysis.Option
	if !*noTissueMask {
		mask, err := tissue.NewThresholdMask(sl, cfg.Tiling.WorkingLevel, tissue.DefaultConfig())
		if err != nil {
			log.Printf("Warning: tissue mask unavailable, processing full grid: %v", err)
		} else {
			fmt.Printf("Tissue covers %.1f%% of the slide\n", mask.TissueFraction()*100)
			opts = append(opts, analysis.WithTissueMask(mask))
		}
	}

	startTime := time.Now()
	session, err := analysis.Start(sl, engine, cfg, opts...)
	if err != nil {
		log.Fatalf("Failed to start analysis: %v", err)
	}

	// Ctrl+C cancels cooperatively; in-flight batches drain.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	go func() {
		<-ctx.Done()
		session.Cancel()
	}()

	for session.State() == analysis.StateRunning {
		fraction, cov := session.Progress()
		fmt.Printf("\rAnalyzing tiles: %.1f%% complete (%d merged, %d skipped, %d failed)",
			fraction*100, cov.Merged, cov.Skipped, cov.Failed)
		time.Sleep(500 * time.Millisecond)
	}
	fmt.Println()

	if err := session.Wait(context.Background()); err != nil {
		log.Fatalf("Failed waiting for session: %v", err)
	}

	switch session.State() {
	case analysis.StateFailed:
		log.Printf("Analysis failed: %v", session.Err())
	case analysis.StateCancelled:
		log.Printf("Analysis cancelled; results are partial")
	}

	result, err := session.Result()
	if err != nil {
		log.Fatalf("No result available: %v", err)
	}

	fmt.Printf("\nAnalysis %s finished in %.2f seconds\n", session.State(), time.Since(startTime).Seconds())
	if result.Partial {
		fmt.Println("WARNING: result is PARTIAL and must not be read as a complete analysis")
	}

	pm := session.ProbabilityMap()
	mean, stddev := aggregate.ScoreSummary(pm)
	fmt.Printf("Known coverage: %.1f%% of pixels, score mean %.3f (stddev %.3f)\n",
		pm.KnownFraction()*100, mean, stddev)

	fmt.Printf("\nDetected regions (threshold %.2f, min area %d px):\n",
		cfg.Aggregation.SegmentationThreshold, cfg.Aggregation.RegionMinArea)
	fmt.Println("=============================================")
	if len(result.Regions) == 0 {
		fmt.Println("No suspicious regions found")
	}
	for _, region := range result.Regions {
		scores := aggregate.RegionScores(pm, result.Mask, aggregate.MaskForeground, region)
		fmt.Printf("Region %d: area %d px, mean score %.3f (stddev %.3f), peak %.3f, bounds (%d,%d) %dx%d\n",
			region.Label, region.Area, region.MeanScore, stat.StdDev(scores, nil),
			region.PeakScore,
			region.Bounds.X, region.Bounds.Y, region.Bounds.W, region.Bounds.H)
	}

	paths, err := visualization.ExportResult(pm, result, *outDir)
	if err != nil {
		log.Fatalf("Failed to export artifacts: %v", err)
	}
	fmt.Println("\nExported artifacts:")
	for _, p := range paths {
		fmt.Printf("- %s\n", p)
	}
}
