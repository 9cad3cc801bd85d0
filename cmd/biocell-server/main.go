// Command biocell-server exposes the analysis core over HTTP for the GUI and
// export layer: starting sessions, polling progress, cancelling, and fetching
// region artifacts.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"sync"

	"github.com/gin-contrib/static"
	"github.com/gin-gonic/gin"

	"github.com/BSMU-ITLab/vision-biocell/pkg/analysis"
	"github.com/BSMU-ITLab/vision-biocell/pkg/config"
	"github.com/BSMU-ITLab/vision-biocell/pkg/inference"
	"github.com/BSMU-ITLab/vision-biocell/pkg/slide"
	"github.com/BSMU-ITLab/vision-biocell/pkg/tissue"
)

var (
	addr       = flag.String("addr", ":8080", "listen address")
	modelPath  = flag.String("model", "models/pca-segmenter.tflite", "path to the segmentation model")
	configPath = flag.String("config", "biocell.yaml", "path to the configuration file")
	staticDir  = flag.String("static", "./static", "path to the GUI static files")
	threads    = flag.Int("threads", 4, "interpreter thread count")
)

// sessionEntry ties a session to the slide it reads from. The slide pyramid
// holds native image memory, so it is released as soon as the session
// terminates; the finalized result needs only the probability map.
type sessionEntry struct {
	session *analysis.Session
	slide   *slide.Slide

	releaseOnce sync.Once
}

// releaseSlide closes the slide handle. Idempotent.
func (e *sessionEntry) releaseSlide() {
	e.releaseOnce.Do(func() {
		if err := e.slide.Close(); err != nil {
			log.Printf("session %s: closing slide: %v", e.session.ID(), err)
		}
	})
}

type server struct {
	cfg    *config.Config
	engine inference.Engine

	// openSlide opens the slide file named in a start request.
	openSlide func(path string) (*slide.Slide, error)

	mu       sync.Mutex
	sessions map[string]*sessionEntry
}

func (s *server) routes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/analyses", s.startAnalysis)
	api.GET("/analyses/:id/progress", s.progress)
	api.POST("/analyses/:id/cancel", s.cancel)
	api.GET("/analyses/:id/result", s.result)
	api.DELETE("/analyses/:id", s.remove)
}

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	engine, err := inference.NewTFLiteEngine(*modelPath, *threads)
	if err != nil {
		log.Fatalf("failed to load model: %v", err)
	}
	defer engine.Close()

	srv := &server{
		cfg:       cfg,
		engine:    engine,
		openSlide: slide.OpenImage,
		sessions:  make(map[string]*sessionEntry),
	}

	router := gin.Default()
	router.Use(static.Serve("/", static.LocalFile(*staticDir, false)))
	srv.routes(router)

	log.Printf("listening on %s", *addr)
	if err := router.Run(*addr); err != nil {
		log.Fatal(err)
	}
}

type startRequest struct {
	SlidePath  string `json:"slidePath" binding:"required"`
	TissueSkip bool   `json:"tissueSkip"`
}

func (s *server) startAnalysis(c *gin.Context) {
	var req startRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sl, err := s.openSlide(req.SlidePath)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}

	var opts []analysis.Option
	if req.TissueSkip {
		mask, err := tissue.NewThresholdMask(sl, s.cfg.Tiling.WorkingLevel, tissue.DefaultConfig())
		if err != nil {
			log.Printf("tissue mask unavailable for %s: %v", req.SlidePath, err)
		} else {
			opts = append(opts, analysis.WithTissueMask(mask))
		}
	}

	session, err := analysis.Start(sl, s.engine, s.cfg, opts...)
	if err != nil {
		sl.Close()
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	entry := &sessionEntry{session: session, slide: sl}
	s.mu.Lock()
	s.sessions[session.ID()] = entry
	s.mu.Unlock()

	// Release the slide once the session no longer extracts from it.
	go func() {
		_ = session.Wait(context.Background())
		entry.releaseSlide()
	}()

	c.JSON(http.StatusCreated, gin.H{"id": session.ID(), "state": session.State().String()})
}

func (s *server) lookup(c *gin.Context) *sessionEntry {
	s.mu.Lock()
	entry := s.sessions[c.Param("id")]
	s.mu.Unlock()
	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
	}
	return entry
}

func (s *server) progress(c *gin.Context) {
	entry := s.lookup(c)
	if entry == nil {
		return
	}
	fraction, cov := entry.session.Progress()
	resp := gin.H{
		"state":    entry.session.State().String(),
		"fraction": fraction,
		"coverage": gin.H{
			"planned": cov.Planned,
			"merged":  cov.Merged,
			"skipped": cov.Skipped,
			"failed":  cov.Failed,
		},
	}
	if err := entry.session.Err(); err != nil {
		resp["error"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *server) cancel(c *gin.Context) {
	entry := s.lookup(c)
	if entry == nil {
		return
	}
	entry.session.Cancel()
	c.JSON(http.StatusAccepted, gin.H{"state": entry.session.State().String()})
}

// remove evicts a session. A still-running session is cancelled first; its
// slide is released by the watcher once the session drains.
func (s *server) remove(c *gin.Context) {
	id := c.Param("id")
	s.mu.Lock()
	entry := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if entry == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session"})
		return
	}
	entry.session.Cancel()
	c.Status(http.StatusNoContent)
}

func (s *server) result(c *gin.Context) {
	entry := s.lookup(c)
	if entry == nil {
		return
	}
	if !entry.session.State().Terminal() {
		c.JSON(http.StatusConflict, gin.H{"error": "analysis still running", "state": entry.session.State().String()})
		return
	}

	result, err := entry.session.Result()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error": err.Error(),
			"state": entry.session.State().String(),
		})
		return
	}

	regions := make([]gin.H, 0, len(result.Regions))
	for _, region := range result.Regions {
		regions = append(regions, gin.H{
			"label":     region.Label,
			"area":      region.Area,
			"meanScore": region.MeanScore,
			"peakScore": region.PeakScore,
			"bounds": gin.H{
				"x": region.Bounds.X, "y": region.Bounds.Y,
				"w": region.Bounds.W, "h": region.Bounds.H,
			},
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"state":   entry.session.State().String(),
		"partial": result.Partial,
		"regions": regions,
	})
}
