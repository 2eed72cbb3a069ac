// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// infeed-sim drives a synthetic feed scroll session through the placement
// engine against a live OpenRTB bidder, and exposes the session state over
// HTTP for inspection. Pair it with infeed-bidder for a self-contained demo.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/adxyz/infeed/core"
	"github.com/adxyz/infeed/pkg/analytics"
	"github.com/adxyz/infeed/pkg/config"
	"github.com/adxyz/infeed/pkg/gateway"
	"github.com/adxyz/infeed/pkg/log"
	"github.com/adxyz/infeed/pkg/metric"
)

var (
	port        = flag.String("port", "8080", "API server port")
	env         = flag.String("env", "development", "Environment (development/production)")
	configPath  = flag.String("config", "configs/ads.yaml", "Brand ad configuration file")
	view        = flag.String("view", "news-list", "View type to simulate")
	platform    = flag.String("platform", "ios", "Platform (ios/android)")
	bidderURL   = flag.String("bidder", "http://localhost:9090/rtb/bid", "OpenRTB bidder endpoint")
	bidTimeout  = flag.Duration("bid-timeout", 300*time.Millisecond, "Bid request timeout")
	feedLength  = flag.Int("feed-length", 60, "Number of feed items")
	rowHeight   = flag.Int("row-height", 300, "Row height in px")
	scrollEvery = flag.Duration("scroll-every", 400*time.Millisecond, "Scroll tick interval")
)

func main() {
	flag.Parse()

	logger := log.NewLogger("infeed-sim")
	defer logger.Sync()

	cfg, err := config.Load(*configPath, logger)
	if err != nil {
		logger.Error("load config failed", "path", *configPath, "err", err)
		os.Exit(1)
	}
	policy := cfg.Policy(*view)
	if policy == nil {
		logger.Error("view has no valid ad policy", "view", *view, "brand", cfg.Brand)
		os.Exit(1)
	}

	metrics, err := metric.NewMetrics()
	if err != nil {
		logger.Error("metrics init failed", "err", err)
		os.Exit(1)
	}

	tracker := analytics.NewTracker(4096)
	gw := gateway.NewRTBGateway(*bidderURL, *bidTimeout, sizeFor(policy.Format), logger)
	gw.AppBundle = "com.adxyz.infeed.sim"

	engine, err := core.NewEngine(core.Options{
		ViewType: *view,
		Policy:   policy,
		Platform: core.Platform(*platform),
		Gateway:  gw,
		Sink:     tracker,
		Metrics:  metrics,
		Logger:   logger,
		Targeting: gateway.Targeting{
			"view":  {*view},
			"brand": {cfg.Brand},
		},
	})
	if err != nil {
		logger.Error("engine rejected policy", "view", *view, "err", err)
		os.Exit(1)
	}
	defer engine.Close()

	engine.SetFeed(core.FeedShape{Length: *feedLength})
	for _, pos := range engine.Positions() {
		engine.MountSlot(pos)
	}
	logger.Info("session started",
		"session", engine.Session().String(),
		"positions", engine.Positions(),
		"feed_length", *feedLength)

	stop := make(chan struct{})
	go scrollLoop(engine, *feedLength, *rowHeight, *scrollEvery, stop)
	go drainEvents(tracker, logger)

	router := setupRouter(engine, tracker, metrics)
	srv := &http.Server{
		Addr:    ":" + *port,
		Handler: router,
	}

	go func() {
		logger.Info("api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server failed", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "err", err)
	}
}

// scrollLoop sweeps the viewport down the feed one row per tick, then jumps
// back to the top, forever. Enough churn to exercise loading, viewing,
// eviction and re-approach.
func scrollLoop(engine *core.Engine, feedLength, rowHeight int, every time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	offset := 0
	maxOffset := feedLength * rowHeight
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			engine.OnScroll(offset)
			offset += rowHeight
			if offset > maxOffset {
				offset = 0
			}
		}
	}
}

// drainEvents consumes the tracker stream so the counters stay exact under
// long sessions. Events are logged at debug for tailing.
func drainEvents(tracker *analytics.Tracker, logger log.Logger) {
	for ev := range tracker.Events() {
		logger.Debug("event",
			"type", string(ev.Type),
			"slot", ev.SlotID,
			"from", ev.FromState,
			"to", ev.ToState)
	}
}

func setupRouter(engine *core.Engine, tracker *analytics.Tracker, metrics *metric.Metrics) *gin.Engine {
	if *env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.Default()

	corsCfg := cors.DefaultConfig()
	corsCfg.AllowOrigins = []string{"http://localhost:3000"}
	corsCfg.AllowMethods = []string{"GET", "OPTIONS"}
	router.Use(cors.New(corsCfg))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"session": engine.Session().String(),
			"time":    time.Now().Unix(),
		})
	})

	api := router.Group("/api/v1")
	{
		api.GET("/positions", func(c *gin.Context) {
			c.JSON(http.StatusOK, gin.H{"positions": engine.Positions()})
		})

		api.GET("/slots", func(c *gin.Context) {
			slots := make([]gin.H, 0)
			for _, pos := range engine.Positions() {
				view := engine.SlotView(pos)
				s := gin.H{
					"index":       pos,
					"state":       string(view.State),
					"collapse":    view.Collapse,
					"placeholder": view.Placeholder,
				}
				if view.Instance != nil {
					s["size"] = string(view.Instance.SizeClass)
					s["price"] = view.Instance.Price.String()
				}
				slots = append(slots, s)
			}
			c.JSON(http.StatusOK, gin.H{"slots": slots})
		})

		api.GET("/stats", func(c *gin.Context) {
			snap := tracker.Snapshot()
			snap["cached_instances"] = engine.CachedInstances()
			c.JSON(http.StatusOK, snap)
		})
	}

	router.GET("/metrics", gin.WrapH(
		promhttp.HandlerFor(metrics.GetGatherer(), promhttp.HandlerOpts{})))

	return router
}

func sizeFor(f core.Format) gateway.SizeClass {
	switch f {
	case core.FormatBanner:
		return gateway.SizeBanner
	case core.FormatNativeList, core.FormatCarousel:
		return gateway.SizeNative
	case core.FormatVideo:
		return gateway.SizeMediumRect
	default:
		return gateway.SizeFluid
	}
}
