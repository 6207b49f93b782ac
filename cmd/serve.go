package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"example.com/backstage/services/dispenser/internal/api"
	"example.com/backstage/services/dispenser/internal/core"
	"example.com/backstage/services/dispenser/internal/infrastructure"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Starts the dispenser portal API server",
	Long:  `Launches the HTTP server for the device sync protocol and the caregiver portal.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServer() error {
	logger.Info("Initializing dispenser portal...")

	rt, err := bootstrap(true)
	if err != nil {
		return err
	}
	defer rt.Close()

	if rt.bus != nil {
		rt.bus.RegisterHandler("progress", progressHandler(rt.services))
		if err := rt.bus.Start(); err != nil {
			// owner notifications become best effort no-ops while disconnected
			logger.WithError(err).Warn("MQTT broker unavailable, continuing without live notifications")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if interval := cfg.Compliance.SweepInterval; interval > 0 {
		go runSweepLoop(ctx, rt.services.Compliance, interval)
	}

	// --- API Layer Setup ---
	if os.Getenv(gin.EnvGinMode) == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	handlers := api.NewAPIHandlers(rt.services, logger)
	routeOpts := api.RouteOptions{
		RateLimit:       cfg.Server.RateLimit,
		RateLimitWindow: cfg.Server.RateLimitEvery,
	}
	if rt.cache != nil {
		routeOpts.Counter = rt.cache
	}
	api.SetupRoutes(router, handlers, rt.services, logger, routeOpts)

	// --- HTTP Server ---
	serverAddr := fmt.Sprintf(":%d", cfg.Server.Port)
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	// --- Graceful Shutdown ---
	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, os.Interrupt, syscall.SIGTERM)

	serverErr := make(chan error, 1)
	go func() {
		logger.Infof("Dispenser API listening on %s", serverAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case <-shutdownChan:
		logger.Warn("Shutdown signal received, initiating graceful shutdown...")
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("Server shutdown failed: %v", err)
	} else {
		logger.Info("Server stopped gracefully")
	}

	logger.Info("Dispenser portal shutdown complete")
	return nil
}

// progressHandler relays devices/<code>/progress reports to the owner.
func progressHandler(services *core.ServiceRegistry) infrastructure.MessageHandler {
	return func(ctx context.Context, topic string, payload []byte) error {
		code, ok := infrastructure.DeviceCodeFromTopic(topic)
		if !ok {
			return fmt.Errorf("unexpected progress topic %q", topic)
		}

		var report struct {
			Message string `json:"msg"`
			Percent int    `json:"pct"`
		}
		if err := json.Unmarshal(payload, &report); err != nil {
			return fmt.Errorf("invalid progress payload: %w", err)
		}
		return services.Sync.NotifyProgress(ctx, code, report.Message, report.Percent)
	}
}

func runSweepLoop(ctx context.Context, engine *core.ComplianceEngine, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	logger.WithField("interval", interval.String()).Info("Compliance sweep scheduled")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			results, err := engine.SweepAll(ctx, 0)
			if err != nil {
				logger.WithError(err).Error("Scheduled compliance sweep failed")
				continue
			}
			missed, late := 0, 0
			for _, r := range results {
				missed += r.Missed
				late += r.Late
			}
			logger.WithField("patients", len(results)).
				WithField("missed", missed).
				WithField("late", late).
				Info("Scheduled compliance sweep finished")
		}
	}
}
