package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Party/internal/adapters/http"
	"github.com/dkeye/Party/internal/adapters/rtc"
	sig "github.com/dkeye/Party/internal/adapters/signal"
	"github.com/dkeye/Party/internal/app"
	"github.com/dkeye/Party/internal/app/sfu"
	"github.com/dkeye/Party/internal/config"
)

func rtcSettings(c config.RTCConfig) rtc.Settings {
	s := rtc.Settings{
		UDPPortMin:      c.UDPPortMin,
		UDPPortMax:      c.UDPPortMax,
		NAT1To1IPs:      c.NAT1To1IPs,
		IncludeLoopback: c.IncludeLoopback,
	}
	if len(c.ICEServers) > 0 {
		s.ICEServers = []webrtc.ICEServer{{URLs: c.ICEServers}}
	}
	return s
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	config.ApplyLogLevel(cfg.LogLevel)

	routers, err := sfu.NewRouterFactory(rtcSettings(cfg.RTC))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build media engine")
	}
	clk := clock.New()
	mgr := app.NewSessionManager(routers, app.NewRegistry(), app.Options{
		HostGracePeriod: cfg.Session.HostGracePeriod,
		Policy:          app.PolicyByName(cfg.Session.Backpressure),
		Clock:           clk,
	})

	var limiter *sig.RateLimiter
	if cfg.RateLimit.Limit > 0 && cfg.RateLimit.Interval > 0 {
		limiter = sig.NewRateLimiter(cfg.RateLimit.Limit, cfg.RateLimit.Interval, clk)
	}
	ctl := sig.NewSignalWSController(mgr, sig.Options{
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
		Limiter:      limiter,
		Clock:        clk,
	})

	r := router.SetupRouter(ctx, cfg, mgr, ctl)
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("Party server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if limiter != nil {
		g.Go(func() error {
			t := clk.Ticker(cfg.RateLimit.Interval)
			defer t.Stop()
			for {
				select {
				case <-gctx.Done():
					return nil
				case <-t.C:
					limiter.Prune()
				}
			}
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		// listeners learn the reason before their sockets go away
		mgr.Close()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server error")
		os.Exit(1)
	}
	log.Info().Msg("Server exited gracefully")
}
