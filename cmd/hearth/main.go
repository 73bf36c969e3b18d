package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hearth-home/hearth/config"
	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/internal/logging"
	"github.com/hearth-home/hearth/internal/reload"
	"github.com/hearth-home/hearth/platforms/mediaplayer"
	"github.com/hearth-home/hearth/platforms/vacuum"
	"github.com/hearth-home/hearth/service"
	"github.com/hearth-home/hearth/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	metricsListen := flag.String("metrics-listen", "", "Metrics listen address (overrides telemetry.listen)")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	if listen := metricsAddress(cfg.Telemetry, *metricsListen); listen != "" {
		startMetricsServer(ctx, listen, logger)
	}

	if cfg.HotReload {
		if err := runWithHotReload(ctx, *cfgPath, cfg, logger, collector); err != nil && err != context.Canceled {
			logger.Fatal().Err(err).Msg("service stopped")
		}
		return
	}

	srv, err := service.New(cfg, logger, collector)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create service")
	}
	defer srv.Close()

	if err := srv.Run(ctx); err != nil && err != context.Canceled {
		logger.Fatal().Err(err).Msg("service stopped with error")
	}
}

// runWithHotReload restarts the service whenever the configuration file
// changes and the new document validates.
func runWithHotReload(ctx context.Context, cfgPath string, cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) error {
	watcher, err := reload.NewWatcher(cfgPath)
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		srv, err := service.New(cfg, logger, collector)
		if err != nil {
			return err
		}

		runCtx, cancelRun := context.WithCancel(ctx)
		errCh := make(chan error, 1)
		go func() {
			errCh <- srv.Run(runCtx)
		}()

		reloaded := false
	poll:
		for {
			select {
			case <-ctx.Done():
				cancelRun()
				err := <-errCh
				srv.Close()
				if err != nil && err != context.Canceled {
					return err
				}
				return ctx.Err()
			case err := <-errCh:
				cancelRun()
				srv.Close()
				return err
			case <-ticker.C:
				if !watcher.Changed() {
					continue
				}
				newCfg, err := config.Load(cfgPath)
				if err != nil {
					logger.Error().Err(err).Msg("failed to reload configuration")
					watcher.Update()
					continue
				}
				if err := service.Validate(newCfg, logger); err != nil {
					logger.Error().Err(err).Msg("reloaded configuration invalid")
					watcher.Update()
					continue
				}
				cancelRun()
				if err := <-errCh; err != nil && err != context.Canceled {
					logger.Error().Err(err).Msg("service stopped during reload")
				}
				srv.Close()
				watcher.Update()
				cfg = newCfg
				reloaded = true
				logger.Info().Msg("configuration reloaded")
				break poll
			}
		}
		if !reloaded {
			return nil
		}
	}
}

func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	return service.Validate(cfg, zerolog.Nop())
}

func executeConfigCheck(cfg *config.Config) int {
	if err := service.Validate(cfg, zerolog.Nop()); err != nil {
		fmt.Fprintf(os.Stderr, "configuration invalid: %v\n", err)
		return 1
	}

	ids := make([]string, 0, len(cfg.Vacuums))
	for objectID := range cfg.Vacuums {
		ids = append(ids, objectID)
	}
	sort.Strings(ids)
	for _, objectID := range ids {
		vcfg := cfg.Vacuums[objectID]
		fmt.Printf("Vacuum %q\n", objectID)
		printTemplate("State template", vcfg.ValueTemplate)
		printTemplate("Battery template", vcfg.BatteryLevelTemplate)
		printTemplate("Fan speed template", vcfg.FanSpeedTemplate)
		printTemplate("Availability template", vcfg.AvailabilityTemplate)
		if len(vcfg.FanSpeeds) > 0 {
			fmt.Printf("  Fan speeds: %v\n", vcfg.FanSpeeds)
		}
		fmt.Printf("  Actions: %s\n", joinActions(vcfg))
		fmt.Println()
	}
	for _, line := range deviceTriggerLines(cfg) {
		fmt.Println(line)
	}
	fmt.Printf("Sources: %d, triggers: %d, awair devices: %d\n", len(cfg.Sources), len(cfg.Triggers), len(cfg.Awair))
	fmt.Println("Configuration check completed successfully.")
	return 0
}

// deviceTriggerLines lists the device trigger vocabulary for every media
// player referenced by the configured triggers.
func deviceTriggerLines(cfg *config.Config) []string {
	registry := entity.NewRegistry()
	for _, trig := range cfg.Triggers {
		if strings.HasPrefix(trig.EntityID, mediaplayer.Domain+".") {
			registry.SetState(trig.EntityID, "unknown", nil, false)
		}
	}
	byEntity := make(map[string][]string)
	for _, trig := range mediaplayer.TriggersFor(registry) {
		byEntity[trig.EntityID] = append(byEntity[trig.EntityID], string(trig.Type))
	}
	ids := make([]string, 0, len(byEntity))
	for id := range byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		lines = append(lines, fmt.Sprintf("Device triggers for %s: %s", id, strings.Join(byEntity[id], ", ")))
	}
	return lines
}

func printTemplate(label, source string) {
	fmt.Printf("  %s: ", label)
	if source == "" {
		fmt.Println("<none>")
		return
	}
	fmt.Println(source)
}

func joinActions(vcfg config.VacuumConfig) string {
	bound := map[vacuum.ActionKind][]config.ScriptStepConfig{
		vacuum.ActionStart:        vcfg.Start,
		vacuum.ActionPause:        vcfg.Pause,
		vacuum.ActionStop:         vcfg.Stop,
		vacuum.ActionReturnToBase: vcfg.ReturnToBase,
		vacuum.ActionCleanSpot:    vcfg.CleanSpot,
		vacuum.ActionLocate:       vcfg.Locate,
		vacuum.ActionSetFanSpeed:  vcfg.SetFanSpeed,
	}
	out := ""
	for _, kind := range vacuum.ActionKinds {
		if len(bound[kind]) == 0 {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += string(kind)
	}
	return out
}

func metricsAddress(cfg config.TelemetryConfig, override string) string {
	if override != "" {
		return override
	}
	if cfg.Enabled {
		if cfg.Listen != "" {
			return cfg.Listen
		}
		return ":9090"
	}
	return ""
}

func startMetricsServer(ctx context.Context, listen string, logger zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: listen, Handler: mux}

	go func() {
		logger.Info().Str("listen", listen).Msg("metrics endpoint listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	return telemetry.NewPrometheusCollector(nil)
}
