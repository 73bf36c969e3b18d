// Package service assembles the runtime: configuration is lowered onto the
// event loop, registry, template engine, MQTT connection and the configured
// platforms, and the whole arrangement runs until the context ends.
package service

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/config"
	"github.com/hearth-home/hearth/drivers/mqtt"
	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/platforms/awair"
	"github.com/hearth-home/hearth/platforms/mediaplayer"
	"github.com/hearth-home/hearth/platforms/vacuum"
	"github.com/hearth-home/hearth/script"
	"github.com/hearth-home/hearth/telemetry"
	"github.com/hearth-home/hearth/template"
	"github.com/hearth-home/hearth/trigger"
)

// Service owns every runtime component. Close releases them in reverse
// construction order.
type Service struct {
	cfg       *config.Config
	logger    zerolog.Logger
	collector telemetry.Collector

	loop     *loop.Loop
	registry *entity.Registry
	engine   *template.Engine
	conn     *mqtt.Connection
	vacuums  map[string]*vacuum.Vacuum

	detachers []func()
}

// New builds the service from a validated configuration. The MQTT connection
// is established here; a broker that cannot be reached fails construction.
func New(cfg *config.Config, logger zerolog.Logger, collector telemetry.Collector) (*Service, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration must not be nil")
	}
	if collector == nil {
		collector = telemetry.Noop()
	}

	s := &Service{
		cfg:       cfg,
		logger:    logger,
		collector: collector,
		loop:      loop.New(logger),
		registry:  entity.NewRegistry(),
		vacuums:   make(map[string]*vacuum.Vacuum),
	}
	s.engine = template.NewEngine(s.registry, s.loop, logger)

	var publisher script.Publisher
	if cfg.MQTT != nil {
		conn, err := mqtt.Dial(mqtt.SettingsFromConfig(*cfg.MQTT), logger)
		if err != nil {
			return nil, err
		}
		s.conn = conn
		publisher = conn
	}

	if err := s.buildVacuums(publisher); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.buildTriggers(publisher); err != nil {
		s.Close()
		return nil, err
	}
	if s.conn != nil {
		if err := mqtt.AttachSources(s.conn, s.registry, s.loop, cfg.Sources, logger); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.buildAwair(); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.buildOverkiz(); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.buildProtect(); err != nil {
			s.Close()
			return nil, err
		}
		if err := s.attachCommands(); err != nil {
			s.Close()
			return nil, err
		}
	}

	return s, nil
}

// Vacuum returns a built vacuum by object id, for command routing and tests.
func (s *Service) Vacuum(objectID string) *vacuum.Vacuum {
	return s.vacuums[objectID]
}

// Registry exposes the entity registry.
func (s *Service) Registry() *entity.Registry {
	return s.registry
}

// Loop exposes the event loop.
func (s *Service) Loop() *loop.Loop {
	return s.loop
}

// Run starts template evaluation and drives the event loop until the context
// is cancelled.
func (s *Service) Run(ctx context.Context) error {
	detach, err := s.engine.Start()
	if err != nil {
		return err
	}
	defer detach()
	s.collector.SetEntityCount("vacuum", len(s.vacuums))
	s.logger.Info().Int("vacuums", len(s.vacuums)).Int("sources", len(s.cfg.Sources)).Msg("service running")
	return s.loop.Run(ctx)
}

// Close detaches triggers and tears down the broker connection.
func (s *Service) Close() {
	for i := len(s.detachers) - 1; i >= 0; i-- {
		s.detachers[i]()
	}
	s.detachers = nil
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
}

func (s *Service) buildVacuums(publisher script.Publisher) error {
	for objectID, vcfg := range s.cfg.Vacuums {
		built, err := buildVacuum(objectID, vcfg, publisher, s.logger, s.collector)
		if err != nil {
			return err
		}
		built.Attach(s.engine, s.registry, s.loop)
		s.vacuums[objectID] = built
	}
	return nil
}

func (s *Service) buildTriggers(publisher script.Publisher) error {
	for _, tcfg := range s.cfg.Triggers {
		runner, err := buildScript("trigger/"+tcfg.ID, tcfg.Run, publisher, s.logger)
		if err != nil {
			return err
		}
		action := s.triggerAction(runner)

		holdFor := durationOf(tcfg.For)
		var detach func()
		if tcfg.Type != "" {
			detach, err = mediaplayer.Attach(s.registry, s.loop, mediaplayer.TriggerConfig{
				EntityID: tcfg.EntityID,
				Type:     mediaplayer.TriggerType(tcfg.Type),
				For:      holdFor,
			}, action, s.logger, s.collector)
		} else {
			detach, err = trigger.AttachState(s.registry, s.loop, trigger.StateConfig{
				ID:       tcfg.ID,
				EntityID: tcfg.EntityID,
				To:       tcfg.To,
				For:      holdFor,
			}, action, s.logger, s.collector)
		}
		if err != nil {
			return fmt.Errorf("trigger %s: %w", tcfg.ID, err)
		}
		s.detachers = append(s.detachers, detach)
	}
	return nil
}

// triggerAction fires the bound script. The action is invoked on the event
// loop, so the script runs on its own goroutine; delays and broker
// acknowledgements must never stall other handlers.
func (s *Service) triggerAction(runner *script.Script) trigger.Action {
	return func(change entity.Change) {
		vars := map[string]interface{}{
			"entity_id": change.EntityID,
		}
		if change.New != nil {
			vars["to_state"] = change.New.Value
		}
		if change.Old != nil {
			vars["from_state"] = change.Old.Value
		}
		go func() {
			if err := runner.Run(context.Background(), vars); err != nil {
				s.logger.Error().Err(err).Str("script", runner.Name()).Msg("trigger script failed")
				s.collector.IncScriptRun(runner.Name(), true)
				return
			}
			s.collector.IncScriptRun(runner.Name(), false)
		}()
	}
}

func (s *Service) buildAwair() error {
	if len(s.cfg.Awair) == 0 {
		return nil
	}
	feed := mqtt.NewAwairFeed(s.registry, s.awairCollector(), s.logger)
	return feed.Attach(s.conn, s.loop, s.cfg.Awair)
}

func (s *Service) buildOverkiz() error {
	if s.cfg.Overkiz == nil {
		return nil
	}
	feed := mqtt.NewOverkizFeed(s.registry, s.logger)
	return feed.Attach(s.conn, s.loop, *s.cfg.Overkiz)
}

func (s *Service) buildProtect() error {
	if s.cfg.UnifiProtect == nil {
		return nil
	}
	feed := mqtt.NewProtectFeed(s.registry, s.logger, s.cfg.UnifiProtect.DisableRTSP)
	return feed.Attach(s.conn, s.loop, *s.cfg.UnifiProtect)
}

// awairCollector registers the reading collector only when real telemetry is
// enabled; a Noop service collector means metrics are off entirely.
func (s *Service) awairCollector() *awair.MetricsCollector {
	if _, ok := s.collector.(*telemetry.PrometheusCollector); !ok {
		return nil
	}
	collector := awair.NewMetricsCollector()
	if err := prometheus.Register(collector); err != nil {
		s.logger.Warn().Err(err).Msg("awair collector not registered")
	}
	return collector
}

func durationOf(d *config.Duration) time.Duration {
	if d == nil {
		return 0
	}
	return d.Duration
}
