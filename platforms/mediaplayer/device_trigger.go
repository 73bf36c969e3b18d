// Package mediaplayer provides device automations for media player entities.
// Device triggers are a fixed vocabulary that lowers onto the generic state
// trigger.
package mediaplayer

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/telemetry"
	"github.com/hearth-home/hearth/trigger"
)

// Domain is the entity id prefix for media players.
const Domain = "media_player"

// TriggerType is one of the supported device trigger kinds.
type TriggerType string

const (
	TriggerTurnedOn  TriggerType = "turned_on"
	TriggerTurnedOff TriggerType = "turned_off"
	TriggerIdle      TriggerType = "idle"
	TriggerPaused    TriggerType = "paused"
	TriggerPlaying   TriggerType = "playing"
)

// TriggerTypes lists the supported device trigger kinds.
var TriggerTypes = []TriggerType{
	TriggerTurnedOn,
	TriggerTurnedOff,
	TriggerIdle,
	TriggerPaused,
	TriggerPlaying,
}

// Supported reports whether the trigger kind is part of the vocabulary.
func Supported(kind TriggerType) bool {
	_, ok := triggerStates[kind]
	return ok
}

var triggerStates = map[TriggerType]string{
	TriggerTurnedOn:  "on",
	TriggerTurnedOff: "off",
	TriggerIdle:      "idle",
	TriggerPaused:    "paused",
	TriggerPlaying:   "playing",
}

// TriggerConfig describes one media player device trigger.
type TriggerConfig struct {
	EntityID string
	Type     TriggerType
	For      time.Duration
}

// TriggersFor lists every device trigger available for the media player
// entities known to the registry.
func TriggersFor(registry *entity.Registry) []TriggerConfig {
	var triggers []TriggerConfig
	for _, id := range registry.IDs() {
		if !strings.HasPrefix(id, Domain+".") {
			continue
		}
		for _, kind := range TriggerTypes {
			triggers = append(triggers, TriggerConfig{EntityID: id, Type: kind})
		}
	}
	return triggers
}

// Attach lowers the device trigger onto a state trigger and attaches it.
func Attach(
	registry *entity.Registry,
	lp *loop.Loop,
	cfg TriggerConfig,
	action trigger.Action,
	logger zerolog.Logger,
	collector telemetry.Collector,
) (func(), error) {
	if !strings.HasPrefix(cfg.EntityID, Domain+".") {
		return nil, fmt.Errorf("entity %q is not a media player", cfg.EntityID)
	}
	toState, ok := triggerStates[cfg.Type]
	if !ok {
		return nil, fmt.Errorf("unsupported media player trigger type %q", cfg.Type)
	}
	stateCfg := trigger.StateConfig{
		ID:       fmt.Sprintf("%s/%s", cfg.EntityID, cfg.Type),
		EntityID: cfg.EntityID,
		To:       toState,
		For:      cfg.For,
	}
	return trigger.AttachState(registry, lp, stateCfg, action, logger, collector)
}
