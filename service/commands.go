package service

import (
	"context"
	"fmt"
	"strings"
)

// commandTopic returns the topic a vacuum listens on for action requests.
func commandTopic(objectID string) string {
	return fmt.Sprintf("hearth/vacuum/%s/command", objectID)
}

// attachCommands subscribes one command topic per vacuum. The payload is the
// action name; set_fan_speed carries the requested speed after the verb,
// e.g. "set_fan_speed high".
func (s *Service) attachCommands() error {
	for objectID := range s.vacuums {
		objectID := objectID
		handler := func(topic string, payload []byte) {
			s.handleCommand(objectID, payload)
		}
		if err := s.conn.Subscribe(commandTopic(objectID), 0, handler); err != nil {
			return err
		}
	}
	return nil
}

// handleCommand dispatches a command on its own goroutine. Action scripts
// sleep and wait for broker acknowledgements, so they must stay off the event
// loop; the state writes they trigger are marshalled back onto it by the
// vacuum itself.
func (s *Service) handleCommand(objectID string, payload []byte) {
	command := strings.TrimSpace(string(payload))
	go s.runCommand(objectID, command)
}

func (s *Service) runCommand(objectID, command string) {
	v := s.vacuums[objectID]
	if v == nil {
		return
	}
	verb, arg, _ := strings.Cut(command, " ")
	ctx := context.Background()

	var err error
	switch verb {
	case "start":
		err = v.Start(ctx)
	case "pause":
		err = v.Pause(ctx)
	case "stop":
		err = v.Stop(ctx)
	case "return_to_base":
		err = v.ReturnToBase(ctx)
	case "clean_spot":
		err = v.CleanSpot(ctx)
	case "locate":
		err = v.Locate(ctx)
	case "set_fan_speed":
		err = v.SetFanSpeed(ctx, strings.TrimSpace(arg))
	default:
		s.logger.Warn().Str("entity", v.EntityID()).Str("command", verb).Msg("unknown command")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("entity", v.EntityID()).Str("command", verb).Msg("command failed")
	}
}
