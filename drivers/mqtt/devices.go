package mqtt

import (
	"encoding/json"

	"github.com/rs/zerolog"

	"github.com/hearth-home/hearth/config"
	"github.com/hearth-home/hearth/entity"
	"github.com/hearth-home/hearth/loop"
	"github.com/hearth-home/hearth/platforms/overkiz"
	"github.com/hearth-home/hearth/platforms/unifiprotect"
)

// overkizDeviceDoc is the wire form of one hub device in a device document.
type overkizDeviceDoc struct {
	DeviceURL string            `json:"device_url"`
	Label     string            `json:"label"`
	Widget    string            `json:"widget"`
	UIClass   string            `json:"ui_class"`
	States    map[string]string `json:"states"`
}

// OverkizFeed turns hub device documents into binary sensor entities. Every
// document is a full snapshot of the hub; sensors are rebuilt from it on each
// message.
type OverkizFeed struct {
	registry *entity.Registry
	logger   zerolog.Logger
}

// NewOverkizFeed builds the feed.
func NewOverkizFeed(registry *entity.Registry, logger zerolog.Logger) *OverkizFeed {
	return &OverkizFeed{
		registry: registry,
		logger:   logger.With().Str("component", "overkiz").Logger(),
	}
}

// Attach subscribes the configured device document topic.
func (f *OverkizFeed) Attach(conn *Connection, lp *loop.Loop, cfg config.OverkizConfig) error {
	handler := func(topic string, payload []byte) {
		body := append([]byte(nil), payload...)
		if err := lp.Submit(func() { f.ingest(topic, body) }); err != nil {
			f.logger.Debug().Err(err).Str("topic", topic).Msg("loop stopped, document dropped")
		}
	}
	if err := conn.Subscribe(cfg.Topic, cfg.QoS, handler); err != nil {
		return err
	}
	f.logger.Info().Str("topic", cfg.Topic).Msg("overkiz device documents attached")
	return nil
}

func (f *OverkizFeed) ingest(topic string, payload []byte) {
	var docs []overkizDeviceDoc
	if err := json.Unmarshal(payload, &docs); err != nil {
		f.logger.Warn().Err(err).Str("topic", topic).Msg("malformed device document")
		return
	}
	devices := make([]*overkiz.Device, 0, len(docs))
	for _, doc := range docs {
		devices = append(devices, &overkiz.Device{
			DeviceURL: doc.DeviceURL,
			Label:     doc.Label,
			Widget:    doc.Widget,
			UIClass:   doc.UIClass,
			States:    doc.States,
		})
	}
	sensors := overkiz.NewBinarySensors(devices)
	for _, sensor := range sensors {
		sensor.Publish(f.registry)
	}
	f.logger.Debug().Int("devices", len(devices)).Int("sensors", len(sensors)).Msg("device document applied")
}

// protectChannelDoc is the wire form of one camera stream.
type protectChannelDoc struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Width         int    `json:"width"`
	Height        int    `json:"height"`
	FPS           int    `json:"fps"`
	Bitrate       int    `json:"bitrate"`
	IsRTSPEnabled bool   `json:"rtsp_enabled"`
	RTSPURL       string `json:"rtsp_url"`
	RTSPSURL      string `json:"rtsps_url"`
}

// protectCameraDoc is the wire form of one camera in a bootstrap document.
type protectCameraDoc struct {
	ID       string              `json:"id"`
	Name     string              `json:"name"`
	State    string              `json:"state"`
	Channels []protectChannelDoc `json:"channels"`
}

// protectDoc is the wire form of an NVR bootstrap document.
type protectDoc struct {
	Version string             `json:"version"`
	Cameras []protectCameraDoc `json:"cameras"`
}

// ProtectFeed turns NVR bootstrap documents into camera entities. Documents
// from firmware older than the minimum supported release are rejected.
type ProtectFeed struct {
	registry    *entity.Registry
	logger      zerolog.Logger
	disableRTSP bool
}

// NewProtectFeed builds the feed.
func NewProtectFeed(registry *entity.Registry, logger zerolog.Logger, disableRTSP bool) *ProtectFeed {
	return &ProtectFeed{
		registry:    registry,
		logger:      logger.With().Str("component", "unifiprotect").Logger(),
		disableRTSP: disableRTSP,
	}
}

// Attach subscribes the configured bootstrap document topic.
func (f *ProtectFeed) Attach(conn *Connection, lp *loop.Loop, cfg config.UnifiProtectConfig) error {
	handler := func(topic string, payload []byte) {
		body := append([]byte(nil), payload...)
		if err := lp.Submit(func() { f.ingest(topic, body) }); err != nil {
			f.logger.Debug().Err(err).Str("topic", topic).Msg("loop stopped, document dropped")
		}
	}
	if err := conn.Subscribe(cfg.Topic, cfg.QoS, handler); err != nil {
		return err
	}
	f.logger.Info().Str("topic", cfg.Topic).Msg("protect bootstrap documents attached")
	return nil
}

func (f *ProtectFeed) ingest(topic string, payload []byte) {
	var doc protectDoc
	if err := json.Unmarshal(payload, &doc); err != nil {
		f.logger.Warn().Err(err).Str("topic", topic).Msg("malformed bootstrap document")
		return
	}
	if err := unifiprotect.CheckVersion(doc.Version); err != nil {
		f.logger.Error().Err(err).Str("topic", topic).Msg("bootstrap document rejected")
		return
	}
	published := 0
	for _, raw := range doc.Cameras {
		camera := &unifiprotect.ProtectCamera{
			ID:       raw.ID,
			Name:     raw.Name,
			State:    raw.State,
			Channels: make([]unifiprotect.Channel, 0, len(raw.Channels)),
		}
		for _, ch := range raw.Channels {
			camera.Channels = append(camera.Channels, unifiprotect.Channel{
				ID:            ch.ID,
				Name:          ch.Name,
				Width:         ch.Width,
				Height:        ch.Height,
				FPS:           ch.FPS,
				Bitrate:       ch.Bitrate,
				IsRTSPEnabled: ch.IsRTSPEnabled,
				RTSPURL:       ch.RTSPURL,
				RTSPSURL:      ch.RTSPSURL,
			})
		}
		for _, cam := range unifiprotect.NewCameras(camera, f.disableRTSP) {
			cam.Publish(f.registry)
			published++
		}
	}
	f.logger.Debug().Int("cameras", len(doc.Cameras)).Int("entities", published).Msg("bootstrap document applied")
}
