package mqtt

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/hearth-home/hearth/entity"
)

func TestOverkizFeedIngest(t *testing.T) {
	registry := entity.NewRegistry()
	feed := NewOverkizFeed(registry, zerolog.Nop())

	payload := []byte(`[
		{"device_url": "io://1234-5678-9012/3456789", "label": "Garden", "widget": "RainSensor",
		 "states": {"core:RainState": "detected"}},
		{"device_url": "io://1234-5678-9012/1111111", "label": "Hub", "widget": "Pod",
		 "states": {"core:ContactState": "open"}}
	]`)
	feed.ingest("overkiz/devices", payload)

	state := registry.Get("binary_sensor.io___1234_5678_9012_3456789_core_rainstate")
	require.NotNil(t, state)
	require.Equal(t, "on", state.Value)
	require.True(t, state.Available)
	require.Equal(t, "Garden Rain", state.Attributes["friendly_name"])

	// Pod devices never grow entities
	require.Len(t, registry.IDs(), 1)
}

func TestOverkizFeedIgnoresMalformedDocuments(t *testing.T) {
	registry := entity.NewRegistry()
	feed := NewOverkizFeed(registry, zerolog.Nop())

	feed.ingest("overkiz/devices", []byte(`not json`))
	require.Empty(t, registry.IDs())
}

func TestProtectFeedIngest(t *testing.T) {
	registry := entity.NewRegistry()
	feed := NewProtectFeed(registry, zerolog.Nop(), false)

	payload := []byte(`{
		"version": "2.1.0",
		"cameras": [{"id": "cam1", "name": "Front", "state": "connected",
			"channels": [{"id": 0, "name": "High", "width": 1920, "height": 1080,
				"fps": 25, "bitrate": 6000000, "rtsp_enabled": true,
				"rtsp_url": "rtsp://nvr:7447/high", "rtsps_url": "rtsps://nvr:7441/high"}]}]
	}`)
	feed.ingest("protect/bootstrap", payload)

	state := registry.Get("camera.front_high")
	require.NotNil(t, state)
	require.Equal(t, "connected", state.Value)
	require.True(t, state.Available)
	require.Equal(t, 1920, state.Attributes["width"])

	insecure := registry.Get("camera.front_high_insecure")
	require.NotNil(t, insecure)
}

func TestProtectFeedRejectsOutdatedVersion(t *testing.T) {
	registry := entity.NewRegistry()
	feed := NewProtectFeed(registry, zerolog.Nop(), false)

	payload := []byte(`{"version": "1.19.0", "cameras": [{"id": "cam1", "name": "Front",
		"channels": [{"id": 0, "name": "High", "rtsp_enabled": true}]}]}`)
	feed.ingest("protect/bootstrap", payload)

	require.Empty(t, registry.IDs())
}
