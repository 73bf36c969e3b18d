// Package unifiprotect maps UniFi Protect NVR cameras into camera entities.
// One entity is produced per camera channel; secure (RTSPS) streams are
// preferred and the plain RTSP variant is created disabled.
package unifiprotect

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hearth-home/hearth/entity"
)

const (
	Domain = "unifiprotect"

	AttrWidth     = "width"
	AttrHeight    = "height"
	AttrFPS       = "fps"
	AttrBitrate   = "bitrate"
	AttrChannelID = "channel_id"

	DefaultPort         = 443
	DefaultAttribution  = "Powered by UniFi Protect Server"
	DefaultBrand        = "Ubiquiti"
	DefaultScanInterval = 5
	DefaultVerifySSL    = false
)

// ModelType is the NVR's device taxonomy.
type ModelType string

const (
	ModelCamera   ModelType = "camera"
	ModelLight    ModelType = "light"
	ModelViewport ModelType = "viewport"
	ModelSensor   ModelType = "sensor"
	ModelNVR      ModelType = "nvr"
	ModelEvent    ModelType = "event"
)

// DevicesThatAdopt are the model types that can be adopted by an NVR.
var DevicesThatAdopt = map[ModelType]struct{}{
	ModelCamera:   {},
	ModelLight:    {},
	ModelViewport: {},
	ModelSensor:   {},
}

// DevicesWithEntities additionally includes the NVR itself.
var DevicesWithEntities = union(DevicesThatAdopt, ModelNVR)

// DevicesForSubscribe additionally includes event objects.
var DevicesForSubscribe = union(DevicesWithEntities, ModelEvent)

func union(base map[ModelType]struct{}, extra ...ModelType) map[ModelType]struct{} {
	out := make(map[ModelType]struct{}, len(base)+len(extra))
	for model := range base {
		out[model] = struct{}{}
	}
	for _, model := range extra {
		out[model] = struct{}{}
	}
	return out
}

// MinRequiredVersion is the oldest supported UniFi Protect release.
const MinRequiredVersion = "1.20.0"

const outdatedLogMessage = "you are running v%s of UniFi Protect, minimum required version is v%s, please upgrade UniFi Protect and then retry"

// CheckVersion rejects NVR firmware older than MinRequiredVersion.
func CheckVersion(current string) error {
	have, err := parseVersion(current)
	if err != nil {
		return fmt.Errorf("parse protect version %q: %w", current, err)
	}
	want, err := parseVersion(MinRequiredVersion)
	if err != nil {
		return err
	}
	for i := range want {
		if have[i] > want[i] {
			return nil
		}
		if have[i] < want[i] {
			return fmt.Errorf(outdatedLogMessage, current, MinRequiredVersion)
		}
	}
	return nil
}

func parseVersion(raw string) ([3]int, error) {
	var parsed [3]int
	parts := strings.SplitN(strings.TrimPrefix(strings.TrimSpace(raw), "v"), ".", 3)
	if len(parts) != 3 {
		return parsed, fmt.Errorf("expected major.minor.patch, got %q", raw)
	}
	for i, part := range parts {
		value, err := strconv.Atoi(part)
		if err != nil {
			return parsed, err
		}
		parsed[i] = value
	}
	return parsed, nil
}

// Channel is one stream of a Protect camera.
type Channel struct {
	ID            int
	Name          string
	Width         int
	Height        int
	FPS           int
	Bitrate       int
	IsRTSPEnabled bool
	RTSPURL       string
	RTSPSURL      string
}

// ProtectCamera is the NVR's view of one physical camera.
type ProtectCamera struct {
	ID       string
	Name     string
	State    string
	Channels []Channel
}

// Camera is one camera entity bound to a specific channel and stream flavour.
type Camera struct {
	camera    *ProtectCamera
	channel   Channel
	secure    bool
	hasStream bool
	// DisabledByDefault marks the less preferred stream variants; they exist
	// in the registry but start disabled.
	DisabledByDefault bool
}

// NewCameras builds the entity set for one camera. Every RTSP-enabled
// channel yields an enabled secure entity plus a disabled insecure variant;
// cameras without any RTSP channel yield a single stream-less entity so
// snapshots still work.
func NewCameras(camera *ProtectCamera, disableRTSP bool) []*Camera {
	var cameras []*Camera
	for _, channel := range camera.Channels {
		if !channel.IsRTSPEnabled {
			continue
		}
		cameras = append(cameras,
			&Camera{camera: camera, channel: channel, secure: true, hasStream: !disableRTSP},
			&Camera{camera: camera, channel: channel, secure: false, hasStream: !disableRTSP, DisabledByDefault: true},
		)
	}
	if len(cameras) == 0 && len(camera.Channels) > 0 {
		cameras = append(cameras, &Camera{camera: camera, channel: camera.Channels[0], secure: true})
	}
	return cameras
}

// Name returns the display name; insecure variants are suffixed.
func (c *Camera) Name() string {
	name := fmt.Sprintf("%s %s", c.camera.Name, c.channel.Name)
	if !c.secure {
		name += " Insecure"
	}
	return name
}

// UniqueID derives the stable identifier from camera and channel ids.
func (c *Camera) UniqueID() string {
	id := fmt.Sprintf("%s_%d", c.camera.ID, c.channel.ID)
	if !c.secure {
		id += "_insecure"
	}
	return id
}

// EntityID returns the registry id of this camera.
func (c *Camera) EntityID() string {
	slug := strings.ToLower(strings.ReplaceAll(c.Name(), " ", "_"))
	return "camera." + slug
}

// StreamSource returns the stream URL, or ok=false for stream-less entities.
func (c *Camera) StreamSource() (string, bool) {
	if !c.hasStream || !c.channel.IsRTSPEnabled {
		return "", false
	}
	if c.secure {
		return c.channel.RTSPSURL, true
	}
	return c.channel.RTSPURL, true
}

// Attributes returns the channel attributes every camera entity exposes.
func (c *Camera) Attributes() map[string]interface{} {
	return map[string]interface{}{
		"friendly_name": c.Name(),
		"attribution":   DefaultAttribution,
		"brand":         DefaultBrand,
		AttrWidth:       c.channel.Width,
		AttrHeight:      c.channel.Height,
		AttrFPS:         c.channel.FPS,
		AttrBitrate:     c.channel.Bitrate,
		AttrChannelID:   c.channel.ID,
	}
}

// Publish writes the camera state into the registry.
func (c *Camera) Publish(registry *entity.Registry) {
	value := c.camera.State
	if value == "" {
		value = "idle"
	}
	registry.SetState(c.EntityID(), value, c.Attributes(), c.camera.State != "disconnected")
}
