// Package overkiz maps Overkiz hub device states into binary sensor
// entities. A descriptor table keyed by qualified state name decides which
// states become sensors and how their raw values translate to on/off.
package overkiz

import (
	"fmt"
	"strings"

	"github.com/hearth-home/hearth/entity"
)

// Raw state values reported by the hub.
const (
	ParamDetected     = "detected"
	ParamNotDetected  = "notDetected"
	ParamOpen         = "open"
	ParamClosed       = "closed"
	ParamPersonInside = "personInside"
	ParamNoPerson     = "noPersonInside"
)

// Qualified state names the descriptor table recognises.
const (
	StateRain              = "core:RainState"
	StateSmoke             = "core:SmokeState"
	StateWaterDetection    = "core:WaterDetectionState"
	StateGasDetection      = "core:GasDetectionState"
	StateOccupancy         = "core:OccupancyState"
	StateVibration         = "core:VibrationState"
	StateContact           = "core:ContactState"
	StateAssembly          = "core:AssemblyState"
	StateIOVibrationDetect = "io:VibrationDetectedState"
)

// IgnoredDeviceClasses lists widget and ui classes that never produce
// entities.
var IgnoredDeviceClasses = []string{
	"ProtocolGateway",
	"Pod",
}

// BinarySensorDescription declares how one device state becomes a binary
// sensor. ValueFn translates the raw state value to on/off.
type BinarySensorDescription struct {
	Key         string
	Name        string
	DeviceClass string
	Icon        string
	ValueFn     func(string) bool
}

func equals(expected string) func(string) bool {
	return func(value string) bool { return value == expected }
}

// BinarySensorDescriptions is the full descriptor table.
var BinarySensorDescriptions = []BinarySensorDescription{
	// RainSensor
	{Key: StateRain, Name: "Rain", Icon: "mdi:weather-rainy", ValueFn: equals(ParamDetected)},
	// SmokeSensor
	{Key: StateSmoke, Name: "Smoke", DeviceClass: "smoke", ValueFn: equals(ParamDetected)},
	// WaterDetectionSensor
	{Key: StateWaterDetection, Name: "Water", Icon: "mdi:water", ValueFn: equals(ParamDetected)},
	// AirFlowSensor
	{Key: StateGasDetection, Name: "Gas", DeviceClass: "gas", ValueFn: equals(ParamDetected)},
	// OccupancySensor / MotionSensor
	{Key: StateOccupancy, Name: "Occupancy", DeviceClass: "occupancy", ValueFn: equals(ParamPersonInside)},
	// WindowWithTiltSensor
	{Key: StateVibration, Name: "Vibration", DeviceClass: "vibration", ValueFn: equals(ParamDetected)},
	// ContactSensor
	{Key: StateContact, Name: "Contact", DeviceClass: "door", ValueFn: equals(ParamOpen)},
	// SirenStatus
	{Key: StateAssembly, Name: "Assembly", DeviceClass: "problem", ValueFn: equals(ParamOpen)},
	{Key: StateIOVibrationDetect, Name: "Vibration", DeviceClass: "vibration", ValueFn: equals(ParamDetected)},
}

// Device is one hub-attached device with its current state values.
type Device struct {
	DeviceURL string
	Label     string
	Widget    string
	UIClass   string
	// States maps qualified state names to raw values.
	States map[string]string
}

// BinarySensor projects one device state as a binary sensor entity.
type BinarySensor struct {
	device *Device
	desc   BinarySensorDescription
}

// NewBinarySensors walks the devices and instantiates a sensor for every
// supported state on every non-ignored device.
func NewBinarySensors(devices []*Device) []*BinarySensor {
	supported := make(map[string]BinarySensorDescription, len(BinarySensorDescriptions))
	for _, desc := range BinarySensorDescriptions {
		supported[desc.Key] = desc
	}
	var sensors []*BinarySensor
	for _, device := range devices {
		if ignoredDevice(device) {
			continue
		}
		for state := range device.States {
			if desc, ok := supported[state]; ok {
				sensors = append(sensors, &BinarySensor{device: device, desc: desc})
			}
		}
	}
	return sensors
}

func ignoredDevice(device *Device) bool {
	for _, ignored := range IgnoredDeviceClasses {
		if device.Widget == ignored || device.UIClass == ignored {
			return true
		}
	}
	return false
}

// Name returns the display name, prefixed with the device label.
func (s *BinarySensor) Name() string {
	return fmt.Sprintf("%s %s", s.device.Label, s.desc.Name)
}

// Description returns the descriptor backing this sensor.
func (s *BinarySensor) Description() BinarySensorDescription {
	return s.desc
}

// EntityID derives the registry id from the device url and state key.
func (s *BinarySensor) EntityID() string {
	slug := strings.NewReplacer("/", "_", ":", "_", ".", "_", "-", "_").Replace(s.device.DeviceURL)
	key := strings.NewReplacer(":", "_", ".", "_").Replace(s.desc.Key)
	return fmt.Sprintf("binary_sensor.%s_%s", strings.ToLower(slug), strings.ToLower(key))
}

// IsOn translates the current raw state value; ok is false when the device
// no longer reports the state.
func (s *BinarySensor) IsOn() (bool, bool) {
	value, ok := s.device.States[s.desc.Key]
	if !ok {
		return false, false
	}
	return s.desc.ValueFn(value), true
}

// Publish writes the sensor state into the registry.
func (s *BinarySensor) Publish(registry *entity.Registry) {
	attrs := map[string]interface{}{
		"friendly_name": s.Name(),
	}
	if s.desc.DeviceClass != "" {
		attrs["device_class"] = s.desc.DeviceClass
	}
	on, ok := s.IsOn()
	if !ok {
		registry.SetState(s.EntityID(), "unknown", attrs, false)
		return
	}
	value := "off"
	if on {
		value = "on"
	}
	registry.SetState(s.EntityID(), value, attrs, true)
}
