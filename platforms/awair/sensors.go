// Package awair maps Awair air-quality samples into sensor entities. The
// mapping is a declarative descriptor table; one sensor entity is created per
// reading the device actually reports.
package awair

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/hearth-home/hearth/entity"
)

// ReadingKey identifies one field of an air data sample.
type ReadingKey string

const (
	KeyCO2      ReadingKey = "carbon_dioxide"
	KeyDust     ReadingKey = "dust"
	KeyHumidity ReadingKey = "humidity"
	KeyLux      ReadingKey = "illuminance"
	KeyPM10     ReadingKey = "particulate_matter_10"
	KeyPM25     ReadingKey = "particulate_matter_2_5"
	KeyScore    ReadingKey = "score"
	KeySoundLvl ReadingKey = "sound_pressure_level"
	KeyTemp     ReadingKey = "temperature"
	KeyVOC      ReadingKey = "volatile_organic_compounds"
)

// Measurement units used by the descriptor table.
const (
	UnitPercent            = "%"
	UnitPartsPerMillion    = "ppm"
	UnitPartsPerBillion    = "ppb"
	UnitMicrogramsPerCubic = "µg/m³"
	UnitLux                = "lx"
	UnitDecibelA           = "dBA"
	UnitCelsius            = "°C"
)

// SensorDescription declares how one reading becomes a sensor entity.
type SensorDescription struct {
	Key         ReadingKey
	Name        string
	DeviceClass string
	Unit        string
	Icon        string
	// UniqueIDTag keeps the historical unique id format stable for entities
	// created before the keys were renamed.
	UniqueIDTag string
}

// ScoreSensor is the synthetic overall air quality score.
var ScoreSensor = SensorDescription{
	Key:         KeyScore,
	Name:        "Awair score",
	Unit:        UnitPercent,
	Icon:        "mdi:blur",
	UniqueIDTag: "score",
}

// SensorTypes are the directly reported readings.
var SensorTypes = []SensorDescription{
	{Key: KeyHumidity, Name: "Humidity", DeviceClass: "humidity", Unit: UnitPercent, UniqueIDTag: "HUMID"},
	{Key: KeyLux, Name: "Illuminance", DeviceClass: "illuminance", Unit: UnitLux, UniqueIDTag: "illuminance"},
	{Key: KeySoundLvl, Name: "Sound level", Unit: UnitDecibelA, Icon: "mdi:ear-hearing", UniqueIDTag: "sound_level"},
	{Key: KeyVOC, Name: "Volatile organic compounds", Unit: UnitPartsPerBillion, Icon: "mdi:cloud", UniqueIDTag: "VOC"},
	{Key: KeyTemp, Name: "Temperature", DeviceClass: "temperature", Unit: UnitCelsius, UniqueIDTag: "TEMP"},
	{Key: KeyCO2, Name: "Carbon dioxide", DeviceClass: "carbon_dioxide", Unit: UnitPartsPerMillion, Icon: "mdi:cloud", UniqueIDTag: "CO2"},
}

// DustTypes are particulate readings. Older devices report a single combined
// dust value which aliases onto both of them.
var DustTypes = []SensorDescription{
	{Key: KeyPM25, Name: "PM2.5", Unit: UnitMicrogramsPerCubic, Icon: "mdi:blur", UniqueIDTag: "PM25"},
	{Key: KeyPM10, Name: "PM10", Unit: UnitMicrogramsPerCubic, Icon: "mdi:blur", UniqueIDTag: "PM10"},
}

// DustAliases lists the keys a combined dust reading stands in for.
var DustAliases = []ReadingKey{KeyPM25, KeyPM10}

// Device identifies one Awair unit.
type Device struct {
	UUID string
	Name string
}

// AirData is one polled sample.
type AirData struct {
	Timestamp time.Time
	Readings  map[ReadingKey]decimal.Decimal
}

// Sensor projects a single reading out of the device's latest sample.
type Sensor struct {
	device Device
	desc   SensorDescription
	data   *AirData
}

// NewSensors creates sensor entities for every reading present in the first
// sample, mirroring which capabilities the unit reports.
func NewSensors(device Device, sample *AirData) []*Sensor {
	sensors := []*Sensor{{device: device, desc: ScoreSensor, data: sample}}
	for _, desc := range SensorTypes {
		if _, ok := reading(sample, desc.Key); ok {
			sensors = append(sensors, &Sensor{device: device, desc: desc, data: sample})
		}
	}
	for _, desc := range DustTypes {
		if _, ok := dustReading(sample, desc.Key); ok {
			sensors = append(sensors, &Sensor{device: device, desc: desc, data: sample})
		}
	}
	return sensors
}

// Update replaces the sample all projections read from.
func (s *Sensor) Update(sample *AirData) {
	s.data = sample
}

// Description returns the descriptor backing this sensor.
func (s *Sensor) Description() SensorDescription {
	return s.desc
}

// Name returns the display name, prefixed with the device name.
func (s *Sensor) Name() string {
	return fmt.Sprintf("%s %s", s.device.Name, s.desc.Name)
}

// UniqueID keeps the legacy identifier format: the score sensor historically
// used a bare device id, everything else appends the legacy tag.
func (s *Sensor) UniqueID() string {
	if s.desc.Key == KeyScore {
		return s.device.UUID
	}
	return fmt.Sprintf("%s_%s", s.device.UUID, s.desc.UniqueIDTag)
}

// EntityID returns the registry id of this sensor.
func (s *Sensor) EntityID() string {
	return fmt.Sprintf("sensor.%s_%s", s.device.UUID, string(s.desc.Key))
}

// Value returns the current reading. Particulate sensors fall back to the
// combined dust reading on devices that only report that.
func (s *Sensor) Value() (decimal.Decimal, bool) {
	return dustReading(s.data, s.desc.Key)
}

// Publish writes the sensor state into the registry.
func (s *Sensor) Publish(registry *entity.Registry) {
	value, ok := s.Value()
	attrs := map[string]interface{}{
		"friendly_name":       s.Name(),
		"unit_of_measurement": s.desc.Unit,
		"attribution":         "Awair air quality sensor",
	}
	if s.desc.DeviceClass != "" {
		attrs["device_class"] = s.desc.DeviceClass
	}
	if !ok {
		registry.SetState(s.EntityID(), "unknown", attrs, false)
		return
	}
	registry.SetState(s.EntityID(), value.String(), attrs, true)
}

func reading(sample *AirData, key ReadingKey) (decimal.Decimal, bool) {
	if sample == nil {
		return decimal.Zero, false
	}
	value, ok := sample.Readings[key]
	return value, ok
}

func dustReading(sample *AirData, key ReadingKey) (decimal.Decimal, bool) {
	if value, ok := reading(sample, key); ok {
		return value, true
	}
	for _, alias := range DustAliases {
		if alias == key {
			return reading(sample, KeyDust)
		}
	}
	return decimal.Zero, false
}
