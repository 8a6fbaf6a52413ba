package mqtt

import "github.com/nugget/rtl433-discovery/internal/buildinfo"

// DeviceInfo is the Home Assistant device registry block shared by every
// entity of the bridge status device, so HA groups them on one page.
type DeviceInfo struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer"`
	Model        string   `json:"model"`
	SWVersion    string   `json:"sw_version"`
}

// SensorConfig is the discovery payload for one status sensor. It is
// published retained on every broker (re-)connect.
type SensorConfig struct {
	Name              string     `json:"name"`
	ObjectID          string     `json:"object_id,omitempty"`
	HasEntityName     bool       `json:"has_entity_name,omitempty"`
	UniqueID          string     `json:"unique_id"`
	StateTopic        string     `json:"state_topic"`
	AvailabilityTopic string     `json:"availability_topic"`
	Device            DeviceInfo `json:"device"`
	Icon              string     `json:"icon,omitempty"`
	UnitOfMeasurement string     `json:"unit_of_measurement,omitempty"`
	StateClass        string     `json:"state_class,omitempty"`
	EntityCategory    string     `json:"entity_category,omitempty"`
}

// NewDeviceInfo builds the bridge's device block. The instance id is the
// stable identifier; the name is what HA shows.
func NewDeviceInfo(instanceID, deviceName string) DeviceInfo {
	return DeviceInfo{
		Identifiers:  []string{instanceID},
		Name:         deviceName,
		Manufacturer: "rtl_433",
		Model:        "rtl_433 MQTT discovery bridge",
		SWVersion:    buildinfo.Version,
	}
}
