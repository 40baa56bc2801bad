package transmission

// SensorConfig defines the Home Assistant entity for one state field.
type SensorConfig struct {
	Name          string
	EntityID      string
	EntityType    string // "sensor" / "binary_sensor" / "number" / "button"
	DeviceClass   string
	Unit          string
	Icon          string
	StateClass    string
	Category      string
	ValueTemplate string
	// Command is the topic suffix under the device base topic for
	// writable entities.
	Command string
	Min     *float64
	Max     *float64
	Step    *float64
}

func ptr(v float64) *float64 { return &v }

// Entities is the authoritative list of entities announced via discovery.
// Every EntityID of a "sensor" or "binary_sensor" is a key of the state
// payload.
var Entities = []SensorConfig{
	{Name: "State", EntityID: "state", EntityType: "sensor", Icon: "mdi:ev-station"},
	{Name: "Power", EntityID: "power", EntityType: "sensor", DeviceClass: "power", Unit: "W", StateClass: "measurement"},
	{Name: "Current L1", EntityID: "current_l1", EntityType: "sensor", DeviceClass: "current", Unit: "A", StateClass: "measurement"},
	{Name: "Current L2", EntityID: "current_l2", EntityType: "sensor", DeviceClass: "current", Unit: "A", StateClass: "measurement"},
	{Name: "Current L3", EntityID: "current_l3", EntityType: "sensor", DeviceClass: "current", Unit: "A", StateClass: "measurement"},
	{Name: "Advertised current", EntityID: "advertised_current", EntityType: "sensor", DeviceClass: "current", Unit: "A"},
	{Name: "Phases", EntityID: "phases", EntityType: "sensor", Icon: "mdi:sine-wave"},
	{Name: "Three-phase supply", EntityID: "three_phase_available", EntityType: "binary_sensor", DeviceClass: "power", Category: "diagnostic",
		ValueTemplate: "{{ 'ON' if value_json.three_phase_available else 'OFF' }}"},
	{Name: "Power enabled", EntityID: "power_enabled", EntityType: "binary_sensor", DeviceClass: "power",
		ValueTemplate: "{{ 'ON' if value_json.power_enabled else 'OFF' }}"},
	{Name: "Pilot", EntityID: "pilot", EntityType: "sensor", Category: "diagnostic", Icon: "mdi:sine-wave"},
	{Name: "Fault", EntityID: "fault", EntityType: "sensor", Category: "diagnostic", Icon: "mdi:alert",
		ValueTemplate: "{{ value_json.fault.kind if value_json.fault else 'none' }}"},

	{Name: "Max current", EntityID: "max_current", EntityType: "number", DeviceClass: "current", Unit: "A",
		Command: "set/max_current", Min: ptr(0), Max: ptr(32), Step: ptr(1),
		ValueTemplate: "{{ value_json.request.max_current if value_json.request else 0 }}"},
	{Name: "Emergency stop", EntityID: "stop", EntityType: "button", Icon: "mdi:stop-circle", Command: "cmd/stop"},
	{Name: "Clear fault", EntityID: "clear_fault", EntityType: "button", Category: "config", Icon: "mdi:restart", Command: "cmd/clear_fault"},
}
