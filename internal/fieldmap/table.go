package fieldmap

const (
	roundOne   = "{{ value|float|round(1) }}"
	roundTwo   = "{{ value|float|round(2) }}"
	asFloat    = "{{ value|float }}"
	asInt      = "{{ value|int }}"
	msToKmh    = "{{ float(value|float) * 3.6 }}"
	msToKmhRnd = "{{ (float(value|float) * 3.6) | round(2) }}"
	inToMm     = "{{ (float(value|float) * 25.4) | round(2) }}"
)

func def(field string, typ EntityType, suffix string, tmpl map[string]any) Mapping {
	return Mapping{Field: field, EntityType: typ, Suffix: suffix, template: tmpl}
}

func measurement(deviceClass, name, unit, valueTemplate string) map[string]any {
	m := map[string]any{
		"name":                name,
		"unit_of_measurement": unit,
		"value_template":      valueTemplate,
		"state_class":         "measurement",
	}
	if deviceClass != "" {
		m["device_class"] = deviceClass
	}
	return m
}

func signal(unit string) map[string]any {
	return map[string]any{
		"device_class":        "signal_strength",
		"unit_of_measurement": unit,
		"value_template":      roundTwo,
		"state_class":         "measurement",
		"entity_category":     "diagnostic",
		"enabled_by_default":  false,
	}
}

func safety() map[string]any {
	return map[string]any{
		"device_class":    "safety",
		"force_update":    true,
		"payload_on":      "1",
		"payload_off":     "0",
		"entity_category": "diagnostic",
	}
}

func counter(name string) map[string]any {
	return map[string]any{
		"name":           name,
		"value_template": asInt,
		"state_class":    "total_increasing",
	}
}

func trigger(kind string) map[string]any {
	return map[string]any{
		"automation_type": "trigger",
		"type":            kind,
		"subtype":         "button_1",
	}
}

var definitions = []Mapping{
	def("temperature_C", Sensor, "T", measurement("temperature", "Temperature", "°C", roundOne)),
	def("temperature_1_C", Sensor, "T1", measurement("temperature", "Temperature 1", "°C", roundOne)),
	def("temperature_2_C", Sensor, "T2", measurement("temperature", "Temperature 2", "°C", roundOne)),
	def("temperature_F", Sensor, "F", measurement("temperature", "Temperature", "°F", roundOne)),

	// Diagnostic: shows when a device last reported even if nothing changed.
	def("time", Sensor, "UTC", map[string]any{
		"device_class":       "timestamp",
		"name":               "Timestamp",
		"entity_category":    "diagnostic",
		"enabled_by_default": false,
		"icon":               "mdi:clock-in",
	}),

	def("battery_ok", Sensor, "B", map[string]any{
		"device_class":        "battery",
		"name":                "Battery",
		"unit_of_measurement": "%",
		"value_template":      "{{ float(value) * 99 + 1 }}",
		"state_class":         "measurement",
		"entity_category":     "diagnostic",
	}),

	def("humidity", Sensor, "H", measurement("humidity", "Humidity", "%", asFloat)),
	def("humidity_1", Sensor, "H1", measurement("humidity", "Humidity 1", "%", asFloat)),
	def("humidity_2", Sensor, "H2", measurement("humidity", "Humidity 2", "%", asFloat)),
	def("moisture", Sensor, "H", measurement("humidity", "Moisture", "%", asFloat)),

	def("pressure_hPa", Sensor, "P", measurement("pressure", "Pressure", "hPa", asFloat)),
	def("pressure_kPa", Sensor, "P", measurement("pressure", "Pressure", "kPa", asFloat)),

	def("wind_speed_km_h", Sensor, "WS", measurement("wind_speed", "Wind Speed", "km/h", asFloat)),
	def("wind_avg_km_h", Sensor, "WS", measurement("wind_speed", "Wind Speed", "km/h", asFloat)),
	def("wind_avg_mi_h", Sensor, "WS", measurement("wind_speed", "Wind Speed", "mi/h", asFloat)),
	def("wind_avg_m_s", Sensor, "WS", measurement("wind_speed", "Wind Average", "km/h", msToKmhRnd)),
	def("wind_speed_m_s", Sensor, "WS", measurement("wind_speed", "Wind Speed", "km/h", msToKmh)),
	def("gust_speed_km_h", Sensor, "GS", measurement("wind_speed", "Gust Speed", "km/h", asFloat)),
	def("wind_max_km_h", Sensor, "GS", measurement("wind_speed", "Wind max speed", "km/h", asFloat)),
	def("wind_max_m_s", Sensor, "GS", measurement("wind_speed", "Wind max", "km/h", msToKmhRnd)),
	def("gust_speed_m_s", Sensor, "GS", measurement("wind_speed", "Gust Speed", "km/h", msToKmh)),
	def("wind_dir_deg", Sensor, "WD", measurement("", "Wind Direction", "°", asFloat)),

	def("rain_mm", Sensor, "RT", map[string]any{
		"device_class":        "precipitation",
		"name":                "Rain Total",
		"unit_of_measurement": "mm",
		"value_template":      roundTwo,
		"state_class":         "total_increasing",
	}),
	def("rain_rate_mm_h", Sensor, "RR", measurement("precipitation_intensity", "Rain Rate", "mm/h", asFloat)),
	def("rain_in", Sensor, "RT", map[string]any{
		"device_class":        "precipitation",
		"name":                "Rain Total",
		"unit_of_measurement": "mm",
		"value_template":      inToMm,
		"state_class":         "total_increasing",
	}),
	def("rain_rate_in_h", Sensor, "RR", measurement("precipitation_intensity", "Rain Rate", "mm/h", inToMm)),

	def("tamper", BinarySensor, "tamper", safety()),
	def("alarm", BinarySensor, "alarm", safety()),

	def("rssi", Sensor, "rssi", signal("dB")),
	def("snr", Sensor, "snr", signal("dB")),
	def("noise", Sensor, "noise", signal("dB")),

	def("depth_cm", Sensor, "D", measurement("", "Depth", "cm", asFloat)),

	def("power_W", Sensor, "watts", measurement("power", "Power", "W", asFloat)),
	def("energy_kWh", Sensor, "kwh", measurement("power", "Energy", "kWh", asFloat)),
	def("current_A", Sensor, "A", measurement("power", "Current", "A", asFloat)),
	def("voltage_V", Sensor, "V", measurement("power", "Voltage", "V", asFloat)),

	def("light_lux", Sensor, "lux", measurement("", "Outside Luminance", "lux", asInt)),
	def("lux", Sensor, "lux", measurement("", "Outside Luminance", "lux", asInt)),
	def("uv", Sensor, "uv", measurement("", "UV Index", "UV Index", asInt)),
	def("uvi", Sensor, "uvi", measurement("", "UV Index", "UV Index", asInt)),

	def("storm_dist", Sensor, "stdist", measurement("", "Lightning Distance", "mi", asInt)),
	def("strike_distance", Sensor, "stdist", measurement("", "Lightning Distance", "mi", asInt)),
	def("strike_count", Sensor, "strcnt", counter("Lightning Strike Count")),

	def("consumption_data", Sensor, "consumption", counter("SCM Consumption Value")),
	def("consumption", Sensor, "consumption", counter("SCMplus Consumption Value")),

	def("channel", DeviceAutomation, "CH", trigger("button_short_release")),
	def("button", DeviceAutomation, "BTN", trigger("button_short_release")),
}

var secretKnock = []Mapping{
	def(SecretKnockField, DeviceAutomation, "Knock", withPayload(trigger("button_short_release"), 0)),
	def(SecretKnockField, DeviceAutomation, "Secret-Knock", withPayload(trigger("button_triple_press"), 1)),
}

func withPayload(m map[string]any, payload int) map[string]any {
	m["payload"] = payload
	return m
}
