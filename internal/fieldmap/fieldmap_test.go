package fieldmap

import (
	"math"
	"regexp"
	"slices"
	"strconv"
	"testing"
)

// factorRe pulls the multiplier out of a conversion template such as
// "{{ (float(value|float) * 3.6) | round(2) }}".
var factorRe = regexp.MustCompile(`\*\s*([0-9]+(?:\.[0-9]+)?)`)

func convert(t *testing.T, field string, in float64) float64 {
	t.Helper()
	m, ok := Lookup(field)
	if !ok {
		t.Fatalf("Lookup(%q) missing", field)
	}
	tmpl, _ := m.Template()["value_template"].(string)
	match := factorRe.FindStringSubmatch(tmpl)
	if match == nil {
		return in
	}
	factor, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		t.Fatalf("parse factor from %q: %v", tmpl, err)
	}
	return in * factor
}

func TestUnitConversions(t *testing.T) {
	tests := []struct {
		field string
		in    float64
		want  float64
		unit  string
	}{
		{"wind_avg_m_s", 2.0, 7.2, "km/h"},
		{"wind_speed_m_s", 10.0, 36.0, "km/h"},
		{"wind_max_m_s", 1.0, 3.6, "km/h"},
		{"gust_speed_m_s", 5.0, 18.0, "km/h"},
		{"rain_in", 1.0, 25.4, "mm"},
		{"rain_rate_in_h", 2.0, 50.8, "mm/h"},
		{"wind_avg_km_h", 12.5, 12.5, "km/h"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			got := convert(t, tt.field, tt.in)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("converted %v = %v, want %v", tt.in, got, tt.want)
			}
			m, _ := Lookup(tt.field)
			if unit := m.Template()["unit_of_measurement"]; unit != tt.unit {
				t.Errorf("unit_of_measurement = %v, want %q", unit, tt.unit)
			}
		})
	}
}

func TestLookup_EntityTypes(t *testing.T) {
	tests := []struct {
		field  string
		typ    EntityType
		suffix string
	}{
		{"temperature_C", Sensor, "T"},
		{"temperature_F", Sensor, "F"},
		{"humidity", Sensor, "H"},
		{"pressure_kPa", Sensor, "P"},
		{"tamper", BinarySensor, "tamper"},
		{"alarm", BinarySensor, "alarm"},
		{"rssi", Sensor, "rssi"},
		{"strike_count", Sensor, "strcnt"},
		{"channel", DeviceAutomation, "CH"},
		{"button", DeviceAutomation, "BTN"},
	}
	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			m, ok := Lookup(tt.field)
			if !ok {
				t.Fatalf("Lookup(%q) missing", tt.field)
			}
			if m.EntityType != tt.typ {
				t.Errorf("EntityType = %q, want %q", m.EntityType, tt.typ)
			}
			if m.Suffix != tt.suffix {
				t.Errorf("Suffix = %q, want %q", m.Suffix, tt.suffix)
			}
			if m.Field != tt.field {
				t.Errorf("Field = %q, want %q", m.Field, tt.field)
			}
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	if _, ok := Lookup("definitely_not_a_field"); ok {
		t.Error("Lookup of unknown field returned ok")
	}
	if _, ok := Lookup(SecretKnockField); ok {
		t.Error("secret_knock must not be in the single-mapping table")
	}
}

func TestTemplate_IsDeepCopy(t *testing.T) {
	m, _ := Lookup("temperature_C")
	tmpl := m.Template()
	tmpl["name"] = "mutated"
	tmpl["extra"] = 1

	again, _ := Lookup("temperature_C")
	if name, _ := again.TemplateName(); name != "Temperature" {
		t.Errorf("TemplateName() = %q after mutating a copy, want %q", name, "Temperature")
	}
	if _, ok := again.Template()["extra"]; ok {
		t.Error("mutation of a template copy leaked into the table")
	}
}

func TestTemplateName_Absent(t *testing.T) {
	m, _ := Lookup("rssi")
	if name, ok := m.TemplateName(); ok {
		t.Errorf("rssi TemplateName() = %q, want none", name)
	}
}

func TestSecretKnock(t *testing.T) {
	maps := SecretKnock()
	if len(maps) != 2 {
		t.Fatalf("SecretKnock() returned %d mappings, want 2", len(maps))
	}
	wantSuffix := []string{"Knock", "Secret-Knock"}
	wantType := []string{"button_short_release", "button_triple_press"}
	for i, m := range maps {
		if m.Field != SecretKnockField {
			t.Errorf("[%d] Field = %q, want %q", i, m.Field, SecretKnockField)
		}
		if m.EntityType != DeviceAutomation {
			t.Errorf("[%d] EntityType = %q, want %q", i, m.EntityType, DeviceAutomation)
		}
		if m.Suffix != wantSuffix[i] {
			t.Errorf("[%d] Suffix = %q, want %q", i, m.Suffix, wantSuffix[i])
		}
		tmpl := m.Template()
		if tmpl["type"] != wantType[i] {
			t.Errorf("[%d] type = %v, want %q", i, tmpl["type"], wantType[i])
		}
		if tmpl["payload"] != i {
			t.Errorf("[%d] payload = %v, want %d", i, tmpl["payload"], i)
		}
	}
}

func TestFields_SortedAndComplete(t *testing.T) {
	fields := Fields()
	if !slices.IsSorted(fields) {
		t.Error("Fields() is not sorted")
	}
	if len(fields) != len(definitions) {
		t.Errorf("Fields() = %d entries, want %d", len(fields), len(definitions))
	}
	for _, want := range []string{"temperature_C", "wind_avg_m_s", "rain_in", "battery_ok", "consumption"} {
		if !slices.Contains(fields, want) {
			t.Errorf("Fields() missing %q", want)
		}
	}
}

func TestDefaultSkipFields_NotMappedExceptChannel(t *testing.T) {
	for _, f := range DefaultSkipFields() {
		if _, ok := Lookup(f); ok && f != "channel" {
			t.Errorf("skip field %q is also mapped", f)
		}
	}
}

func TestEverySensorHasValueOrClass(t *testing.T) {
	for _, m := range definitions {
		tmpl := m.Template()
		switch m.EntityType {
		case DeviceAutomation:
			if tmpl["automation_type"] != "trigger" {
				t.Errorf("%s: automation_type = %v, want trigger", m.Field, tmpl["automation_type"])
			}
		default:
			_, hasTemplate := tmpl["value_template"]
			_, hasClass := tmpl["device_class"]
			if !hasTemplate && !hasClass {
				t.Errorf("%s: neither value_template nor device_class set", m.Field)
			}
		}
		if m.Suffix == "" {
			t.Errorf("%s: empty suffix", m.Field)
		}
	}
}
