package main

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCmd(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

// isolate runs the test in an empty directory so no stray config.yaml
// or .env is picked up, and clears the variables the bridge reads.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Chdir(dir)
	t.Setenv("HOME", dir)
	for _, k := range []string{
		"MQTT_BROKER", "MQTT_PORT", "RTL_433_IDS", "RTL_433_RETAIN",
		"RTL_433_TOPIC_PREFIX", "RTL_433_DEVICE_TOPIC_SUFFIX", "LOG_LEVEL", "LOG_FORMAT",
		"HA_DISCOVERY_PREFIX", "RTL_433_FORCE_UPDATE", "RTL_433_EXPIRE_AFTER",
		"RTL_433_SKIP_KEYS",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	return dir
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runCmd(t, args...)
		if err != nil {
			t.Fatalf("run(%v) error = %v", args, err)
		}
		if !strings.Contains(out, "Usage: rtl433-discovery") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_UnknownCommandAndFlags(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{[]string{"frobnicate"}, "unknown command"},
		{[]string{"-bogus"}, "unknown flag"},
		{[]string{"-o", "xml", "version"}, "unknown output format"},
		{[]string{"translate"}, "usage:"},
	}
	for _, tt := range tests {
		_, _, err := runCmd(t, tt.args...)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("run(%v) error = %v, want containing %q", tt.args, err, tt.want)
		}
	}
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCmd(t, "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out, "rtl433-discovery ") || !strings.Contains(out, "go_version:") {
		t.Errorf("version output:\n%s", out)
	}

	out, _, err = runCmd(t, "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("version json: %v\n%s", err, out)
	}
	if info["version"] == "" {
		t.Errorf("json version missing: %v", info)
	}
}

func TestRun_Fields(t *testing.T) {
	out, _, err := runCmd(t, "fields")
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"FIELD", "temperature_C", "binary_sensor", "Secret-Knock"} {
		if !strings.Contains(out, want) {
			t.Errorf("fields output missing %q", want)
		}
	}

	out, _, err = runCmd(t, "--output=json", "fields")
	if err != nil {
		t.Fatal(err)
	}
	var rows []fieldInfo
	if err := json.Unmarshal([]byte(out), &rows); err != nil {
		t.Fatalf("fields json: %v", err)
	}
	found := false
	for _, r := range rows {
		if r.Field == "wind_avg_m_s" && r.EntityType == "sensor" && r.Suffix == "WS" {
			found = true
		}
	}
	if !found {
		t.Error("wind_avg_m_s missing from json field list")
	}
}

func TestRun_Translate(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "readings.json")
	os.WriteFile(path, []byte(strings.Join([]string{
		`{"time":"2024-06-01 12:00:00","model":"Acurite-Tower","id":1234,"channel":"A","temperature_C":21.5,"humidity":48}`,
		``,
		`{"model":"Acurite-Tower","id":1234,"channel":"A","temperature_C":21.6}`,
		`not json`,
		`{"id":5,"temperature_C":1}`,
	}, "\n")), 0600)

	out, logs, err := runCmd(t, "translate", path)
	if err != nil {
		t.Fatalf("translate error = %v\n%s", err, logs)
	}

	wantTopic := "homeassistant/sensor/Acurite-Tower-A-1234/Acurite-Tower-A-1234-T/config (retain=false)"
	if n := strings.Count(out, wantTopic); n != 1 {
		t.Errorf("temperature config printed %d times, want 1 (second reading is suppressed)\n%s", n, out)
	}
	if !strings.Contains(out, `"state_topic": "rtl_433/devices/Acurite-Tower/A/1234/temperature_C"`) {
		t.Errorf("state_topic missing from output:\n%s", out)
	}
	if !strings.Contains(logs, "dropping malformed reading") {
		t.Errorf("malformed line not logged:\n%s", logs)
	}
	if !strings.Contains(logs, "translate complete") || !strings.Contains(logs, "readings=4") {
		t.Errorf("summary missing:\n%s", logs)
	}
}

func TestRun_TranslateUsesEnvironment(t *testing.T) {
	dir := isolate(t)
	t.Setenv("RTL_433_RETAIN", "yes")
	t.Setenv("HA_DISCOVERY_PREFIX", "ha")
	t.Setenv("RTL_433_IDS", "99")

	path := filepath.Join(dir, "readings.json")
	os.WriteFile(path, []byte(`{"model":"M","id":99,"humidity":1}`+"\n"+`{"model":"M","id":1,"humidity":1}`+"\n"), 0600)

	out, _, err := runCmd(t, "translate", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "ha/sensor/M-99/M-99-H/config (retain=true)") {
		t.Errorf("environment not applied:\n%s", out)
	}
	if strings.Contains(out, "M-1-H") {
		t.Errorf("allow-list not applied:\n%s", out)
	}
}

func TestRun_TranslateDotEnvAndConfigFile(t *testing.T) {
	dir := isolate(t)
	os.WriteFile(filepath.Join(dir, "bridge.env"), []byte("RTL_433_TOPIC_PREFIX=sdr\n"), 0600)
	t.Cleanup(func() { os.Unsetenv("RTL_433_TOPIC_PREFIX") })
	cfgPath := filepath.Join(dir, "bridge.yaml")
	os.WriteFile(cfgPath, []byte("discovery:\n  device_topic_suffix: \"[model]/[id]\"\n"), 0600)

	path := filepath.Join(dir, "readings.json")
	os.WriteFile(path, []byte(`{"model":"M","id":7,"humidity":1}`+"\n"), 0600)

	out, _, err := runCmd(t, "-config", cfgPath, "-env", filepath.Join(dir, "bridge.env"), "translate", path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"state_topic": "sdr/M/7/humidity"`) {
		t.Errorf("config file and .env not layered:\n%s", out)
	}
}

func logLine(logs, msg string) string {
	for _, l := range strings.Split(logs, "\n") {
		if strings.Contains(l, msg) {
			return l
		}
	}
	return ""
}

func TestRun_TranslateSkipFieldsFromConfig(t *testing.T) {
	dir := isolate(t)
	cfgPath := filepath.Join(dir, "config.yaml")
	os.WriteFile(cfgPath, []byte("discovery:\n  skip_fields: [rssi_raw]\n"), 0600)
	path := filepath.Join(dir, "readings.json")
	os.WriteFile(path, []byte(`{"model":"M","id":3,"humidity":1,"mic":"CRC","rssi_raw":-3}`+"\n"), 0600)

	_, logs, err := runCmd(t, "translate", path)
	if err != nil {
		t.Fatal(err)
	}
	// The configured list replaces the built-in one, so mic is now reported.
	line := logLine(logs, "skipped unmapped fields")
	if !strings.Contains(line, "mic") || strings.Contains(line, "rssi_raw") {
		t.Errorf("skip_fields not applied:\n%s", logs)
	}

	t.Setenv("RTL_433_SKIP_KEYS", "model,id,mic,rssi_raw")
	_, logs, err = runCmd(t, "translate", path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(logs, "skipped unmapped fields") {
		t.Errorf("RTL_433_SKIP_KEYS not applied:\n%s", logs)
	}
}

func TestRun_TranslateMissingFile(t *testing.T) {
	isolate(t)
	if _, _, err := runCmd(t, "translate", "/nonexistent/readings.json"); err == nil {
		t.Error("translate of a missing file should fail")
	}
}

func TestRun_ServeRequiresBroker(t *testing.T) {
	isolate(t)
	_, _, err := runCmd(t, "serve")
	if err == nil || !strings.Contains(err.Error(), "broker is required") {
		t.Errorf("serve without broker error = %v", err)
	}
}

func TestRun_ExplicitConfigMissing(t *testing.T) {
	isolate(t)
	_, _, err := runCmd(t, "-config", "/nonexistent/config.yaml", "translate", "-")
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Errorf("error = %v", err)
	}
}
