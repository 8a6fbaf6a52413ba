package metrics

import (
	"context"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nugget/rtl433-discovery/internal/bridge"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func testSource() Source {
	return Source{
		Stats: func() bridge.Stats {
			return bridge.Stats{
				Announced:     10,
				DecodeErrors:  2,
				NoModel:       1,
				Published:     8,
				Suppressed:    20,
				Failed:        1,
				SkippedFields: 4,
			}
		},
		Records:   func() int { return 8 },
		Dropped:   func() int64 { return 3 },
		Connected: func() bool { return true },
	}
}

func TestCollector(t *testing.T) {
	c := &collector{src: testSource()}

	want := `
# HELP rtl433_discovery_publishes_total Discovery announcements, by outcome.
# TYPE rtl433_discovery_publishes_total counter
rtl433_discovery_publishes_total{result="failed"} 1
rtl433_discovery_publishes_total{result="published"} 8
rtl433_discovery_publishes_total{result="suppressed"} 20
# HELP rtl433_discovery_records Discovery topics tracked for republish suppression.
# TYPE rtl433_discovery_records gauge
rtl433_discovery_records 8
# HELP rtl433_inbound_dropped_total Inbound messages dropped by the rate limiter or a full queue.
# TYPE rtl433_inbound_dropped_total counter
rtl433_inbound_dropped_total 3
`
	if err := testutil.CollectAndCompare(c, strings.NewReader(want),
		"rtl433_discovery_publishes_total", "rtl433_discovery_records", "rtl433_inbound_dropped_total"); err != nil {
		t.Errorf("unexpected metrics:\n%v", err)
	}
}

func TestCollector_Readings(t *testing.T) {
	c := &collector{src: testSource()}
	// announced, decode_error, no_model, no_device_id, filtered, plus
	// three publish results and one each of the rest.
	if got := testutil.CollectAndCount(c); got != 5+3+1+1+1+1 {
		t.Errorf("CollectAndCount() = %d", got)
	}
	if got := testutil.CollectAndCount(c, "rtl433_readings_total"); got != 5 {
		t.Errorf("readings series = %d, want 5", got)
	}
}

func TestCollector_NilSources(t *testing.T) {
	c := &collector{}
	if got := testutil.CollectAndCount(c); got != 0 {
		t.Errorf("CollectAndCount() = %d, want 0 with no sources", got)
	}
}

func TestHandler(t *testing.T) {
	reg := NewRegistry(testSource())
	srv := httptest.NewServer(Handler(reg))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	for _, want := range []string{
		`rtl433_readings_total{result="announced"} 10`,
		`rtl433_fields_skipped_total 4`,
		`rtl433_mqtt_connected 1`,
		`go_goroutines`,
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- Serve(ctx, addr, NewRegistry(testSource()), slog.New(slog.NewTextHandler(io.Discard, nil)))
	}()

	var resp *http.Response
	for range 50 {
		resp, err = http.Get("http://" + addr + "/healthz")
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("server never came up: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
}
