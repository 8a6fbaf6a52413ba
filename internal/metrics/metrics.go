// Package metrics exposes bridge counters to Prometheus.
//
// The collector reads the translator's cumulative stats on every scrape
// rather than keeping counters of its own.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/nugget/rtl433-discovery/internal/bridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Source is what the collector scrapes. Any field may be nil.
type Source struct {
	Stats     func() bridge.Stats
	Records   func() int   // discovery.Store.Len
	Dropped   func() int64 // inbound messages dropped by the transport
	Connected func() bool
}

var (
	readingsDesc = prometheus.NewDesc(
		"rtl433_readings_total",
		"Readings received, by outcome.",
		[]string{"result"}, nil,
	)
	publishesDesc = prometheus.NewDesc(
		"rtl433_discovery_publishes_total",
		"Discovery announcements, by outcome.",
		[]string{"result"}, nil,
	)
	skippedDesc = prometheus.NewDesc(
		"rtl433_fields_skipped_total",
		"Reading fields without a discovery mapping.",
		nil, nil,
	)
	droppedDesc = prometheus.NewDesc(
		"rtl433_inbound_dropped_total",
		"Inbound messages dropped by the rate limiter or a full queue.",
		nil, nil,
	)
	recordsDesc = prometheus.NewDesc(
		"rtl433_discovery_records",
		"Discovery topics tracked for republish suppression.",
		nil, nil,
	)
	connectedDesc = prometheus.NewDesc(
		"rtl433_mqtt_connected",
		"1 when the broker connection is up.",
		nil, nil,
	)
)

type collector struct {
	src Source
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- readingsDesc
	ch <- publishesDesc
	ch <- skippedDesc
	ch <- droppedDesc
	ch <- recordsDesc
	ch <- connectedDesc
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	if c.src.Stats != nil {
		s := c.src.Stats()
		for result, v := range map[string]int64{
			"announced":    s.Announced,
			"decode_error": s.DecodeErrors,
			"no_model":     s.NoModel,
			"no_device_id": s.NoDeviceID,
			"filtered":     s.Filtered,
		} {
			ch <- prometheus.MustNewConstMetric(readingsDesc, prometheus.CounterValue, float64(v), result)
		}
		for result, v := range map[string]int64{
			"published":  s.Published,
			"suppressed": s.Suppressed,
			"failed":     s.Failed,
		} {
			ch <- prometheus.MustNewConstMetric(publishesDesc, prometheus.CounterValue, float64(v), result)
		}
		ch <- prometheus.MustNewConstMetric(skippedDesc, prometheus.CounterValue, float64(s.SkippedFields))
	}
	if c.src.Dropped != nil {
		ch <- prometheus.MustNewConstMetric(droppedDesc, prometheus.CounterValue, float64(c.src.Dropped()))
	}
	if c.src.Records != nil {
		ch <- prometheus.MustNewConstMetric(recordsDesc, prometheus.GaugeValue, float64(c.src.Records()))
	}
	if c.src.Connected != nil {
		v := 0.0
		if c.src.Connected() {
			v = 1
		}
		ch <- prometheus.MustNewConstMetric(connectedDesc, prometheus.GaugeValue, v)
	}
}

// NewRegistry returns a private registry holding the bridge collector
// plus the standard Go runtime and process collectors.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		&collector{src: src},
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler serves reg in the Prometheus exposition format.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
}

// Serve runs an HTTP server with /metrics on addr until ctx is
// cancelled, then shuts it down.
func Serve(ctx context.Context, addr string, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	logger.Info("metrics server listening", "address", addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
