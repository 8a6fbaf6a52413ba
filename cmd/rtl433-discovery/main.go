// rtl433-discovery announces rtl_433 devices to Home Assistant.
//
// It subscribes to the JSON events rtl_433 publishes over MQTT and, for
// every field it recognizes, publishes a Home Assistant MQTT discovery
// config so the device shows up with properly typed entities.
//
// Configuration comes from an optional YAML file (see
// [config.DefaultSearchPaths]), optional .env files and environment
// variables, in increasing order of precedence.
//
// Usage:
//
//	rtl433-discovery serve               Run the bridge
//	rtl433-discovery translate <file>    Print discovery messages for a file of readings
//	rtl433-discovery fields              List recognized reading fields
//	rtl433-discovery version             Print version and build information
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/rtl433-discovery/internal/bridge"
	"github.com/nugget/rtl433-discovery/internal/buildinfo"
	"github.com/nugget/rtl433-discovery/internal/config"
	"github.com/nugget/rtl433-discovery/internal/discovery"
	"github.com/nugget/rtl433-discovery/internal/fieldmap"
	"github.com/nugget/rtl433-discovery/internal/identity"
	"github.com/nugget/rtl433-discovery/internal/metrics"
	"github.com/nugget/rtl433-discovery/internal/mqtt"
)

func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. OS-level dependencies are parameters so
// the whole lifecycle can be driven from tests. Arguments are parsed by
// hand; the flag package's globals get in the way of parallel tests.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var envFiles []string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case args[i] == "-env" && i+1 < len(args):
			envFiles = append(envFiles, args[i+1])
			i++
		case strings.HasPrefix(args[i], "-env="):
			envFiles = append(envFiles, strings.TrimPrefix(args[i], "-env="))
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath, envFiles)
	case "translate":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: rtl433-discovery translate <file.json|->")
		}
		return runTranslate(ctx, stdout, stderr, configPath, envFiles, cmdArgs[0])
	case "fields":
		return runFields(stdout, outputFmt)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "rtl433-discovery - Home Assistant MQTT discovery for rtl_433")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: rtl433-discovery [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve              Run the bridge")
	fmt.Fprintln(w, "  translate <file>   Print discovery messages for readings in file (- for stdin)")
	fmt.Fprintln(w, "  fields             List recognized reading fields")
	fmt.Fprintln(w, "  version            Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover, optional)")
	fmt.Fprintln(w, "  -env <path>       .env file to load (repeatable, default: ./.env)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "build_time", "go_version", "os", "arch", "uptime"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

type fieldInfo struct {
	Field      string `json:"field"`
	EntityType string `json:"entity_type"`
	Suffix     string `json:"suffix"`
	Name       string `json:"name,omitempty"`
}

func runFields(w io.Writer, outputFmt string) error {
	var rows []fieldInfo
	for _, f := range fieldmap.Fields() {
		m, _ := fieldmap.Lookup(f)
		name, _ := m.TemplateName()
		rows = append(rows, fieldInfo{Field: f, EntityType: string(m.EntityType), Suffix: m.Suffix, Name: name})
	}
	for _, m := range fieldmap.SecretKnock() {
		rows = append(rows, fieldInfo{Field: fieldmap.SecretKnockField, EntityType: string(m.EntityType), Suffix: m.Suffix})
	}

	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FIELD\tTYPE\tSUFFIX\tNAME")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.Field, r.EntityType, r.Suffix, r.Name)
	}
	return tw.Flush()
}

// runTranslate feeds newline-delimited readings through the translator
// with a publisher that prints instead of sending. No broker is needed.
func runTranslate(ctx context.Context, stdout, stderr io.Writer, configPath string, envFiles []string, path string) error {
	cfg, _, err := loadConfig(configPath, envFiles)
	if err != nil {
		return err
	}
	if _, err := config.ParseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	logger := cfg.Logger(stderr)

	tmpl, err := identity.Parse(cfg.Discovery.DeviceTopicSuffix)
	if err != nil {
		return err
	}

	var in io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open readings: %w", err)
		}
		defer f.Close()
		in = f
	}

	printer := discovery.PublisherFunc(func(_ context.Context, topic string, payload []byte, retain bool) error {
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, payload, "", "  "); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "%s (retain=%t)\n%s\n\n", topic, retain, pretty.Bytes())
		return nil
	})
	synth := discovery.New(discoveryOptions(cfg), discovery.NewStore(nil), printer, logger)
	tr := bridge.New(translatorOptions(cfg), tmpl, synth, logger)

	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		// Rejected readings are already logged by the translator.
		_ = tr.HandleMessage(ctx, path, line)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}

	st := tr.Stats()
	logger.Info("translate complete",
		"readings", st.Readings(),
		"published", st.Published,
		"suppressed", st.Suppressed,
		"rejected", st.Readings()-st.Announced)
	return nil
}

// runServe is the primary operating mode. It blocks until SIGINT or
// SIGTERM, then publishes "offline" for the status device (if enabled)
// and disconnects.
func runServe(ctx context.Context, stdout io.Writer, configPath string, envFiles []string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, config.LogFormatText)
	logger.Info("starting rtl433-discovery", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath, envFiles)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger = cfg.Logger(stdout)

	brokerURL, _ := cfg.MQTT.BrokerURL()
	logger.Info("config loaded",
		"path", cfgPath,
		"broker", brokerURL.Redacted(),
		"tls", cfg.MQTT.UseTLS(),
		"client_id", cfg.MQTT.ClientID,
		"topic", cfg.Discovery.Topic,
		"discovery_prefix", cfg.Discovery.Prefix,
		"interval", cfg.Discovery.Interval().String(),
		"retain", cfg.Discovery.Retain,
	)

	tmpl, err := identity.Parse(cfg.Discovery.DeviceTopicSuffix)
	if err != nil {
		return err
	}

	// The synthesizer publishes through the client, which in turn feeds
	// readings to the translator; client is assigned below.
	var client *mqtt.Client
	store := discovery.NewStore(nil)
	synth := discovery.New(discoveryOptions(cfg), store,
		discovery.PublisherFunc(func(ctx context.Context, topic string, payload []byte, retain bool) error {
			return client.Publish(ctx, topic, payload, retain)
		}), logger)
	tr := bridge.New(translatorOptions(cfg), tmpl, synth, logger)
	if ids := tr.AllowList(); ids != nil {
		logger.Info("device allow-list active", "ids", ids)
	}

	var status *mqtt.Status
	if cfg.Status.Enabled {
		instanceID, err := mqtt.InstanceID(cfg.DataDir, cfg.MQTT.ClientID)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)
		status = mqtt.NewStatus(mqtt.StatusOptions{
			DeviceName:      cfg.Status.DeviceName,
			InstanceID:      instanceID,
			TopicPrefix:     cfg.Discovery.TopicPrefix,
			DiscoveryPrefix: cfg.Discovery.Prefix,
			Interval:        time.Duration(cfg.Status.PublishIntervalSec) * time.Second,
		}, nil, &statusStats{tr: tr}, logger)
	}

	client = mqtt.New(mqtt.Options{
		MQTT:            cfg.MQTT,
		InboundTopic:    cfg.Discovery.Topic,
		DiscoveryPrefix: cfg.Discovery.Prefix,
		Handler:         tr,
		OnHomeAssistantOnline: func() {
			n := store.Reset()
			logger.Info("home assistant online, discovery records cleared", "records", n)
		},
		Status: status,
	}, logger)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return client.Start(gctx)
	})
	if status != nil {
		g.Go(func() error {
			return status.Run(gctx)
		})
	}
	if cfg.Metrics.Listen != "" {
		reg := metrics.NewRegistry(metrics.Source{
			Stats:     tr.Stats,
			Records:   store.Len,
			Dropped:   client.Dropped,
			Connected: client.Connected,
		})
		g.Go(func() error {
			return metrics.Serve(gctx, cfg.Metrics.Listen, reg, logger)
		})
	}

	runErr := g.Wait()
	logger.Info("shutting down")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer stopCancel()
	if err := client.Stop(stopCtx); err != nil {
		logger.Error("mqtt shutdown failed", "error", err)
	}

	if runErr != nil {
		return runErr
	}
	logger.Info("rtl433-discovery stopped")
	return nil
}

func discoveryOptions(cfg *config.Config) discovery.Options {
	return discovery.Options{
		Prefix:      cfg.Discovery.Prefix,
		Interval:    cfg.Discovery.Interval(),
		Retain:      cfg.Discovery.Retain,
		ForceUpdate: cfg.Discovery.ForceUpdate,
		ExpireAfter: cfg.Discovery.ExpireAfter(),
	}
}

func translatorOptions(cfg *config.Config) bridge.Options {
	return bridge.Options{
		TopicPrefix: cfg.Discovery.TopicPrefix,
		AllowIDs:    cfg.Discovery.IDs,
		SkipFields:  cfg.Discovery.SkipFields,
	}
}

// loadConfig layers .env files, the YAML file and the environment. The
// YAML file is optional unless explicit is set. Returns the config and
// the file path used, empty when none.
func loadConfig(explicit string, envFiles []string) (*config.Config, string, error) {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		return nil, "", err
	}

	cfg := &config.Config{}
	cfgPath, findErr := config.FindConfig(explicit)
	switch {
	case findErr == nil:
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
		}
		cfg = loaded
	case explicit != "":
		return nil, "", findErr
	default:
		cfgPath = ""
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, cfgPath, fmt.Errorf("environment: %w", err)
	}
	cfg.ApplyDefaults()
	return cfg, cfgPath, nil
}

// statusStats adapts the translator and build info to [mqtt.StatsSource].
type statusStats struct {
	tr *bridge.Translator
}

func (a *statusStats) Uptime() time.Duration        { return buildinfo.Uptime() }
func (a *statusStats) Version() string              { return buildinfo.Version }
func (a *statusStats) Readings() int64              { return a.tr.Stats().Readings() }
func (a *statusStats) DiscoveriesPublished() int64  { return a.tr.Stats().Published }
func (a *statusStats) DiscoveriesSuppressed() int64 { return a.tr.Stats().Suppressed }
