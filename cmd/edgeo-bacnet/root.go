// Copyright 2025 Edgeo SCADA
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/edgeo-scada/bacnet/bacnet"
	"github.com/edgeo-scada/bacnet/bacnet/bip"
	"github.com/edgeo-scada/bacnet/bacnet/promexport"
	"github.com/edgeo-scada/bacnet/bacnet/sim"
)

var (
	cfgFile       string
	host          string
	deviceID      uint32
	timeout       time.Duration
	scanWait      time.Duration
	outputFmt     string
	verbose       bool
	transportKind string
	simCatalog    string
	simSeed       int64
	metricsAddr   string

	logger *slog.Logger
)

var version = "1.0.0"

var rootCmd = &cobra.Command{
	Use:   "edgeo-bacnet",
	Short: "A BACnet/IP client CLI",
	Long: `edgeo-bacnet is a command-line tool for communicating with BACnet/IP devices.

It supports device discovery and property read/write operations over a
real BACnet/IP network or a simulated one.

Examples:
  # Discover devices on the network
  edgeo-bacnet scan

  # Read a property from a device
  edgeo-bacnet read -d 1234 -O analog-input:1 -P present-value

  # Write a value to a device
  edgeo-bacnet write -H 192.168.1.10 -O analog-output:1 -P present-value -V 75.5

  # Try everything against the simulator
  edgeo-bacnet --transport sim scan`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logLevel := slog.LevelInfo
		if viper.GetBool("verbose") {
			logLevel = slog.LevelDebug
		}
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		}))

		switch viper.GetString("transport") {
		case "bip", "sim":
		default:
			return fmt.Errorf("unknown transport %q (want bip or sim)", viper.GetString("transport"))
		}
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	defaults := bacnet.DefaultTransportOptions()
	flags := rootCmd.PersistentFlags()

	// Global flags
	flags.StringVar(&cfgFile, "config", "", "config file (default is $HOME/.edgeo-bacnet.yaml)")
	flags.StringVarP(&host, "host", "H", "", "Target device address (host, host:port or net:mac@host)")
	flags.Uint32VarP(&deviceID, "device", "d", 0, "Target device instance ID")
	flags.DurationVarP(&timeout, "timeout", "t", 10*time.Second, "Overall command timeout")
	flags.DurationVar(&scanWait, "wait", 3*time.Second, "How long to collect I-Am answers")
	flags.StringVarP(&outputFmt, "output", "o", "table", "Output format (table, json, csv, raw)")
	flags.BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")
	flags.StringVar(&transportKind, "transport", "bip", "Transport to use (bip, sim)")
	flags.StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9108)")

	// Transport options
	flags.IntP("port", "p", defaults.Port, "Local UDP port to bind")
	flags.String("interface", defaults.Interface, "Local address to listen on")
	flags.String("broadcast", defaults.BroadcastAddress, "Who-Is broadcast address")
	flags.Duration("response-timeout", defaults.ResponseTimeout, "Confirmed request timeout")

	// Simulator
	flags.StringVar(&simCatalog, "sim-catalog", "", "YAML device catalog for the simulator")
	flags.Int64Var(&simSeed, "sim-seed", 0, "Seed for the simulator (0 = random)")
	flags.Duration("sim-interval", defaults.DiscoveryInterval, "Delay between simulated I-Am answers")
	flags.Duration("sim-min-latency", defaults.MinLatency, "Minimum simulated response latency")
	flags.Duration("sim-max-latency", defaults.MaxLatency, "Maximum simulated response latency")
	flags.Float64("sim-success", defaults.SuccessProbability, "Probability that a simulated request succeeds")

	// Bind flags to viper
	for key, flag := range map[string]string{
		"host":                "host",
		"device":              "device",
		"timeout":             "timeout",
		"wait":                "wait",
		"output":              "output",
		"verbose":             "verbose",
		"transport":           "transport",
		"metrics_addr":        "metrics-addr",
		"port":                "port",
		"interface":           "interface",
		"broadcast_address":   "broadcast",
		"response_timeout":    "response-timeout",
		"sim_catalog":         "sim-catalog",
		"sim_seed":            "sim-seed",
		"discovery_interval":  "sim-interval",
		"min_latency":         "sim-min-latency",
		"max_latency":         "sim-max-latency",
		"success_probability": "sim-success",
	} {
		viper.BindPFlag(key, flags.Lookup(flag))
	}

	// Add subcommands
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(readMultiCmd)
	rootCmd.AddCommand(writeCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(dumpCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(interactiveCmd)
	rootCmd.AddCommand(versionCmd)
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}

		viper.AddConfigPath(home)
		viper.SetConfigName(".edgeo-bacnet")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("BACNET")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	}

	host = viper.GetString("host")
	deviceID = viper.GetUint32("device")
	timeout = viper.GetDuration("timeout")
	scanWait = viper.GetDuration("wait")
	outputFmt = viper.GetString("output")
	verbose = viper.GetBool("verbose")
	transportKind = viper.GetString("transport")
	metricsAddr = viper.GetString("metrics_addr")
	simCatalog = viper.GetString("sim_catalog")
	simSeed = viper.GetInt64("sim_seed")
}

// transportConfig merges defaults, config file, environment and flags
func transportConfig() (bacnet.TransportOptions, error) {
	cfg := bacnet.DefaultTransportOptions()
	if err := viper.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("decode transport config: %w", err)
	}
	return cfg, cfg.Validate()
}

func transportFactory() (bacnet.TransportFactory, error) {
	if transportKind != "sim" {
		return bip.Factory(bip.WithLogger(logger)), nil
	}

	opts := []sim.Option{sim.WithLogger(logger)}
	if simSeed != 0 {
		opts = append(opts, sim.WithSeed(simSeed))
	}
	if simCatalog != "" {
		devices, err := sim.LoadCatalog(simCatalog)
		if err != nil {
			return nil, err
		}
		opts = append(opts, sim.WithCatalog(devices))
	}
	return sim.Factory(opts...), nil
}

// createClient creates a BACnet client with current configuration
func createClient() (*bacnet.Client, error) {
	cfg, err := transportConfig()
	if err != nil {
		return nil, err
	}
	factory, err := transportFactory()
	if err != nil {
		return nil, err
	}
	return bacnet.NewClient(factory,
		bacnet.WithTransportConfig(cfg),
		bacnet.WithLogger(logger),
	)
}

// openClient creates and connects a client, and starts the metrics
// endpoint when one is configured. The returned func releases both.
func openClient(ctx context.Context) (*bacnet.Client, func(), error) {
	client, err := createClient()
	if err != nil {
		return nil, nil, fmt.Errorf("create client: %w", err)
	}
	if err := client.Connect(ctx); err != nil {
		return nil, nil, fmt.Errorf("connect: %w", err)
	}

	stopMetrics := serveMetrics(client)
	return client, func() {
		stopMetrics()
		client.Close()
	}, nil
}

func serveMetrics(client *bacnet.Client) func() {
	if metricsAddr == "" {
		return func() {}
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(promexport.NewCollector(client.Metrics(), prometheus.Labels{"transport": transportKind}))

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	srv := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", slog.String("addr", metricsAddr), slog.Any("error", err))
		}
	}()
	logger.Info("serving metrics", slog.String("addr", metricsAddr))

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	}
}

// resolveAddress returns the address of the target device: --host when
// given, otherwise the address the device announces for --device.
func resolveAddress(ctx context.Context, client *bacnet.Client) (string, error) {
	if host != "" {
		return host, nil
	}
	if deviceID == 0 {
		return "", fmt.Errorf("a target is required (-H/--host or -d/--device)")
	}
	return lookupDevice(ctx, client, deviceID)
}

func lookupDevice(ctx context.Context, client *bacnet.Client, id uint32) (string, error) {
	if d, ok := client.Device(id); ok {
		return d.Address, nil
	}

	logger.Debug("locating device", slog.Uint64("device", uint64(id)))
	devices, err := client.Discover(ctx, scanWait, bacnet.WithDeviceRange(id, id))
	if err != nil {
		return "", fmt.Errorf("locate device %d: %w", id, err)
	}
	for _, d := range devices {
		if d.DeviceID == id {
			return d.Address, nil
		}
	}
	return "", fmt.Errorf("device %d: %w", id, bacnet.ErrDeviceNotFound)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("edgeo-bacnet version %s\n", version)
	},
}
