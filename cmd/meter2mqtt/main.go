// meter2mqtt bridges an IEEE 2030.5 smart meter to Home Assistant over MQTT.
//
// It reads the meter's identity once, announces every sensor through Home
// Assistant MQTT discovery, then polls the meter and publishes each reading
// to its state topic. The simulate subcommand serves a fake meter for
// development.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/nerrad567/meter2mqtt/internal/api"
	"github.com/nerrad567/meter2mqtt/internal/bridges/meter"
	"github.com/nerrad567/meter2mqtt/internal/infrastructure/config"
	"github.com/nerrad567/meter2mqtt/internal/infrastructure/logging"
	"github.com/nerrad567/meter2mqtt/internal/infrastructure/mqtt"
	"github.com/nerrad567/meter2mqtt/internal/simulator"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

func main() {
	// Cancel on Ctrl+C and SIGTERM for graceful shutdown.
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newApp().Run(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// newApp builds the command tree. The root command runs the bridge.
func newApp() *cli.Command {
	return &cli.Command{
		Name:    "meter2mqtt",
		Usage:   "publish IEEE 2030.5 smart meter readings to Home Assistant over MQTT",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to YAML config file; empty uses defaults and environment only",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("METER2MQTT_CONFIG"),
				),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return run(ctx, c.String("config"))
		},
		Commands: []*cli.Command{
			simulateCommand(),
		},
	}
}

// simulateCommand serves a fake meter until interrupted.
func simulateCommand() *cli.Command {
	return &cli.Command{
		Name:  "simulate",
		Usage: "serve a simulated 2030.5 meter over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "listen",
				Value: ":8082",
				Usage: "listen address",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("SIMULATOR_LISTEN"),
				),
			},
			&cli.StringFlag{
				Name:  "sw-version",
				Value: simulator.DefaultSoftwareVersion,
				Usage: "firmware version reported in /sdev; selects the schema variant",
			},
			&cli.StringFlag{
				Name:  "sfdi",
				Value: simulator.DefaultSFDI,
				Usage: "short-form device identifier reported in /sdev",
			},
			&cli.StringFlag{
				Name:  "mfid",
				Value: simulator.DefaultManufacturerID,
				Usage: "manufacturer id reported in /sdev",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Value: "info",
				Usage: "debug, info, warn or error",
				Sources: cli.NewValueSourceChain(
					cli.EnvVar("LOGLEVEL"),
				),
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			log := logging.New(config.LoggingConfig{
				Level:  c.String("log-level"),
				Format: "text",
				Output: "stderr",
			}, version).ForComponent("simulator")

			m := simulator.New(simulator.Config{
				SFDI:            c.String("sfdi"),
				SoftwareVersion: c.String("sw-version"),
				ManufacturerID:  c.String("mfid"),
			})
			return m.Serve(ctx, c.String("listen"), log.Logger)
		},
	}
}

// run is the bridge itself, separated from main for testability.
//
// Startup order: config, logger, MQTT, meter client, health reporter,
// bootstrap, Home Assistant birth subscription, status API, poll loop.
// A bootstrap failure is fatal; everything after it degrades gracefully.
//
// Returns nil on clean shutdown.
func run(ctx context.Context, configPath string) error {
	// Use default logger until config is loaded
	log := logging.Default()
	log.Info("starting meter2mqtt",
		"version", version,
		"commit", commit,
		"build_date", date,
	)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if configPath != "" {
		log.Info("configuration loaded", "path", configPath)
	}

	log = logging.New(cfg.Logging, version)
	log.Info("logger initialised",
		"level", cfg.Logging.Level,
		"format", cfg.Logging.Format,
	)

	mqttLog := log.ForComponent("mqtt")
	mqttClient, err := mqtt.Connect(cfg.MQTT, cfg.Meter.ID, mqtt.Hooks{
		OnConnect: func(reconnect bool) {
			if reconnect {
				mqttLog.Info("MQTT reconnected")
			}
		},
		OnConnectionLost: func(err error) {
			mqttLog.Warn("MQTT connection lost", logging.Error(err))
		},
		Logger: mqttLog,
	})
	if err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Close(); closeErr != nil {
			log.Error("error closing MQTT", logging.Error(closeErr))
		}
	}()
	log.Info("MQTT connected",
		"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
		"client_id", cfg.MQTT.Broker.ClientID,
		"auth", cfg.MQTT.Auth.String(),
	)

	meterLog := log.ForComponent("meter")
	device, closeFetcher, err := newDevice(cfg, mqttClient, meterLog)
	if err != nil {
		return err
	}
	defer closeFetcher()

	if cfg.Health.Enabled {
		reporter := meter.NewHealthReporter(meter.HealthReporterConfig{
			MeterID:   cfg.Meter.ID,
			Version:   version,
			Topic:     mqttClient.Topics().Health(),
			Interval:  cfg.Health.Interval,
			QoS:       mqttClient.QoS(),
			Publisher: mqttClient,
			Source:    device,
			Logger:    log.ForComponent("health"),
		})
		reporter.Start(ctx)
		defer reporter.Stop()
	}

	log.Info("bootstrapping meter", "url", cfg.MeterBaseURL())
	if err := device.Bootstrap(ctx); err != nil {
		return fmt.Errorf("bootstrapping meter: %w", err)
	}

	if cfg.Discovery.RepublishOnBirth {
		birthTopic := mqtt.HomeAssistantStatus(cfg.DiscoveryPrefix())
		if err := mqttClient.Subscribe(birthTopic, mqttClient.QoS(), device.HandleHomeAssistantStatus); err != nil {
			log.Warn("failed to subscribe to Home Assistant status", "topic", birthTopic, logging.Error(err))
		}
	}

	if cfg.API.Enabled {
		server, err := api.New(api.Deps{
			Config:  cfg.API,
			Logger:  log.ForComponent("api"),
			Device:  device,
			MQTT:    mqttClient,
			Version: version,
		})
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
		if err := server.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := server.Close(); closeErr != nil {
				log.Error("error closing API server", logging.Error(closeErr))
			}
		}()
	}

	if err := healthCheck(ctx, mqttClient); err != nil {
		log.Warn("startup health check failed", logging.Error(err))
	}

	log.Info("initialisation complete, polling meter",
		"endpoints", len(device.Endpoints()),
		"interval", cfg.Polling.Interval,
	)

	if err := device.Run(ctx); err != nil {
		return fmt.Errorf("polling meter: %w", err)
	}

	log.Info("shutdown signal received, cleaning up")
	return nil
}

// newDevice builds the meter request client and Device from config.
// The returned func releases the client's idle connections.
func newDevice(cfg *config.Config, publisher meter.Publisher, log *logging.Logger) (*meter.Device, func(), error) {
	retry := cfg.Polling.Retry
	fetcher, err := meter.NewRequestClient(meter.RequestClientOptions{
		CertFile:           cfg.Meter.TLS.CertFile,
		KeyFile:            cfg.Meter.TLS.KeyFile,
		InsecureSkipVerify: cfg.Meter.TLS.InsecureSkipVerify,
		Retry: meter.RetryPolicy{
			MaxAttempts:  retry.MaxAttempts,
			InitialDelay: retry.InitialDelay,
			MaxDelay:     retry.MaxDelay,
			Multiplier:   retry.Multiplier,
			Logger:       log,
		},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating meter client: %w", err)
	}

	device, err := meter.NewDevice(meter.DeviceOptions{
		Name:             cfg.Meter.Name,
		BaseURL:          cfg.MeterBaseURL(),
		DiscoveryPrefix:  cfg.DiscoveryPrefix(),
		SchemaDir:        cfg.Meter.SchemaDir,
		Fetcher:          fetcher,
		Publisher:        publisher,
		QoS:              byte(cfg.MQTT.QoS),
		Interval:         cfg.Polling.Interval,
		BootstrapTimeout: cfg.Polling.BootstrapTimeout,
		RequestTimeout:   cfg.Polling.RequestTimeout,
		Logger:           log,
	})
	if err != nil {
		fetcher.Close()
		return nil, nil, fmt.Errorf("creating meter device: %w", err)
	}

	return device, fetcher.Close, nil
}

// healthCheck verifies the infrastructure connections are healthy.
func healthCheck(ctx context.Context, mqttClient *mqtt.Client) error {
	if err := mqttClient.HealthCheck(ctx); err != nil {
		return fmt.Errorf("mqtt: %w", err)
	}
	return nil
}
