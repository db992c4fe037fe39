package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/dsv"
)

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DSV_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "dsvd")
	cmd := newRootCommand(logger)
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "dsvd",
		Short:         "dsvd is the distributed system variable broker",
		SilenceErrors: true,
		Example: `
  # Defaults: ports 56787-56789, beacon on UDP 9999, save to /var/run/dsv.save
  dsvd

  # Custom save location and a Prometheus endpoint
  dsvd --save-store file:///tmp/dsv.save --metrics-listen :9100

  # Save stream in an S3-compatible store
  AWS_ACCESS_KEY_ID=... AWS_SECRET_ACCESS_KEY=... \
    dsvd --save-store s3://minio:9000/dsv/dsv.save?insecure=1

  # Replay the save stream once at startup; records for variables that do
  # not exist yet are skipped
  dsvd --restore
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			logger := baseLogger
			if level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level"))); ok {
				logger = logger.LogLevel(level)
			}
			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				logger.Info("loaded config file", "path", configFile)
			}

			cfg := dsv.Config{
				ReqListen:       viper.GetString("listen-req"),
				PubListen:       viper.GetString("listen-fanout"),
				IngestListen:    viper.GetString("listen-ingest"),
				BeaconPort:      viper.GetInt("beacon-port"),
				BeaconInterval:  viper.GetDuration("beacon-interval"),
				DisableBeacon:   viper.GetBool("disable-beacon"),
				SaveStore:       viper.GetString("save-store"),
				RestoreOnStart:  viper.GetBool("restore"),
				MaxMessageBytes: viper.GetInt("max-message-bytes"),
				MetricsListen:   viper.GetString("metrics-listen"),
				StatsInterval:   viper.GetDuration("stats-interval"),
			}
			logger.Info("welcome to dsvd",
				"pid", os.Getpid(),
				"max_message", humanizeBytes(int64(cfg.MaxMessageBytes)),
			)

			server, err := dsv.NewServer(cfg, dsv.WithLogger(logger))
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					logger.Error("shutdown failed", "error", err)
				}
			}()
			return server.Start()
		},
	}

	flags := cmd.Flags()
	// Accept underscore spellings from scripts and env-derived values.
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})
	cmd.PersistentFlags().StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.dsv/"+dsv.DefaultConfigFileName+")")
	flags.String("listen-req", dsv.DefaultReqListen, "request/reply listen address")
	flags.String("listen-fanout", dsv.DefaultPubListen, "subscriber fan-out listen address")
	flags.String("listen-ingest", dsv.DefaultIngestListen, "producer ingest listen address")
	flags.Int("beacon-port", dsv.DefaultBeaconPort, "discovery beacon UDP port")
	flags.Duration("beacon-interval", dsv.DefaultBeaconInterval, "discovery beacon announce interval")
	flags.Bool("disable-beacon", false, "disable LAN discovery (fixed-address deployments)")
	flags.String("save-store", dsv.DefaultSaveStore, "save stream location (file:///path or s3://host/bucket/key)")
	flags.Bool("restore", false, "replay the save stream once at startup")
	flags.Int("max-message-bytes", dsv.DefaultMaxMessageBytes, "maximum wire message size")
	flags.String("metrics-listen", dsv.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.Duration("stats-interval", 10*time.Second, "broker self-stats publish interval (0 disables)")
	flags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	if err := viper.BindPFlags(flags); err != nil {
		panic(err)
	}
	if err := viper.BindPFlag("config", cmd.PersistentFlags().Lookup("config")); err != nil {
		panic(err)
	}
	viper.SetEnvPrefix("DSV")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	return cmd
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			candidate := filepath.Join(home, ".dsv", dsv.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	abs, err := filepath.Abs(cfgPath)
	if err != nil {
		return "", fmt.Errorf("resolve config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", abs, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", abs)
	}
	viper.SetConfigFile(abs)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", abs, err)
	}
	return abs, nil
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}
