// Command devman registers device variable sets with the dsv broker. It
// ensures the well-known device list exists, batch-creates variables from
// JSON definition files, appends each device instance to the list, and
// optionally watches a definition directory for new devices.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/client"
)

// devListName is the well-known device list variable.
const devListName = "/SYS/DEV_LIST"

// devListInstance is the system instance id that owns the device list.
const devListInstance = 0

func main() {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DSV_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "devman")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			logger.Error("command failed", "error", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	var (
		host         string
		beaconPort   int
		probeTimeout time.Duration
		instanceID   uint32
		file         string
		watchDir     string
	)

	cmd := &cobra.Command{
		Use:           "devman",
		Short:         "devman registers device variable sets with the dsv broker",
		SilenceErrors: true,
		SilenceUsage:  true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if file == "" && watchDir == "" {
				return errors.New("nothing to do: pass --file and/or --watch")
			}
			opts := []client.Option{
				client.WithLogger(logger),
				client.WithBeaconPort(beaconPort),
				client.WithProbeTimeout(probeTimeout),
			}
			if host != "" {
				opts = append(opts, client.WithBrokerHost(host))
			}
			c, err := client.Open(opts...)
			if err != nil {
				return err
			}
			defer c.Close()

			m := &manager{c: c, logger: logger, nextInstance: instanceID}
			if err := m.ensureDevList(); err != nil {
				return err
			}
			if file != "" {
				if err := m.registerDevice(file); err != nil {
					return err
				}
			}
			if watchDir == "" {
				return nil
			}
			return m.watch(cmd.Context(), watchDir)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&host, "host", "", "broker host (skips beacon discovery)")
	flags.IntVar(&beaconPort, "beacon-port", 9999, "discovery beacon UDP port")
	flags.DurationVar(&probeTimeout, "probe-timeout", 500*time.Millisecond, "discovery listen timeout")
	flags.Uint32VarP(&instanceID, "instance", "i", 1, "instance id for the first device")
	flags.StringVarP(&file, "file", "f", "", "device definition JSON file")
	flags.StringVarP(&watchDir, "watch", "w", "", "watch a directory and register new definition files")
	return cmd
}

type manager struct {
	c            *client.Client
	logger       pslog.Logger
	nextInstance uint32
	seen         map[string]bool
}

// ensureDevList creates the well-known device list when this is the first
// device manager against a fresh broker.
func (m *manager) ensureDevList() error {
	_, err := m.c.Handle(devListInstance, devListName)
	if err == nil {
		return nil
	}
	if !errors.Is(err, api.ErrNotFound) {
		return err
	}
	if err := m.c.Create(devListInstance, client.Definition{
		Name:  devListName,
		Desc:  "registered device instances",
		Tags:  "system,devices",
		Type:  api.TypeIntArray,
		Value: api.Value{Type: api.TypeIntArray, Arr: []int32{devListInstance}},
	}); err != nil {
		return err
	}
	return m.waitHandle(devListInstance, devListName)
}

// registerDevice batch-creates the device's variables and appends its
// instance to the device list.
func (m *manager) registerDevice(path string) error {
	if m.seen == nil {
		m.seen = make(map[string]bool)
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	if m.seen[path] {
		return nil
	}
	m.seen[path] = true
	instance := m.nextInstance
	m.nextInstance++
	created, err := m.c.CreateFromJSON(instance, path)
	if err != nil {
		return err
	}
	h, err := m.c.Handle(devListInstance, devListName)
	if err != nil {
		return err
	}
	if err := m.c.AddItem(h, int32(instance)); err != nil {
		return err
	}
	m.logger.Info("device registered", "file", path, "instance", instance, "variables", created)
	return nil
}

// watch registers definition files as they appear in dir.
func (m *manager) watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	m.logger.Info("watching for device definitions", "dir", dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !strings.EqualFold(filepath.Ext(ev.Name), ".json") {
				continue
			}
			// Writers may still be flushing when the event fires.
			time.Sleep(100 * time.Millisecond)
			if err := m.registerDevice(ev.Name); err != nil {
				m.logger.Warn("device registration failed", "file", ev.Name, "error", err)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

func (m *manager) waitHandle(instanceID uint32, name string) error {
	deadline := time.Now().Add(5 * time.Second)
	for {
		_, err := m.c.Handle(instanceID, name)
		if err == nil {
			return nil
		}
		if !errors.Is(err, api.ErrNotFound) || time.Now().After(deadline) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}
