// Command asv is the int-array variable front-end for the dsv broker:
// element add, insert, set, get, and delete.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/client"
)

func main() {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DSV_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.WarnLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "asv")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "asv: %v\n", err)
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
		index        int32
		value        int32
	)

	root := &cobra.Command{
		Use:           "asv",
		Short:         "asv manipulates int-array system variables element by element",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	pf := root.PersistentFlags()
	pf.StringVar(&host, "host", "", "broker host (skips beacon discovery)")
	pf.IntVar(&beaconPort, "beacon-port", 9999, "discovery beacon UDP port")
	pf.DurationVar(&probeTimeout, "probe-timeout", 500*time.Millisecond, "discovery listen timeout")
	pf.Uint32Var(&instanceID, "inst", 0, "variable instance id")
	pf.Int32VarP(&index, "index", "i", -1, "element index")
	pf.Int32VarP(&value, "value", "v", 0, "element value")

	open := func() (*client.Client, error) {
		opts := []client.Option{
			client.WithLogger(logger),
			client.WithBeaconPort(beaconPort),
			client.WithProbeTimeout(probeTimeout),
		}
		if host != "" {
			opts = append(opts, client.WithBrokerHost(host))
		}
		return client.Open(opts...)
	}

	withHandle := func(name string, fn func(c *client.Client, h api.Handle) error) error {
		c, err := open()
		if err != nil {
			return err
		}
		defer c.Close()
		h, err := c.Handle(instanceID, name)
		if err != nil {
			return err
		}
		return fn(c, h)
	}

	add := &cobra.Command{
		Use:   "add <name> -v <value>",
		Short: "append an element",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(args[0], func(c *client.Client, h api.Handle) error {
				return c.AddItem(h, value)
			})
		},
	}
	ins := &cobra.Command{
		Use:   "ins <name> -i <index> -v <value>",
		Short: "insert an element before index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(args[0], func(c *client.Client, h api.Handle) error {
				return c.InsItem(h, index, value)
			})
		},
	}
	set := &cobra.Command{
		Use:   "set <name> -i <index> -v <value>",
		Short: "overwrite the element at index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(args[0], func(c *client.Client, h api.Handle) error {
				return c.SetItem(h, index, value)
			})
		},
	}
	del := &cobra.Command{
		Use:   "del <name> -i <index>",
		Short: "remove the element at index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(args[0], func(c *client.Client, h api.Handle) error {
				return c.DelItem(h, index)
			})
		},
	}
	get := &cobra.Command{
		Use:   "get <name> [-i <index>]",
		Short: "print the element at index, or the whole array",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHandle(args[0], func(c *client.Client, h api.Handle) error {
				if index >= 0 {
					item, err := c.GetItem(h, index)
					if err != nil {
						return err
					}
					fmt.Println(item)
					return nil
				}
				arr, err := c.GetArray(h)
				if err != nil {
					return err
				}
				parts := make([]string, len(arr))
				for i, e := range arr {
					parts[i] = fmt.Sprint(e)
				}
				fmt.Println(strings.Join(parts, ","))
				return nil
			})
		},
	}

	root.AddCommand(add, ins, set, del, get)
	return root
}
