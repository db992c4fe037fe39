// Command sv is the scalar/string variable front-end for the dsv broker:
// create, set, get, subscribe, save, restore, and track.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"pkt.systems/dsv/api"
	"pkt.systems/dsv/client"
)

type connFlags struct {
	host         string
	beaconPort   int
	probeTimeout time.Duration
}

func (f *connFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&f.host, "host", "", "broker host (skips beacon discovery)")
	pf.IntVar(&f.beaconPort, "beacon-port", 9999, "discovery beacon UDP port")
	pf.DurationVar(&f.probeTimeout, "probe-timeout", 500*time.Millisecond, "discovery listen timeout")
}

func (f *connFlags) open(logger pslog.Logger) (*client.Client, error) {
	opts := []client.Option{
		client.WithLogger(logger),
		client.WithBeaconPort(f.beaconPort),
		client.WithProbeTimeout(f.probeTimeout),
	}
	if f.host != "" {
		opts = append(opts, client.WithBrokerHost(f.host))
	}
	return client.Open(opts...)
}

func main() {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("DSV_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.WarnLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "sv")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCommand(logger).ExecuteContext(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "sv: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCommand(logger pslog.Logger) *cobra.Command {
	var conn connFlags
	var instanceID uint32

	root := &cobra.Command{
		Use:           "sv",
		Short:         "sv reads and writes distributed system variables",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	conn.register(root)
	root.PersistentFlags().Uint32VarP(&instanceID, "instance", "i", 0, "variable instance id")

	var (
		typeName string
		desc     string
		tags     string
		flagsStr string
		jsonFile string
	)
	create := &cobra.Command{
		Use:   "create [name] [value]",
		Short: "create a variable (or a batch of them with --json)",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			if jsonFile != "" {
				created, err := c.CreateFromJSON(instanceID, jsonFile)
				if err != nil {
					return err
				}
				fmt.Printf("created %d variables\n", created)
				return nil
			}
			if len(args) < 1 {
				return errors.New("create needs a variable name or --json")
			}
			t := api.TypeFromString(typeName)
			if !t.Valid() {
				return fmt.Errorf("unsupported type %q", typeName)
			}
			def := client.Definition{
				Name:  args[0],
				Desc:  desc,
				Tags:  tags,
				Type:  t,
				Flags: api.FlagsFromString(flagsStr),
			}
			if len(args) > 1 {
				v, err := api.ParseValue(args[1], t)
				if err != nil {
					return err
				}
				def.Value = v
			}
			return c.Create(instanceID, def)
		},
	}
	create.Flags().StringVarP(&typeName, "type", "y", "string", "variable type (string, int_array, uint8..sint64, float, double)")
	create.Flags().StringVarP(&desc, "desc", "d", "", "variable description")
	create.Flags().StringVarP(&tags, "tags", "t", "", "comma-separated tags")
	create.Flags().StringVarP(&flagsStr, "flags", "o", "", "comma-separated flags (save, track)")
	create.Flags().StringVarP(&jsonFile, "json", "j", "", "JSON batch definition file")

	set := &cobra.Command{
		Use:   "set <name> <value>",
		Short: "set a variable from its string form",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.SetByName(instanceID, args[0], args[1])
		},
	}

	var fuzzy bool
	get := &cobra.Command{
		Use:   "get <name>",
		Short: "print a variable (or every fuzzy match with --fuzzy)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			if fuzzy {
				last := int32(-1)
				for {
					index, name, value, err := c.GetNext(args[0], last)
					if err != nil {
						if errors.Is(err, api.ErrNotFound) {
							return nil
						}
						return err
					}
					fmt.Printf("%s=%s\n", name, value)
					last = index
				}
			}
			value, err := c.GetByName(instanceID, args[0])
			if err != nil {
				return err
			}
			fmt.Println(value)
			return nil
		},
	}
	get.Flags().BoolVarP(&fuzzy, "fuzzy", "f", false, "treat name as a substring and print every match")

	sub := &cobra.Command{
		Use:   "sub <name>...",
		Short: "subscribe and print change notifications",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			for _, name := range args {
				if err := c.Subscribe(instanceID, name); err != nil {
					return err
				}
			}
			go func() {
				<-cmd.Context().Done()
				_ = c.Close()
			}()
			types := make(map[string]api.Type)
			for {
				n, err := c.Notification()
				if err != nil {
					if cmd.Context().Err() != nil {
						return nil
					}
					return err
				}
				t, ok := types[n.Name]
				if !ok {
					h, err := c.HandleByFullName(n.Name)
					if err != nil {
						continue
					}
					if t, err = c.Type(h); err != nil {
						continue
					}
					types[n.Name] = t
				}
				v, err := n.Value(t)
				if err != nil {
					continue
				}
				fmt.Printf("%s=%s\n", n.Name, v.String())
			}
		},
	}

	save := &cobra.Command{
		Use:   "save",
		Short: "append dirty flagged variables to the save store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Save()
		},
	}
	restore := &cobra.Command{
		Use:   "restore",
		Short: "replay the save store onto existing variables",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			return c.Restore()
		},
	}

	var disable bool
	track := &cobra.Command{
		Use:   "track <name>",
		Short: "flip a variable's track flag",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := conn.open(logger)
			if err != nil {
				return err
			}
			defer c.Close()
			h, err := c.Handle(instanceID, args[0])
			if err != nil {
				return err
			}
			return c.Track(h, !disable)
		},
	}
	track.Flags().BoolVar(&disable, "disable", false, "clear the track flag instead of setting it")

	root.AddCommand(create, set, get, sub, save, restore, track)
	return root
}
