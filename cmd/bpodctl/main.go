package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/finchlab/bpod"
	"github.com/finchlab/bpod/internal/config"
	"github.com/finchlab/bpod/internal/logging"
)

var (
	flagPort    string
	flagConfig  string
	flagTimeout time.Duration
)

func main() {
	root := &cobra.Command{
		Use:           "bpodctl",
		Short:         "Operate Bpod-class state machine controllers",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flagPort, "port", "", "serial port path (default: first discovered device)")
	root.PersistentFlags().StringVar(&flagConfig, "config", "", "TOML config file with timing knobs")

	portsCmd := &cobra.Command{
		Use:   "ports",
		Short: "List attached devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			ports, err := bpod.Discover()
			if err != nil {
				return err
			}
			if len(ports) == 0 {
				fmt.Println("no devices found")
				return nil
			}
			for _, p := range ports {
				fmt.Println(p)
			}
			return nil
		},
	}

	infoCmd := &cobra.Command{
		Use:   "info",
		Short: "Connect and print the device identity",
		RunE: func(cmd *cobra.Command, args []string) error {
			dev, err := connectDevice()
			if err != nil {
				return err
			}
			defer dev.Close()
			id := dev.Identity()
			fmt.Printf("machine:   %s\n", id.MachineTypeString())
			fmt.Printf("firmware:  %d.%d\n", id.FirmwareMajor, id.FirmwareMinor)
			fmt.Printf("states:    up to %d\n", id.MaxStates)
			fmt.Printf("cycle:     %v\n", id.TimerPeriod())
			fmt.Printf("inputs:    %d\n", len(id.Inputs))
			for _, ch := range id.Inputs {
				fmt.Printf("  %s\n", ch.Name)
			}
			fmt.Printf("outputs:   %d\n", len(id.Outputs))
			for _, ch := range id.Outputs {
				fmt.Printf("  %s\n", ch.Name)
			}
			return nil
		},
	}

	runCmd := &cobra.Command{
		Use:   "run <machine.toml>",
		Short: "Compile, upload and run a state machine, printing its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			machine, err := loadMachine(args[0])
			if err != nil {
				return err
			}
			dev, err := connectDevice()
			if err != nil {
				return err
			}
			defer dev.Close()

			s, err := dev.Run(machine)
			if err != nil {
				return err
			}
			records, err := s.WaitUntilDone(flagTimeout)
			if err != nil {
				if stopErr := s.Stop(); stopErr != nil {
					fmt.Fprintf(os.Stderr, "stop: %v\n", stopErr)
				}
			}
			for _, r := range records {
				fmt.Println(r)
			}
			return err
		},
	}
	runCmd.Flags().DurationVar(&flagTimeout, "timeout", time.Minute, "maximum run duration")

	root.AddCommand(portsCmd, infoCmd, runCmd)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func connectDevice() (*bpod.Device, error) {
	opts := []bpod.Option{bpod.WithLogger(logging.Runtime("bpodctl"))}
	if flagConfig != "" {
		cfg, err := config.Load(flagConfig)
		if err != nil {
			return nil, err
		}
		opts = append(opts, bpod.WithConfig(cfg))
	}

	port := bpod.PortDescriptor{Path: flagPort}
	if flagPort == "" {
		ports, err := bpod.Discover()
		if err != nil {
			return nil, err
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("no devices found; pass --port")
		}
		port = ports[0]
	}
	return bpod.Connect(port, opts...)
}
