package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and wires all subcommands
func buildRoot() *cobra.Command {
	globalFlags := &GlobalFlags{}
	serveFlags := &ServeFlags{}
	clientFlags := &ClientFlags{}
	runFlags := &RunFlags{}
	slotFlags := &SlotFlags{}
	deviceFlags := &DeviceFlags{}

	cryorunCommand := command{}

	root := createRootCommand(globalFlags)

	root.AddCommand(
		createServeCommand(globalFlags, serveFlags),
		createStatusCommand(cryorunCommand, clientFlags),
		createSnapshotCommand(cryorunCommand, clientFlags),
		createErrorsCommand(cryorunCommand, clientFlags),
		createRunCommand(cryorunCommand, runFlags),
		createPauseCommand(cryorunCommand, clientFlags),
		createContinueCommand(cryorunCommand, clientFlags),
		createAbortCommand(cryorunCommand, clientFlags),
		createSlotCommand(cryorunCommand, slotFlags),
		createDevicesCommand(cryorunCommand, deviceFlags),
		createValidateCommand(cryorunCommand, globalFlags),
		createCheckCommand(cryorunCommand),
	)

	return root
}

// createRootCommand creates the root command with minimal persistent flags
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "cryorun",
		Short: "Cryostat instrument orchestration daemon",
		Long: `Cryorun supervises the instrument fleet of a cryostat rig: it polls
controllers, records readings, and executes declarative measurement sequences.

Examples:
  cryorun serve --config=rig.toml          # Start daemon
  cryorun status                           # Fleet and sequence state
  cryorun run cooldown.seq                 # Submit a sequence file
  cryorun slot --worker=itc --slot=set_temperature --args=77,2`,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")

	return root
}

func addClientFlags(cmd *cobra.Command, flags *ClientFlags) {
	cmd.Flags().StringVar(&flags.APIUrl, "api-url", "", "daemon URL (default http://127.0.0.1:8873)")
	cmd.Flags().DurationVar(&flags.APITimeout, "api-timeout", 0, "request timeout")
}

func createStatusCommand(cryorunCommand command, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet and sequence status",
		Long: `Show per-worker liveness, the sequence lifecycle state, and whether the
manual-controls interlock is held.

Examples:
  cryorun status
  cryorun status --api-url=http://rig-pc:8873`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Status(*flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createSnapshotCommand(cryorunCommand command, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Print the latest readings of every instrument",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Snapshot(*flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createErrorsCommand(cryorunCommand command, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "errors",
		Short: "Print the daemon's recent error events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Errors(*flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createRunCommand(cryorunCommand command, flags *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run [sequence-file]",
		Short: "Submit a sequence file for execution",
		Long: `Parse a sequence file locally, then submit it to the daemon. The daemon
acquires the manual-controls interlock for the whole run.

Examples:
  cryorun run cooldown.seq
  cryorun run rt-scan.seq --api-url=http://rig-pc:8873`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			flags.File = args[0]
			return cryorunCommand.Run(*flags)
		},
	}
	addClientFlags(cmd, &flags.ClientFlags)
	return cmd
}

func createPauseCommand(cryorunCommand command, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause the running sequence at its next checkpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Pause(*flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createContinueCommand(cryorunCommand command, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "continue",
		Short: "Resume a paused sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Continue(*flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createAbortCommand(cryorunCommand command, flags *ClientFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort",
		Short: "Abort the running sequence",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Abort(*flags)
		},
	}
	addClientFlags(cmd, flags)
	return cmd
}

func createSlotCommand(cryorunCommand command, flags *SlotFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slot",
		Short: "Apply one control slot on one worker",
		Long: `Apply a named control slot on a worker, e.g. a temperature setpoint or
an output toggle. Refused while a sequence holds the controls interlock.

Examples:
  cryorun slot --worker=itc --slot=set_temperature --args=77,2
  cryorun slot --worker=k6221 --slot=output_enable --args=1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Slot(*flags)
		},
	}
	cmd.Flags().StringVar(&flags.Worker, "worker", "", "worker name (required)")
	cmd.Flags().StringVar(&flags.Slot, "slot", "", "slot name (required)")
	cmd.Flags().Float64SliceVar(&flags.Args, "args", nil, "numeric slot arguments")
	addClientFlags(cmd, &flags.ClientFlags)
	if err := cmd.MarkFlagRequired("worker"); err != nil {
		panic(err)
	}
	if err := cmd.MarkFlagRequired("slot"); err != nil {
		panic(err)
	}
	return cmd
}

func createDevicesCommand(cryorunCommand command, flags *DeviceFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Start or stop individual workers",
		Long: `Stop one worker's polling loop, or relaunch a stopped one.

Examples:
  cryorun devices stop --name=sr830
  cryorun devices start --name=sr830`,
	}

	stop := &cobra.Command{
		Use:   "stop",
		Short: "Stop one worker and park it",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.StopDevice(*flags)
		},
	}
	start := &cobra.Command{
		Use:   "start",
		Short: "Relaunch a stopped worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.StartDevice(*flags)
		},
	}
	for _, sub := range []*cobra.Command{stop, start} {
		sub.Flags().StringVar(&flags.Name, "name", "", "worker name (required)")
		addClientFlags(sub, &flags.ClientFlags)
		if err := sub.MarkFlagRequired("name"); err != nil {
			panic(err)
		}
		cmd.AddCommand(sub)
	}
	return cmd
}

func createValidateCommand(cryorunCommand command, flags *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate [config.toml]",
		Short: "Validate a daemon config file without starting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.ConfigPath
			if len(args) > 0 {
				path = args[0]
			}
			return cryorunCommand.Validate(path)
		},
	}
}

func createCheckCommand(cryorunCommand command) *cobra.Command {
	return &cobra.Command{
		Use:   "check [sequence-file]",
		Short: "Parse a sequence file and print its normalized form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return cryorunCommand.Check(args[0])
		},
	}
}
