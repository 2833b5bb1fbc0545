// Copyright (c) 2023 Seagate Technology LLC and/or its Affiliates

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"k8s.io/klog/v2"

	"github.com/Seagate/gpu-runlist-lib/pkg/chip"
	"github.com/Seagate/gpu-runlist-lib/pkg/config"
	"github.com/Seagate/gpu-runlist-lib/pkg/fifo"
	"github.com/Seagate/gpu-runlist-lib/pkg/gpusim"
)

var Version = "1.0.0"

// This variable is filled in during the linker step - -ldflags "-X main.buildTime=`date -u '+%Y-%m-%dT%H:%M:%S'`"
var buildTime = ""

var helptxt = `
rl-util is a command line tool to discover NVIDIA GPUs and to exercise the
runlist scheduler against a simulated GPU.

Which:
	version  : Print the version of this application and exit
	probe    : List the NVIDIA GPUs on the host with their architecture
	dump     : Build the runlists of a configuration and print their state
	simulate : Run a scenario file against the simulated GPU and print the state
`

const (
	DefaultVerbosity = 0 // Default log level
)

type Settings struct {
	Verbosity int    // The log level verbosity, where 0 is no logging and 4 is very verbose
	Config    string // Configuration file, YAML or TOML
	Scenario  string // Scenario file for simulate
	Sysfs     string // sysfs mount point for probe
	PciIDs    string // pci.ids database for probe
}

func PrintTableToStdout(table any, prefix, indent string) {
	s, _ := json.MarshalIndent(table, prefix, indent)
	fmt.Print(string(s), "\n")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

func newRootCmd(s *Settings) *cobra.Command {
	root := &cobra.Command{
		Use:           "rl-util",
		Short:         "GPU runlist scheduler utility",
		Long:          helptxt,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Set verbosity level according to the 'verbosity' flag
			var l klog.Level
			return l.Set(strconv.Itoa(s.Verbosity))
		},
	}
	root.PersistentFlags().IntVar(&s.Verbosity, "verbosity", DefaultVerbosity, "Log level verbosity")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version of this application",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "rl-util version %s, build time %s\n", Version, buildTime)
		},
	})

	probe := &cobra.Command{
		Use:   "probe",
		Short: "List the NVIDIA GPUs on the host",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			devs, err := chip.InitGpuDevList(s.Sysfs)
			if err != nil {
				return err
			}
			if db, err := chip.OpenPciDB(s.PciIDs); err != nil {
				klog.ErrorS(err, "pci.ids database not available, names are left out")
			} else {
				chip.Describe(db, devs)
			}
			list := make([]*chip.GpuDev, 0, len(devs))
			for _, bdf := range chip.SortedBDFs(devs) {
				list = append(list, devs[bdf])
			}
			PrintTableToStdout(list, "", "   ")
			return nil
		},
	}
	probe.Flags().StringVar(&s.Sysfs, "sysfs", config.DEFAULT_SYSFS_ROOT, "sysfs mount point")
	probe.Flags().StringVar(&s.PciIDs, "pci-ids", "", "pci.ids database, searched in the system locations if empty")
	root.AddCommand(probe)

	dump := &cobra.Command{
		Use:   "dump",
		Short: "Build the runlists of a configuration and print their state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(s.Config)
			if err != nil {
				return err
			}
			sub, err := fifo.NewSimulated(cfg)
			if err != nil {
				return err
			}
			defer sub.Close()
			PrintTableToStdout(struct {
				Arch   string
				Config *config.Config
				State  any
			}{sub.Arch.Name, cfg, sub.State()}, "", "   ")
			return nil
		},
	}
	dump.Flags().StringVar(&s.Config, "config", "", "configuration file (YAML, or TOML with a .toml extension)")
	root.AddCommand(dump)

	simulate := &cobra.Command{
		Use:   "simulate",
		Short: "Run a scenario against the simulated GPU",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd.Context(), s)
		},
	}
	simulate.Flags().StringVar(&s.Config, "config", "", "configuration file (YAML, or TOML with a .toml extension)")
	simulate.Flags().StringVar(&s.Scenario, "scenario", "", "scenario file (YAML)")
	_ = simulate.MarkFlagRequired("scenario")
	root.AddCommand(simulate)

	return root
}

func runSimulate(ctx context.Context, s *Settings) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(s.Config)
	if err != nil {
		return err
	}
	sc, err := loadScenario(s.Scenario)
	if err != nil {
		return err
	}
	sub, err := fifo.NewSimulated(cfg)
	if err != nil {
		return err
	}
	defer sub.Close()
	sub.Start()

	results, runErr := newScenarioRunner(sub).Run(ctx, sc)
	if err := sub.Stop(); err != nil {
		klog.ErrorS(err, "domain scheduler exit")
	}

	PrintTableToStdout(struct {
		Steps       []StepResult
		Submissions []gpusim.Submission
		Preemptions []gpusim.Preemption
		Recoveries  map[uint32]int
		State       any
	}{
		Steps:       results,
		Submissions: sub.GPU.Submissions(),
		Preemptions: sub.GPU.Preemptions(),
		Recoveries:  recoveries(sub),
		State:       sub.State(),
	}, "", "   ")
	return runErr
}

func recoveries(sub *fifo.Subsystem) map[uint32]int {
	out := make(map[uint32]int)
	for _, rl := range sub.C.Runlists() {
		if n := sub.Recovery.Count(rl.ID); n != 0 {
			out[rl.ID] = n
		}
	}
	return out
}

func main() {
	klog.InitFlags(nil)
	defer klog.Flush()

	settings := Settings{}
	if err := newRootCmd(&settings).Execute(); err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
}
