// Command pktsim runs packet network scenarios and computes theoretical link delays.
package main

import (
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/apex/log/handlers/cli"
	"github.com/iti/pktsim"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:           "pktsim",
		Short:         "Discrete-event packet network simulator",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(runSubcommand())
	root.AddCommand(delaySubcommand())

	if err := root.Execute(); err != nil {
		log.WithError(err).Error("pktsim failed")
		os.Exit(1)
	}
}

// runConfig holds the flags of the run subcommand.
type runConfig struct {
	out      string
	trace    string
	metrics  string
	seed     uint64
	stop     string
	logLevel string
}

// runSubcommand returns the run subcommand.
func runSubcommand() *cobra.Command {
	config := &runConfig{}
	cmd := &cobra.Command{
		Use:   "run <scenario>",
		Short: "Runs the scenario described in a yaml or json file",
		Args:  cobra.ExactArgs(1),
		RunE:  config.main,
	}
	flags := cmd.Flags()
	flags.StringVar(&config.out, "out", "", "file where to write the report (.yaml or .json)")
	flags.StringVar(&config.trace, "trace", "", "file where to write drop and ingress records (.yaml or .json)")
	flags.StringVar(&config.metrics, "metrics", "", "file where to write run counters in prometheus text format")
	flags.Uint64Var(&config.seed, "seed", 0, "overrides the scenario's seed")
	flags.StringVar(&config.stop, "stop", "", "overrides the scenario's stop time")
	flags.StringVar(&config.logLevel, "log-level", "info", "one of debug, info, warn, error")
	return cmd
}

// main is the main function of the run subcommand.
func (rc *runConfig) main(cmd *cobra.Command, args []string) error {
	level, err := log.ParseLevel(rc.logLevel)
	if err != nil {
		return err
	}
	log.SetHandler(cli.Default)
	log.SetLevel(level)

	cfg, err := pktsim.LoadScenarioCfg(args[0])
	if err != nil {
		return err
	}

	opts := []pktsim.Option{pktsim.WithLogger(log.Log), pktsim.WithTrace(rc.trace != "" || cfg.Trace)}
	if cmd.Flags().Changed("seed") {
		opts = append(opts, pktsim.WithSeed(rc.seed))
	}
	if rc.stop != "" {
		stop, err := pktsim.ParseSimDuration(rc.stop)
		if err != nil {
			return err
		}
		opts = append(opts, pktsim.WithStop(stop))
	}

	sim, err := pktsim.BuildSim(cfg, opts...)
	if err != nil {
		return err
	}
	rpt := sim.Run()

	if rc.out != "" {
		if err := rpt.WriteToFile(rc.out); err != nil {
			return err
		}
		log.Infof("report written to %s", rc.out)
	} else {
		printSummary(rpt)
	}
	if rc.trace != "" {
		if err := sim.Trace.WriteToFile(rc.trace); err != nil {
			return err
		}
		log.Infof("trace written to %s", rc.trace)
	}
	if rc.metrics != "" {
		if err := writeMetrics(sim, rc.metrics); err != nil {
			return err
		}
		log.Infof("metrics written to %s", rc.metrics)
	}
	return nil
}

// printSummary writes the headline numbers of a report to stdout
func printSummary(rpt *pktsim.Report) {
	fmt.Printf("scenario %s seed %d stop %v\n", rpt.Name, rpt.Seed, rpt.StopTime)
	fmt.Printf("  tx %d rx %d dropped %d flagged %d\n", rpt.Counters.TxPackets, rpt.Counters.RxPackets,
		rpt.Counters.TotalDrops(), rpt.Counters.Flagged)
	for _, fs := range rpt.Flows {
		fmt.Printf("  flow %d %s: tx %d rx %d lost %d mean delay %v throughput %.0f bps\n",
			fs.FlowID, fs.Flow, fs.TxPackets, fs.RxPackets, fs.LostPackets, fs.MeanDelay, fs.Throughput)
	}
}

// writeMetrics gathers the Sim's registry and writes it in text exposition format
func writeMetrics(sim *pktsim.Sim, filename string) error {
	families, err := sim.Registry().Gather()
	if err != nil {
		return err
	}
	f, err := os.Create(filename)
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(f, mf); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}

// delayConfig holds the flags of the delay subcommand.
type delayConfig struct {
	rate  string
	delay string
	size  int
}

// delaySubcommand returns the delay subcommand.
func delaySubcommand() *cobra.Command {
	config := &delayConfig{}
	cmd := &cobra.Command{
		Use:   "delay",
		Short: "Prints the theoretical delay of one packet over one link",
		Args:  cobra.NoArgs,
		RunE:  config.main,
	}
	flags := cmd.Flags()
	flags.StringVar(&config.rate, "rate", "10Mbps", "link data rate")
	flags.StringVar(&config.delay, "delay", "10ms", "link propagation delay")
	flags.IntVar(&config.size, "size", 1024, "packet size in bytes")
	return cmd
}

// main is the main function of the delay subcommand.
func (dc *delayConfig) main(*cobra.Command, []string) error {
	rate, err := pktsim.ParseDataRate(dc.rate)
	if err != nil {
		return err
	}
	delay, err := pktsim.ParseSimDuration(dc.delay)
	if err != nil {
		return err
	}
	if dc.size <= 0 {
		return fmt.Errorf("packet size must be positive, not %d", dc.size)
	}
	fmt.Printf("transmission %v\n", rate.TransmissionDelay(dc.size))
	fmt.Printf("end-to-end %v\n", pktsim.EndToEndDelay(dc.size, rate, delay))
	return nil
}
