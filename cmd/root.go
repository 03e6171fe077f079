// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"firestige.xyz/pcapkit/internal/config"
	"firestige.xyz/pcapkit/internal/log"
)

// Version is set at build time.
var Version = "0.1.0"

// globalOptions holds the persistent flags.
type globalOptions struct {
	configFile    string
	logLevel      string
	metricsListen string
}

// newRootCmd builds the command tree. Each call returns independent flag state.
func newRootCmd() *cobra.Command {
	opts := &globalOptions{}
	rootCmd := &cobra.Command{
		Use:   "pcapkit",
		Short: "pcapkit - zero-copy packet decoding and TCP stream reassembly",
		Long: `pcapkit decodes captured frames layer by layer (Ethernet, 802.1Q, IPv4, IPv6,
TCP, UDP, ICMP), reassembles IPv4 fragments and TCP streams, and re-encodes
packet chains.

Capture files in pcap and pcapng format are read directly; live capture is
left to tools such as tcpdump.`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "",
		"config file path (defaults only when empty)")
	rootCmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "",
		"override log level (trace/debug/info/warn/error)")
	rootCmd.PersistentFlags().StringVar(&opts.metricsListen, "metrics-listen", "",
		"serve Prometheus metrics on this address")

	rootCmd.AddCommand(newDecodeCmd(opts))
	rootCmd.AddCommand(newConfigCmd(opts))
	rootCmd.AddCommand(newVersionCmd())
	return rootCmd
}

// Execute runs the command line. It is called by main.main().
func Execute() error {
	defer log.Close()
	return newRootCmd().Execute()
}

// load reads the configuration file, applies the global flag overrides and
// initializes the process logger.
func (o *globalOptions) load() (*config.Config, error) {
	cfg, err := config.Load(o.configFile)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.metricsListen != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.Listen = o.metricsListen
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := log.Init(&cfg.Log); err != nil {
		return nil, fmt.Errorf("failed to init logger: %w", err)
	}
	return cfg, nil
}
