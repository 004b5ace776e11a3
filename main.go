package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	ppshare "github.com/paper-sh/paper-proxy/share"
	"github.com/spf13/cobra"
)

var (
	flagHost       string
	flagPort       int
	flagConfig     string
	flagDebug      bool
	flagNoHosts    bool
	flagWatchHosts bool
)

var rootCmd = &cobra.Command{
	Use:   "paper-proxy",
	Short: "Local development ingress for *.paper domains",
	Long: `paper-proxy binds an HTTP listener on this machine, maps custom
top-level domains (*.paper) to it via the OS hosts file, and forwards every
inbound request to a single connected browser-side execution environment
over a persistent control channel.

The hosts-file block is removed again on shutdown. If the hosts file cannot
be written (e.g. not running as root), the proxy keeps working and a PAC
document remains available at /proxy.pac.`,
	SilenceUsage: true,
	RunE:         runServer,
}

func init() {
	rootCmd.Flags().StringVar(&flagHost, "host", "", "address to bind to (default 127.0.0.1)")
	rootCmd.Flags().IntVar(&flagPort, "port", 0, "port to listen on (default 8080)")
	rootCmd.Flags().StringVar(&flagConfig, "config", "", "path to YAML configuration file")
	rootCmd.Flags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&flagNoHosts, "no-hosts", false, "never touch the hosts file")
	rootCmd.Flags().BoolVar(&flagWatchHosts, "watch-hosts", false, "re-install the hosts block if it is changed externally")
}

func runServer(cmd *cobra.Command, args []string) error {
	config, err := ppshare.LoadServerConfig(flagConfig)
	if err != nil {
		return err
	}

	// Flags override file values.
	if flagHost != "" {
		config.Host = flagHost
	}
	if flagPort != 0 {
		config.Port = flagPort
	}
	if flagDebug {
		config.Debug = true
	}
	if flagNoHosts {
		config.NoHosts = true
	}
	if flagWatchHosts {
		config.WatchHosts = true
	}

	server, err := ppshare.NewServer(config)
	if err != nil {
		return err
	}

	// Interruption must run the hosts-file cleanup before the process
	// ends: cancel the context and let the server's shutdown path finish.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return server.Run(ctx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
