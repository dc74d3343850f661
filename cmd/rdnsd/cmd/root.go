/*
 * Copyright (c) 2025 rdnsd project
 */
package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kvarn/rdnsd/rdns"
)

var cfgFile string
var allowOtherTypes bool

var rootCmd = &cobra.Command{
	Use:   "rdnsd",
	Short: "Recursive/forwarding DNS server engine",
	Long: `rdnsd is a caching DNS resolver for edge deployments. With upstreams
configured it forwards; otherwise it iterates from the root hints.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runServer(); err != nil {
			log.Printf("rdnsd: fatal error: %v", err)
			os.Exit(1)
		}
	},
}

func Execute() {
	// Globals.App is populated by main before Execute runs.
	rootCmd.Version = rdns.Globals.App.Version
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (required)")
	rootCmd.PersistentFlags().BoolVar(&allowOtherTypes, "allow-other-types", false,
		"resolve query types outside the default set in iterative mode")
	rootCmd.PersistentFlags().BoolVarP(&rdns.Globals.Verbose, "verbose", "v", false, "verbose output")
	rootCmd.PersistentFlags().BoolVarP(&rdns.Globals.Debug, "debug", "d", false, "debug output")
	rootCmd.MarkPersistentFlagRequired("config")
	rootCmd.SetVersionTemplate("{{.Use}} version {{.Version}}\n")
	rootCmd.Flags().BoolP("version", "V", false, "version for rdnsd")
}

func runServer() error {
	conf := &rdns.Config{}
	conf.AppName = rdns.Globals.App.Name
	conf.AppVersion = rdns.Globals.App.Version
	conf.Internal.CfgFile = cfgFile
	conf.Internal.AllowOtherTypes = allowOtherTypes
	conf.Internal.APIStopCh = make(chan struct{}, 1)

	if err := rdns.ParseConfig(conf, false); err != nil {
		// Configuration problems are exit status 2.
		log.Printf("rdnsd: configuration error: %v", err)
		os.Exit(2)
	}
	if err := rdns.SetupLogging(conf.Log.File); err != nil {
		log.Printf("rdnsd: logging setup error: %v", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	d, err := rdns.MainInit(ctx, conf)
	if err != nil {
		log.Printf("rdnsd: configuration error: %v", err)
		os.Exit(2)
	}
	if err := rdns.MainStartThreads(ctx, conf, d); err != nil {
		return err
	}

	log.Printf("%s v%s serving on %s (udp) and %s (tcp)",
		conf.AppName, conf.AppVersion, conf.ListenUDP, conf.ListenTCP)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)

	select {
	case sig := <-sigCh:
		log.Printf("rdnsd: received signal %v, initiating graceful shutdown", sig)
	case <-conf.Internal.APIStopCh:
		cancel()
		return fmt.Errorf("internal shutdown requested")
	}

	// Stop accepting new queries; the listeners drain in-flight work for
	// up to 5 seconds before the process exits.
	cancel()
	time.Sleep(5 * time.Second)
	log.Printf("rdnsd: shutdown complete")
	return nil
}
