package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"knowhow/internal/config"
	"knowhow/internal/logging"
	"knowhow/internal/version"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }

func (e *usageError) Unwrap() error { return e.err }

func execute(args []string) int {
	cmd := newRootCommand(os.Stdout, os.Stderr)
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "knowhow:", err)
		var usage *usageError
		if errors.As(err, &usage) {
			return exitUsage
		}
		return exitError
	}
	return exitOK
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:   "knowhow",
		Short: "Serve markdown notes with live reload",
		Long: `knowhow renders markdown and multimarkdown documents below a root
directory and pushes a notification to every open browser tab when the
document it shows changes on disk.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd, stdout)
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	flags := root.PersistentFlags()
	config.RegisterGlobalFlags(flags)
	config.RegisterServeFlags(flags)

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server (default command)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServeCommand(cmd, stdout)
		},
	})
	root.AddCommand(newVersionCommand(stdout))
	return root
}

func runServeCommand(cmd *cobra.Command, stdout io.Writer) error {
	// --config has to be known before viper reads anything.
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cmd, configFile)
	if err != nil {
		return &usageError{err: err}
	}

	logger := logging.NewLoggerWithOutput(logging.NewBuffer(logging.DefaultBufferSize), cfg.EffectiveLogLevel(), stdout)
	if cfg.ConfigFile != "" {
		logger.Info("config file loaded", map[string]string{
			"path": cfg.ConfigFile,
		})
	}

	signalCh := make(chan os.Signal, 2)
	signal.Notify(signalCh, shutdownSignals...)
	defer signal.Stop(signalCh)
	ctx, stop := newSignalContext(cmd.Context(), logger, signalCh)
	defer stop()

	return runServer(ctx, cfg, logger, nil)
}

func newVersionCommand(stdout io.Writer) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := version.GetVersionInfo()
			if asJSON {
				encoder := json.NewEncoder(stdout)
				encoder.SetIndent("", "  ")
				return encoder.Encode(info)
			}
			_, err := fmt.Fprintln(stdout, info.String())
			return err
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print version as JSON")
	return cmd
}
