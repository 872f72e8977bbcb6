package main

import (
	"github.com/spf13/cobra"

	"github.com/ardnew/usbdcore/pkg"
	"github.com/ardnew/usbdcore/pkg/prof"
)

type rootOptions struct {
	logLevel  string
	logFormat string
	profile   prof.Options

	session *prof.Session
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:           "usbd",
		Short:         "USB device core tooling",
		Long:          `usbd builds descriptor bundles for the device core and enumerates them on a simulated controller.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.apply()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return opts.finish()
		},
	}
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&opts.logFormat, "log-format", "text", "log format (text, json)")
	cmd.PersistentFlags().StringVar(&opts.profile.CPU, "cpu-profile", "", "write a CPU profile (requires -tags profile)")
	cmd.PersistentFlags().StringVar(&opts.profile.Heap, "heap-profile", "", "write a heap profile on exit (requires -tags profile)")

	cmd.AddCommand(newDescriptorsCommand(), newSimulateCommand())
	return cmd
}

func (o *rootOptions) apply() error {
	format, err := pkg.ParseLogFormat(o.logFormat)
	if err != nil {
		return err
	}
	level, err := pkg.ParseLogLevel(o.logLevel)
	if err != nil {
		return err
	}
	pkg.SetLogFormat(format)
	pkg.SetLogLevel(level)

	if (o.profile.CPU != "" || o.profile.Heap != "") && !prof.Enabled() {
		pkg.LogWarn(pkg.ComponentCLI, "profiling not built in, ignoring profile flags")
	}
	o.session, err = prof.Start(o.profile)
	return err
}

func (o *rootOptions) finish() error {
	if o.session == nil {
		return nil
	}
	return o.session.Stop()
}
