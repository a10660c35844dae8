package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bletemp/internal/app"
	"github.com/srg/bletemp/pkg/config"
	"golang.org/x/term"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the temperature peripheral",
	Long: `Start sampling, register the temperature GATT service and advertise
until interrupted.

The peripheral stays connectable whenever no central is connected: every
disconnect or advertising timeout re-arms advertising.`,
	RunE: runPeripheral,
}

var runStatus bool

func init() {
	addOverrideFlags(runCmd)
	runCmd.Flags().BoolP("verbose", "V", false, "Enable debug logging")
	runCmd.Flags().BoolVar(&runStatus, "status", true, "Show a live status line when stdout is a terminal")
}

func runPeripheral(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg, "verbose")
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	a, err := app.New(cfg, logger)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	// Listen for Ctrl+C to cancel
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			fmt.Fprintln(cmd.OutOrStdout(), "\nCtrl+C pressed, stopping...")
			cancel()
		case <-ctx.Done():
		}
	}()

	interactive := isTerminal(cmd.OutOrStdout())
	printBanner(cmd.OutOrStdout(), cfg, interactive)

	if runStatus && interactive {
		status := NewStatusPrinter(cmd.OutOrStdout(), a)
		status.Start()
		defer status.Stop()
	}

	return a.Run(ctx)
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func printBanner(w io.Writer, cfg *config.Config, colored bool) {
	title := color.New(color.FgCyan, color.Bold)
	key := color.New(color.FgYellow)
	if !colored {
		title.DisableColor()
		key.DisableColor()
	}

	title.Fprintf(w, "bletemp %s\n", formatVersion(version))
	for _, kv := range [][2]string{
		{"device", cfg.DeviceName},
		{"sensor", cfg.Sensor},
		{"address", cfg.AddressType},
		{"period", cfg.SamplePeriod.String()},
	} {
		key.Fprintf(w, "  %-8s", kv[0])
		fmt.Fprintf(w, " %s\n", kv[1])
	}
}
