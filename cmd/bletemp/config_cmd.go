package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bletemp/pkg/config"
	"gopkg.in/yaml.v3"
)

// configCmd prints the configuration run would use
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: `Print the configuration the run command would use, as YAML.

Values come from the built-in defaults, overlaid by the --config file and
then by command-line overrides.`,
	RunE: runConfig,
}

var configFormat string

func init() {
	addOverrideFlags(configCmd)
	configCmd.Flags().StringVarP(&configFormat, "format", "f", "yaml", "Output format (yaml, json)")
}

func runConfig(cmd *cobra.Command, _ []string) error {
	format, _ := cmd.Flags().GetString("format")
	if format != "yaml" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [yaml json]", format)
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	var out []byte
	if format == "json" {
		out, err = json.MarshalIndent(cfg, "", "  ")
		out = append(out, '\n')
	} else {
		out, err = yaml.Marshal(cfg)
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}

// addOverrideFlags registers the per-key overrides shared by run and config.
func addOverrideFlags(cmd *cobra.Command) {
	cmd.Flags().String("device-name", "", "GAP device name")
	cmd.Flags().String("sensor", "", "Temperature source (sim, thermal)")
	cmd.Flags().String("thermal-zone", "", "Thermal zone file for the thermal sensor")
	cmd.Flags().String("address-type", "", "Identity address type (public, random)")
	cmd.Flags().Bool("privacy", false, "Advertise with a resolvable private address")
	cmd.Flags().Duration("sample-period", 0, "Delay between samples")
	cmd.Flags().Duration("adv-duration", 0, "Advertising timeout (0 advertises forever)")
}

// loadConfig reads --config and applies every explicitly set override.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	stringOverride := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	durationOverride := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}

	stringOverride("device-name", &cfg.DeviceName)
	stringOverride("sensor", &cfg.Sensor)
	stringOverride("thermal-zone", &cfg.ThermalZone)
	stringOverride("address-type", &cfg.AddressType)
	stringOverride("log-level", &cfg.LogLevel)
	durationOverride("sample-period", &cfg.SamplePeriod)
	durationOverride("adv-duration", &cfg.AdvDuration)
	if flags.Changed("privacy") {
		cfg.Privacy, _ = flags.GetBool("privacy")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
