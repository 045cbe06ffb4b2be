// Command crasd is a userspace audio mediation daemon: a DSP
// plugin-graph pipeline engine with device-I/O free-run handling and
// optional hardware DSP offload, built around spec.md's component
// model.
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/opencras/crasd/internal/buildinfo"
	"github.com/opencras/crasd/internal/config"
)

// version/buildDate/systemID are set via -ldflags at build time.
var (
	version   = ""
	buildDate = ""
	systemID  = ""
)

func main() {
	settings := config.DefaultSettings()
	rootCmd := rootCommand(&settings)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// rootCommand builds the cobra root command, mirroring the teacher's
// cmd/root.go pattern: one persistent-flag setup pass, one
// subcommand-per-file registration, no logic of its own beyond wiring.
func rootCommand(settings *config.Settings) *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:     "crasd",
		Short:   "Userspace audio mediation daemon",
		Version: versionString(),
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a crasd config file (TOML/YAML/JSON)")
	root.PersistentFlags().BoolVarP(&settings.Debug, "debug", "d", false, "enable debug logging")
	root.PersistentFlags().IntVar(&settings.SampleRate, "sample-rate", settings.SampleRate, "device sample rate")
	root.PersistentFlags().StringVar(&settings.Device, "device", settings.Device, "hardware device name")
	root.PersistentFlags().StringVar(&settings.GraphFile, "graph", settings.GraphFile, "plugin-graph description file")
	root.PersistentFlags().StringVar(&settings.OffloadMap, "offload-map", settings.OffloadMap, "offload map string: NodeTypeName:(pipeline_id,label>label) ...")
	root.PersistentFlags().BoolVar(&settings.OffloadFeature, "offload", false, "enable hardware DSP offload")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			return nil
		}
		loaded, err := config.LoadSettings(configPath)
		if err != nil {
			return err
		}
		// Flags explicitly set on the command line win over the file.
		if !cmd.Flags().Changed("sample-rate") {
			settings.SampleRate = loaded.SampleRate
		}
		if !cmd.Flags().Changed("device") {
			settings.Device = loaded.Device
		}
		if !cmd.Flags().Changed("graph") {
			settings.GraphFile = loaded.GraphFile
		}
		if !cmd.Flags().Changed("offload-map") {
			settings.OffloadMap = loaded.OffloadMap
		}
		if !cmd.Flags().Changed("offload") {
			settings.OffloadFeature = loaded.OffloadFeature
		}
		if !cmd.Flags().Changed("debug") {
			settings.Debug = loaded.Debug
		}
		return nil
	}

	if err := viper.BindPFlags(root.PersistentFlags()); err != nil {
		log.Printf("error binding flags: %v", err)
	}

	root.AddCommand(
		serveCommand(settings),
		validateCommand(settings),
		dumpCommand(settings),
	)
	return root
}

func versionString() string {
	info := buildinfo.NewContext(version, buildDate, systemID)
	return fmt.Sprintf("%s (built %s, system %s)", info.Version(), info.BuildDate(), info.SystemID())
}
