package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/opencras/crasd/internal/config"
	"github.com/opencras/crasd/internal/device"
	"github.com/opencras/crasd/internal/dsp"
	"github.com/opencras/crasd/internal/dsp/plugins"
)

// dumpCommand renders N seconds of a pipeline's output to a WAV file,
// driving the pipeline directly (no scheduler, no real device) so the
// rendered file is deterministic and doesn't depend on wall-clock
// scheduling.
func dumpCommand(settings *config.Settings) *cobra.Command {
	var seconds float64
	var outPath string
	cmd := &cobra.Command{
		Use:   "dump [graph-file]",
		Short: "Render N seconds of a pipeline's output to a WAV file",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := settings.GraphFile
			if len(args) == 1 {
				path = args[0]
			}
			return runDump(path, outPath, settings.SampleRate, seconds)
		},
	}
	cmd.Flags().Float64VarP(&seconds, "seconds", "n", 2.0, "number of seconds to render")
	cmd.Flags().StringVarP(&outPath, "out", "o", "dump.wav", "output WAV file path")
	cmd.SilenceUsage = true
	return cmd
}

func runDump(graphPath, outPath string, sampleRate int, seconds float64) error {
	desc, err := config.ParseGraphFile(graphPath)
	if err != nil {
		return fmt.Errorf("loading plugin graph %q: %w", graphPath, err)
	}

	registry := dsp.NewRegistry()
	plugins.RegisterBuiltins(registry)
	pipe := dsp.NewPipeline(registry, dsp.NewExprEnv(), nil)
	if err := pipe.Load(desc, "playback", float64(sampleRate)); err != nil {
		return fmt.Errorf("constructing pipeline: %w", err)
	}
	defer pipe.Close()

	wav, err := device.NewWavHandle(outPath, dsp.BlockMax)
	if err != nil {
		return fmt.Errorf("creating %q: %w", outPath, err)
	}
	dio := device.New(wav, device.DirectionPlayback, 0, 0)
	if err := dio.OpenDev(); err != nil {
		return err
	}
	if err := dio.ConfigureDev(device.Format{SampleRate: sampleRate, Channels: 1}); err != nil {
		return err
	}

	totalFrames := int(seconds * float64(sampleRate))
	for rendered := 0; rendered < totalFrames; {
		block := dsp.BlockMax
		if remaining := totalFrames - rendered; remaining < block {
			block = remaining
		}
		if err := pipe.Run(block); err != nil {
			return fmt.Errorf("running pipeline at frame %d: %w", rendered, err)
		}
		out, err := pipe.AudioOutput(0)
		if err != nil {
			return err
		}
		area, frames, err := dio.GetBuffer(block)
		if err != nil {
			return err
		}
		n := frames
		if n > len(out) {
			n = len(out)
		}
		copy(area[:n], out[:n])
		if err := dio.PutBuffer(n); err != nil {
			return err
		}
		rendered += block
	}
	return dio.CloseDev()
}
