// Package main is the entry point for the audiojournal voice-triggered
// recorder CLI.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/alecthomas/kong"
	"github.com/rootmos/audiojournal/internal/audio"
	"github.com/rootmos/audiojournal/internal/config"
	"github.com/rootmos/audiojournal/internal/filename"
	"github.com/rootmos/audiojournal/internal/logger"
)

// CLI is the recorder's flag table, plus the device-selector supplement
// (-d/-D) malgo makes possible.
type CLI struct {
	Template string `arg:"" optional:"" help:"Output filename template (strftime directives), e.g. rec-%Y%m%d-%H%M%S.mp3"`

	Channels  int     `short:"c" default:"2" help:"Capture channel count"`
	Codec     string  `short:"C" optional:"" help:"Output codec: MP3 or FLAC (autodetected from the filename suffix if omitted)"`
	VBR       float64 `short:"V" default:"4.0" help:"MP3 VBR quality, 0.0-10.0"`
	MonitorMS int     `short:"m" default:"200" help:"Monitor tick period in milliseconds"`
	MeasureFD int     `short:"M" default:"-1" help:"Writable file descriptor to receive periodic measurement records"`
	Grace     float64 `short:"s" default:"10" help:"Seconds of continuous silence before stopping"`
	LeadIn    float64 `short:"l" default:"1" help:"Seconds of pre-roll audio retained before the trigger"`
	LeadOut   float64 `short:"L" default:"1" help:"Seconds of audio retained after silence begins"`
	Buffer    float64 `short:"B" default:"30" help:"Ring buffer capacity in seconds"`
	Threshold float64 `short:"t" default:"10" help:"Trigger threshold as a percentage of full scale"`
	Rate      int     `short:"r" default:"44100" help:"Capture sample rate in Hz"`
	Peak      float64 `short:"P" default:"3.0" help:"Peak meter window in seconds, independent of the monitor period"`

	Device      string `short:"d" default:"default" help:"Capture device identifier, as printed by --list-devices"`
	ListDevices bool   `short:"D" name:"list-devices" help:"List capture devices and exit"`

	Verbose int `short:"v" type:"counter" help:"Increase log verbosity"`
}

func main() {
	cli := &CLI{} //nolint:exhaustruct // kong fills in every flag from its tag defaults
	kong.Parse(cli, kong.Name("audiojournal"),
		kong.Description("Voice-activated audio recorder"))

	log := logger.SetupLogger(cli.Verbose)

	if err := run(cli); err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			log.Error("configuration error", "error", cfgErr.Msg)
			os.Exit(1)
		}
		log.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(cli *CLI) error {
	// Recorder.Run owns its own signal.Notify subscription (os.Interrupt,
	// syscall.SIGTERM) to drive the graceful RECORDING_SILENCE->STOPPING
	// path, so this context is plain: no second subscription racing the
	// first for the same signals.
	ctx := context.Background()

	if cli.ListDevices {
		return listDevices(ctx)
	}

	if cli.Template == "" {
		return &config.ConfigError{Msg: "output filename template is required unless -D is given"}
	}

	env, err := config.LoadEncoderEnv()
	if err != nil {
		return fmt.Errorf("failed to load encoder environment: %w", err)
	}

	opts := config.DefaultOptions()
	opts.OutfileTemplate = cli.Template
	opts.Channels = cli.Channels
	opts.VBR = cli.VBR
	opts.RateHz = cli.Rate
	opts.Threshold = cli.Threshold
	opts.MonitorPeriodMS = cli.MonitorMS
	opts.MeasurementFD = cli.MeasureFD
	opts.GraceSeconds = cli.Grace
	opts.LeadInSeconds = cli.LeadIn
	opts.LeadOutSeconds = cli.LeadOut
	opts.BufferSeconds = cli.Buffer
	opts.PeakSeconds = cli.Peak
	opts.Device = cli.Device
	opts.LAMEPath = env.LAME
	opts.FLACPath = env.FLAC

	if cli.Codec != "" {
		codec, err := parseCodec(cli.Codec)
		if err != nil {
			return err
		}
		opts.Codec = codec
	}

	if err := opts.Validate(); err != nil {
		return err
	}

	rec := audio.NewRecorder(audio.RecorderConfig{
		Channels:        opts.Channels,
		RateHz:          opts.RateHz,
		Threshold:       opts.Threshold,
		GraceFrames:     opts.GraceFrames,
		LeadInFrames:    opts.LeadInFrames,
		LeadOutFrames:   opts.LeadOutFrames,
		BufferFrames:    opts.BufferFrames,
		RMSFrames:       opts.RMSFrames,
		PeakFrames:      opts.PeakFrames,
		MonitorPeriod:   msToDuration(opts.MonitorPeriodMS),
		MeasurementFD:   opts.MeasurementFD,
		DeviceID:        opts.Device,
		OutfileTemplate: opts.OutfileTemplate,
		RenderFilename:  filename.Render,
		Encoder: audio.EncoderConfig{
			Codec:      opts.Codec,
			Channels:   opts.Channels,
			Rate:       opts.RateHz,
			VBRQuality: opts.VBR,
			LAMEPath:   opts.LAMEPath,
			FLACPath:   opts.FLACPath,
		},
	})

	return rec.Run(ctx)
}

func listDevices(ctx context.Context) error {
	dev := audio.NewDevice(&audio.DeviceConfig{}) //nolint:exhaustruct // only EnumerateDevices is used
	infos, err := dev.EnumerateDevices(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate capture devices: %w", err)
	}

	for _, info := range infos {
		marker := ""
		if info.IsDefault {
			marker = " (default)"
		}
		fmt.Printf("%s%s\n", info.Name, marker)
		for _, f := range info.Formats {
			fmt.Printf("  %s\n", f)
		}
	}

	return nil
}

func parseCodec(s string) (audio.Codec, error) {
	switch s {
	case "MP3", "mp3":
		return audio.CodecMP3, nil
	case "FLAC", "flac":
		return audio.CodecFLAC, nil
	default:
		return audio.CodecUnspecified, &config.ConfigError{Msg: fmt.Sprintf("unknown codec %q: expected MP3 or FLAC", s)}
	}
}

func msToDuration(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
