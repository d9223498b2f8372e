package config

import (
	"encoding/binary"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rootmos/audiojournal/internal/audio"
)

// EncoderEnv holds the two environment-variable overrides the recorder
// consults: LAME and FLAC, pointing at alternate encoder binaries.
type EncoderEnv struct {
	LAME string `envconfig:"LAME" default:""`
	FLAC string `envconfig:"FLAC" default:""`
}

// LoadEncoderEnv loads an optional .env file (missing is fine, anything else
// is a warning, not a failure) then reads LAME/FLAC from the environment.
func LoadEncoderEnv() (*EncoderEnv, error) {
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			log.Printf("warning: error loading .env file: %v", err)
		}
	}

	var env EncoderEnv
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("failed to process environment variables: %w", err)
	}

	return &env, nil
}

// ConfigError wraps every FatalConfig case: unknown codec, unparseable flag,
// a window that doesn't fit the buffer, a non-little-endian host.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return e.Msg }

func configErrorf(format string, args ...any) *ConfigError {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// Options is the fully-resolved recorder configuration: the CLI flag table
// plus the window-in-frames derivations Validate performs.
type Options struct {
	OutfileTemplate string

	Channels  int
	Codec     audio.Codec
	VBR       float64
	RateHz    int
	Threshold float64 // percent, 0-100

	MonitorPeriodMS int
	MeasurementFD   int // -1 means "no measurement sink"

	GraceSeconds   float64
	LeadInSeconds  float64
	LeadOutSeconds float64
	BufferSeconds  float64
	PeakSeconds    float64

	Device string

	LAMEPath string
	FLACPath string

	// Derived by Validate, in frames.
	GraceFrames   int
	LeadInFrames  int
	LeadOutFrames int
	BufferFrames  int
	RMSFrames     int
	PeakFrames    int
}

// DefaultOptions fills in every flag's documented default: 44100 Hz, stereo,
// VBR 4.0, 10% threshold, 10s grace, 1s lead-in, 1s lead-out, 30s buffer,
// 200ms monitor period, 3s peak window.
func DefaultOptions() Options {
	return Options{
		Channels:        2,
		VBR:             4.0,
		RateHz:          44100,
		Threshold:       10.0,
		MonitorPeriodMS: 200,
		MeasurementFD:   -1,
		GraceSeconds:    10,
		LeadInSeconds:   1,
		LeadOutSeconds:  1,
		BufferSeconds:   30,
		PeakSeconds:     3.0,
		Device:          "default",
	}
}

// DetectCodec implements the filename-suffix autodetection rule: ".mp3"
// selects MP3, ".flac" selects FLAC, anything else is a configuration error.
func DetectCodec(outfileTemplate string) (audio.Codec, error) {
	switch {
	case strings.HasSuffix(outfileTemplate, ".mp3"):
		return audio.CodecMP3, nil
	case strings.HasSuffix(outfileTemplate, ".flac"):
		return audio.CodecFLAC, nil
	default:
		return 0, configErrorf("cannot detect codec from filename template %q: expected .mp3 or .flac suffix", outfileTemplate)
	}
}

// Validate resolves every window to frames, checks the buffer is large
// enough for all of them, and rejects other FatalConfig conditions. It must
// run before any device is opened.
func (o *Options) Validate() error {
	if !isLittleEndianHost() {
		return configErrorf("host is not little-endian, capture format assumes little-endian PCM")
	}

	if o.Channels <= 0 {
		return configErrorf("channels must be positive, got %d", o.Channels)
	}
	if o.RateHz <= 0 {
		return configErrorf("sample rate must be positive, got %d", o.RateHz)
	}
	if o.VBR < 0.0 || o.VBR > 10.0 {
		return configErrorf("VBR quality must be in [0.0, 10.0], got %f", o.VBR)
	}
	if o.Threshold < 0.0 || o.Threshold > 100.0 {
		return configErrorf("threshold percent must be in [0, 100], got %f", o.Threshold)
	}
	if o.MonitorPeriodMS < 0 {
		return configErrorf("monitor period must be non-negative, got %d", o.MonitorPeriodMS)
	}
	if o.GraceSeconds <= 0 || o.LeadInSeconds < 0 || o.LeadOutSeconds < 0 || o.BufferSeconds <= 0 {
		return configErrorf("grace/lead-in/lead-out/buffer seconds must be non-negative (grace and buffer strictly positive)")
	}
	if o.PeakSeconds <= 0 {
		return configErrorf("peak window seconds must be positive, got %f", o.PeakSeconds)
	}

	o.GraceFrames = secondsToFrames(o.GraceSeconds, o.RateHz)
	o.LeadInFrames = secondsToFrames(o.LeadInSeconds, o.RateHz)
	o.LeadOutFrames = secondsToFrames(o.LeadOutSeconds, o.RateHz)
	o.BufferFrames = secondsToFrames(o.BufferSeconds, o.RateHz)
	o.RMSFrames = max(1, o.MonitorPeriodMS*o.RateHz/1000)
	o.PeakFrames = max(1, secondsToFrames(o.PeakSeconds, o.RateHz))

	if o.LeadInFrames > o.BufferFrames {
		return configErrorf("buffer too small for %.2f seconds of lead-in", o.LeadInSeconds)
	}
	if o.LeadOutFrames > o.BufferFrames {
		return configErrorf("buffer too small for %.2f seconds of lead-out", o.LeadOutSeconds)
	}
	if o.GraceFrames > o.BufferFrames {
		return configErrorf("buffer too small for a %.2f second grace period", o.GraceSeconds)
	}
	if o.PeakFrames > o.BufferFrames || o.RMSFrames > o.BufferFrames {
		return configErrorf("buffer too small for the configured monitor window")
	}

	if o.Codec != audio.CodecMP3 && o.Codec != audio.CodecFLAC {
		var err error
		o.Codec, err = DetectCodec(o.OutfileTemplate)
		if err != nil {
			return err
		}
	}

	return nil
}

func secondsToFrames(seconds float64, rate int) int {
	return int(seconds * float64(rate))
}

func isLittleEndianHost() bool {
	var buf [2]byte
	binary.NativeEndian.PutUint16(buf[:], 1)
	return buf[0] == 1
}
