package audio_test

import (
	"errors"
	"testing"

	"github.com/rootmos/audiojournal/internal/audio"
	"github.com/stretchr/testify/assert"
)

func TestEncoderConfig_BuildArgv_MP3Stereo(t *testing.T) {
	t.Parallel()

	cfg := audio.EncoderConfig{Codec: audio.CodecMP3, Channels: 2, Rate: 44100, VBRQuality: 4.0}
	path, args := cfg.BuildArgv("out.mp3")

	assert.Equal(t, "lame", path)
	assert.Equal(t, []string{
		"--silent", "-V", "4.0", "-r", "-m", "s", "-s", "44.100",
		"--signed", "--bitwidth", "16", "--little-endian", "-", "out.mp3",
	}, args)
}

func TestEncoderConfig_BuildArgv_MP3Mono(t *testing.T) {
	t.Parallel()

	cfg := audio.EncoderConfig{Codec: audio.CodecMP3, Channels: 1, Rate: 16000, VBRQuality: 2.5}
	_, args := cfg.BuildArgv("out.mp3")

	assert.Contains(t, args, "m")
	assert.Contains(t, args, "2.5")
	assert.Contains(t, args, "16.000")
}

func TestEncoderConfig_BuildArgv_FLAC(t *testing.T) {
	t.Parallel()

	cfg := audio.EncoderConfig{Codec: audio.CodecFLAC, Channels: 2, Rate: 48000}
	path, args := cfg.BuildArgv("out.flac")

	assert.Equal(t, "flac", path)
	assert.Equal(t, []string{
		"--silent", "--force-raw-format", "--channels=2", "--sample-rate=48000",
		"--sign=signed", "--bps=16", "--endian=little", "-o", "out.flac", "-",
	}, args)
}

func TestEncoderConfig_BuildArgv_PathOverrides(t *testing.T) {
	t.Parallel()

	cfg := audio.EncoderConfig{Codec: audio.CodecMP3, Channels: 2, Rate: 44100, LAMEPath: "/opt/bin/lame"}
	path, _ := cfg.BuildArgv("out.mp3")
	assert.Equal(t, "/opt/bin/lame", path)

	cfg2 := audio.EncoderConfig{Codec: audio.CodecFLAC, Channels: 2, Rate: 44100, FLACPath: "/opt/bin/flac"}
	path2, _ := cfg2.BuildArgv("out.flac")
	assert.Equal(t, "/opt/bin/flac", path2)
}

func TestEncoderPipeClosedError_WrapsCause(t *testing.T) {
	t.Parallel()

	cause := errors.New("broken pipe")
	err := &audio.EncoderPipeClosedError{Cause: cause}

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "broken pipe")
}
