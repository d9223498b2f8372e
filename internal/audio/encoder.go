package audio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"time"
)

// Codec selects which external encoder binary produces the output file.
// The zero value is CodecUnspecified so configuration layers can tell "not
// yet set" apart from "explicitly MP3".
type Codec int

const (
	CodecUnspecified Codec = iota
	CodecMP3
	CodecFLAC
)

// EncoderPipeClosedError reports that the encoder child closed or broke its
// stdin pipe (HUP/ERR) before being asked to.
type EncoderPipeClosedError struct {
	Cause error
}

func (e *EncoderPipeClosedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("encoder pipe closed: %v", e.Cause)
	}
	return "encoder pipe closed"
}

func (e *EncoderPipeClosedError) Unwrap() error { return e.Cause }

// EncoderConfig holds everything needed to build an encoder child's argv.
type EncoderConfig struct {
	Codec      Codec
	Channels   int
	Rate       int
	VBRQuality float64 // MP3 only, 0.0-10.0

	LAMEPath string // override for "lame", from the LAME env var
	FLACPath string // override for "flac", from the FLAC env var
}

func (c EncoderConfig) lamePath() string {
	if c.LAMEPath != "" {
		return c.LAMEPath
	}
	return "lame"
}

func (c EncoderConfig) flacPath() string {
	if c.FLACPath != "" {
		return c.FLACPath
	}
	return "flac"
}

// BuildArgv renders the argument vector for the configured codec and output
// path, matching the external encoders' raw-PCM-on-stdin invocation.
func (c EncoderConfig) BuildArgv(outfile string) (path string, args []string) {
	switch c.Codec {
	case CodecFLAC:
		return c.flacPath(), []string{
			"--silent",
			"--force-raw-format",
			fmt.Sprintf("--channels=%d", c.Channels),
			fmt.Sprintf("--sample-rate=%d", c.Rate),
			"--sign=signed",
			"--bps=16",
			"--endian=little",
			"-o", outfile,
			"-",
		}
	default:
		mode := "s"
		if c.Channels == 1 {
			mode = "m"
		}
		return c.lamePath(), []string{
			"--silent",
			"-V", formatVBR(c.VBRQuality),
			"-r",
			"-m", mode,
			"-s", formatRateKHz(c.Rate),
			"--signed",
			"--bitwidth", "16",
			"--little-endian",
			"-",
			outfile,
		}
	}
}

func formatVBR(q float64) string {
	return strconv.FormatFloat(q, 'f', 1, 64)
}

// formatRateKHz renders R/1000 with three decimal places, e.g. 44100 -> "44.100".
func formatRateKHz(rate int) string {
	khz := float64(rate) / 1000.0
	return strconv.FormatFloat(khz, 'f', 3, 64)
}

// Encoder spawns the configured codec binary and feeds it raw PCM over a
// non-blocking pipe.
type Encoder struct {
	cmd    *exec.Cmd
	stdin  *os.File
	closed bool
}

// StartEncoder execs the encoder binary, redirecting its stdin to a pipe
// whose write end the caller drives non-blockingly via per-write deadlines.
func StartEncoder(cfg EncoderConfig, outfile string) (*Encoder, error) {
	path, args := cfg.BuildArgv(outfile)

	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create encoder pipe: %w", err)
	}

	cmd := exec.Command(path, args...) //nolint:gosec // path/args come from configuration, not untrusted input
	cmd.Stdin = r
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		_ = r.Close()
		_ = w.Close()
		return nil, fmt.Errorf("failed to start encoder %s: %w", path, err)
	}

	if err := r.Close(); err != nil {
		slog.Warn("failed to close encoder pipe read end in parent", "error", err)
	}

	return &Encoder{cmd: cmd, stdin: w}, nil
}

// Write drains bytes from payload with a single non-blocking write attempt,
// returning the number of bytes actually accepted. A "would block" result is
// reported with a nil error and the count of bytes accepted before it (0 if
// none): the caller should stop iterating for this wake.
func (e *Encoder) Write(payload []byte) (int, error) {
	if len(payload) == 0 {
		return 0, nil
	}

	if err := e.stdin.SetWriteDeadline(time.Now()); err != nil {
		return 0, fmt.Errorf("failed to set encoder pipe write deadline: %w", err)
	}

	n, err := e.stdin.Write(payload)
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return n, nil
		}
		return n, &EncoderPipeClosedError{Cause: err}
	}

	return n, nil
}

// Close flushes any remaining payload in blocking mode, then closes stdin
// and reaps the child. A non-zero exit status is surfaced as an error.
func (e *Encoder) Close(remaining []byte) error {
	if e.closed {
		return nil
	}
	e.closed = true

	if err := e.stdin.SetWriteDeadline(time.Time{}); err != nil {
		return fmt.Errorf("failed to clear encoder pipe write deadline: %w", err)
	}

	for len(remaining) > 0 {
		n, err := e.stdin.Write(remaining)
		if err != nil {
			_ = e.stdin.Close()
			_ = e.cmd.Wait()
			return fmt.Errorf("failed to flush final encoder write: %w", err)
		}
		remaining = remaining[n:]
	}

	if err := e.stdin.Close(); err != nil {
		slog.Warn("failed to close encoder pipe", "error", err)
	}

	if err := e.cmd.Wait(); err != nil {
		return fmt.Errorf("encoder exited with error: %w", err)
	}

	return nil
}
