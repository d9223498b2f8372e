package audio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gen2brain/malgo"
	"github.com/rootmos/audiojournal/pkg/channels"
)

// RecorderConfig is everything the event loop needs to run one capture
// session, already resolved into frame counts.
type RecorderConfig struct {
	Channels  int
	RateHz    int
	Threshold float64

	GraceFrames   int
	LeadInFrames  int
	LeadOutFrames int
	BufferFrames  int
	RMSFrames     int
	PeakFrames    int

	MonitorPeriod time.Duration
	MeasurementFD int // -1 disables the measurement sink

	DeviceID string

	Encoder         EncoderConfig
	OutfileTemplate string

	// RenderFilename renders OutfileTemplate against the trigger time.
	// Injectable for tests; defaults to filename.Render.
	RenderFilename func(template string, t time.Time) (string, error)

	// Device overrides the capture source. Tests supply a fake; production
	// callers leave this nil and Run allocates the real malgo device.
	Device Device

	// StartEncoder overrides how the encoder child is spawned on trigger.
	// Tests supply a fake; production callers leave this nil and Run uses
	// StartEncoder from encoder.go.
	StartEncoder func(cfg EncoderConfig, outfile string) (EncoderWriter, error)
}

// EncoderWriter is the subset of *Encoder the event loop depends on,
// narrowed to an interface so tests can substitute a fake encoder child.
type EncoderWriter interface {
	Write(payload []byte) (int, error)
	Close(remaining []byte) error
}

// Recorder runs the single-goroutine capture → detect → measure → encode
// event loop described by the component design: one cooperative thread,
// the only suspension point being the multiplexed wait over capture data,
// signals, and the monitor timer.
type Recorder struct {
	cfg RecorderConfig

	dev    Device
	rb     *RingBuffer
	det    *Detector
	meas   *MeasurementEngine
	bcast  *channels.Broadcaster[[]byte]
	measFD *os.File

	bcastInput chan<- []byte

	state          State
	capturedFrames uint64
	enc            EncoderWriter
	warnedHalfway  bool

	outputPath string
}

// NewRecorder allocates the ring buffer, detector, and measurement engine
// from cfg. The capture device itself is opened in Run, matching the state
// machine's "resources acquired in UNINITIALIZED" rule.
func NewRecorder(cfg RecorderConfig) *Recorder {
	if cfg.RenderFilename == nil {
		panic("audio: RecorderConfig.RenderFilename must be set")
	}

	r := &Recorder{
		cfg:   cfg,
		rb:    NewRingBuffer(cfg.BufferFrames, cfg.Channels),
		det:   NewDetector(cfg.Channels, cfg.Threshold),
		meas:  NewMeasurementEngine(cfg.Channels, cfg.RMSFrames, cfg.PeakFrames, cfg.MonitorPeriod),
		state: StateUninitialized,
	}
	return r
}

// Subscribe registers an in-process observer of measurement tick records,
// in addition to (or instead of) the -M file descriptor sink. Intended for
// tests and local monitoring.
func (r *Recorder) Subscribe(ch chan []byte) {
	if r.bcast == nil {
		r.bcast = channels.NewBroadcaster[[]byte]()
	}
	r.bcast.Subscribe(ch)
}

// State returns the recorder's current process-level state.
func (r *Recorder) State() State { return r.state }

// OutputPath returns the rendered output filename once a recording has
// triggered; empty before that.
func (r *Recorder) OutputPath() string { return r.outputPath }

// Run opens the capture device and runs the event loop until STOPPING is
// reached (via signal, context cancellation, the silence grace period, a
// closed capture channel, or encoder pipe failure) or a fatal error such as
// a buffer overrun is returned, then tears down every acquired resource.
func (r *Recorder) Run(ctx context.Context) (err error) {
	r.dev = r.cfg.Device
	if r.dev == nil {
		r.dev = NewDevice(&DeviceConfig{
			Format:          malgo.FormatS16,
			CaptureChannels: r.cfg.Channels,
			SampleRate:      r.cfg.RateHz,
			DeviceID:        r.cfg.DeviceID,
		})
	}

	dataC, err := r.dev.Capture(ctx)
	if err != nil {
		return fmt.Errorf("failed to open capture device: %w", err)
	}
	defer r.dev.Dealloc(ctx)

	if err := r.dev.Start(ctx); err != nil {
		return fmt.Errorf("failed to start capture device: %w", err)
	}
	defer func() {
		if stopErr := r.dev.Stop(ctx); stopErr != nil {
			slog.Warn("failed to stop capture device", "error", stopErr)
		}
	}()

	if r.cfg.MeasurementFD >= 0 {
		r.measFD = os.NewFile(uintptr(r.cfg.MeasurementFD), "measurement")
		defer func() {
			if closeErr := r.measFD.Close(); closeErr != nil {
				slog.Warn("failed to close measurement descriptor", "error", closeErr)
			}
		}()
	}

	if r.bcast != nil {
		bcastInput, err := r.bcast.Run(ctx)
		if err != nil {
			return fmt.Errorf("failed to start measurement broadcaster: %w", err)
		}
		defer r.bcast.Wait()
		r.bcastInput = bcastInput
	}

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigC)

	ticker := time.NewTicker(r.cfg.MonitorPeriod)
	defer ticker.Stop()
	r.meas.Start(time.Now())

	r.state = StateWaiting
	slog.Info("waiting for sound", "threshold", r.det.Threshold())

	defer func() {
		if cerr := r.teardownEncoder(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	for r.state != StateStopping {
		select {
		case <-ctx.Done():
			slog.Info("context cancelled, stopping")
			r.state = StateStopping
		case <-sigC:
			slog.Info("received stop signal")
			r.state = StateStopping
		case <-r.dev.Overruns():
			return &BufferOverrunError{Frames: r.rb.Frames()}
		case packet, ok := <-dataC:
			if !ok {
				slog.Warn("capture channel closed unexpectedly")
				r.state = StateStopping
				break
			}
			if err := r.handleCapture(packet); err != nil {
				return err
			}
		case now := <-ticker.C:
			r.handleMonitorTick(now)
		}

		if err := r.tryEncoderWrite(); err != nil {
			return err
		}
	}

	return nil
}

func (r *Recorder) handleCapture(packet []byte) error {
	err := r.rb.WriteCaptured(packet, func(idx int, frame []byte) {
		sound := r.det.ObserveFrame(frame)
		r.meas.ObserveFrame(frame)
		if r.state != StateWaiting {
			r.capturedFrames++
		}
		if sound {
			r.rb.MarkSound(idx)
		}
	})
	if err != nil {
		return fmt.Errorf("capture drain failed: %w", err)
	}

	switch r.state {
	case StateWaiting:
		if r.det.CheckForSound() {
			if err := r.trigger(); err != nil {
				return err
			}
		} else {
			r.rb.RetainLeadIn(r.cfg.LeadInFrames)
		}
	case StateRecording:
		if r.det.SilentFrames() >= r.cfg.GraceFrames/2 {
			r.state = StateRecordingSilence
			if !r.warnedHalfway {
				slog.Info("silence detected, will stop soon", "seconds", secondsOf(r.cfg.GraceFrames, r.cfg.RateHz)/2)
				r.warnedHalfway = true
			}
		}
	case StateRecordingSilence:
		if r.det.SilentFrames() == 0 {
			r.state = StateRecording
			r.warnedHalfway = false
		} else if r.det.SilentFrames() >= r.cfg.GraceFrames {
			r.rb.AddLeadOut(r.cfg.LeadOutFrames)
			r.state = StateStopping
		}
	case StateUninitialized, StateStopping:
	}

	return nil
}

func (r *Recorder) trigger() error {
	name, err := r.cfg.RenderFilename(r.cfg.OutfileTemplate, time.Now())
	if err != nil {
		return fmt.Errorf("failed to render output filename: %w", err)
	}
	r.outputPath = name

	start := r.cfg.StartEncoder
	if start == nil {
		start = func(cfg EncoderConfig, outfile string) (EncoderWriter, error) {
			return StartEncoder(cfg, outfile)
		}
	}

	enc, err := start(r.cfg.Encoder, name)
	if err != nil {
		return fmt.Errorf("failed to start encoder: %w", err)
	}
	r.enc = enc
	r.state = StateRecording
	slog.Info("recording", "file", name)
	return nil
}

func (r *Recorder) tryEncoderWrite() error {
	if r.enc == nil {
		return nil
	}
	if r.state != StateRecording && r.state != StateRecordingSilence {
		return nil
	}
	if !r.rb.HasPayload() {
		return nil
	}

	payload := r.rb.PayloadRegion()
	n, err := r.enc.Write(payload)
	if err != nil {
		slog.Warn("encoder pipe closed", "error", err)
		r.state = StateStopping
		return nil
	}
	if n > 0 {
		r.rb.AdvanceConsumer(n)
	}
	return nil
}

// teardownEncoder flushes and closes the encoder child, returning its Close
// error (non-zero exit or a pipe failure) so Run can surface it as FatalIO.
func (r *Recorder) teardownEncoder() error {
	if r.enc == nil {
		return nil
	}
	// The payload may wrap around the end of the ring: collect both spans.
	remaining := append([]byte(nil), r.rb.PayloadRegion()...)
	r.rb.AdvanceConsumer(len(remaining))
	remaining = append(remaining, r.rb.PayloadRegion()...)
	err := r.enc.Close(remaining)
	r.enc = nil
	if err != nil {
		slog.Warn("encoder exited with error", "error", err)
		return fmt.Errorf("encoder shutdown failed: %w", err)
	}
	return nil
}

func (r *Recorder) handleMonitorTick(now time.Time) {
	record, missed := r.meas.Tick(now, r.state, r.capturedFrames)
	if missed > 0 {
		slog.Warn("missed monitor ticks", "count", missed)
	}

	if r.bcastInput != nil {
		if err := channels.SendNonBlock(r.bcastInput, record); err != nil {
			slog.Debug("dropped in-process measurement observer send", "error", err)
		}
	}

	if r.measFD == nil {
		return
	}

	if err := r.measFD.SetWriteDeadline(time.Now()); err != nil {
		slog.Warn("failed to set measurement descriptor deadline", "error", err)
		return
	}

	n, err := r.measFD.Write(record)
	if err != nil {
		slog.Warn("dropped monitoring message", "error", err)
		return
	}
	if n != len(record) {
		slog.Error("unexpected partial write on measurement descriptor", "wrote", n, "want", len(record))
	}
}

func secondsOf(frames, rate int) float64 {
	return float64(frames) / float64(rate)
}
