package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// rmsWindow is the fixed-length circular sample buffer plus running
// sum-of-squares: each new sample replaces the oldest,
// subtracting its square and adding the new one, so RMS is O(1) amortized.
type rmsWindow struct {
	squares []uint64
	sum     uint64
	pos     int
	filled  int
}

func newRMSWindow(n int) *rmsWindow {
	return &rmsWindow{squares: make([]uint64, n)}
}

func (w *rmsWindow) push(sample int16) {
	s := int64(sample)
	sq := uint64(s * s)

	w.sum -= w.squares[w.pos]
	w.squares[w.pos] = sq
	w.sum += sq
	w.pos = (w.pos + 1) % len(w.squares)
	if w.filled < len(w.squares) {
		w.filled++
	}
}

// value returns round(sqrt(sumSq/N)) over the frames currently filled.
func (w *rmsWindow) value() uint16 {
	if w.filled == 0 {
		return 0
	}
	mean := float64(w.sum) / float64(w.filled)
	return uint16(math.Round(math.Sqrt(mean)))
}

// peakWindow is a monotonic-deque sliding-window maximum. Values in the
// deque are strictly decreasing from front to back; the front is always the
// current window maximum.
type peakWindow struct {
	size    int
	entries []peakEntry
	head    int // logical frame index of the next push
}

type peakEntry struct {
	idx int
	mag uint16
}

func newPeakWindow(size int) *peakWindow {
	return &peakWindow{size: size, entries: make([]peakEntry, 0, size)}
}

func (w *peakWindow) push(mag uint16) {
	idx := w.head
	w.head++

	for len(w.entries) > 0 && w.entries[len(w.entries)-1].mag <= mag {
		w.entries = w.entries[:len(w.entries)-1]
	}
	w.entries = append(w.entries, peakEntry{idx: idx, mag: mag})

	for len(w.entries) > 0 && w.entries[0].idx <= idx-w.size {
		w.entries = w.entries[1:]
	}
}

func (w *peakWindow) value() uint16 {
	if len(w.entries) == 0 {
		return 0
	}
	return w.entries[0].mag
}

// MeasurementEngine maintains per-channel RMS and peak sliding windows and
// renders the periodic tick record.
type MeasurementEngine struct {
	channels int
	rms      []*rmsWindow
	peak     []*peakWindow

	period   time.Duration
	lastTick time.Time
}

// NewMeasurementEngine builds windows sized in frames: rmsFrames and
// peakFrames are passed independently. config.Options derives rmsFrames from
// the monitor period and peakFrames from its own peak-seconds value, each
// scaled by the sample rate.
func NewMeasurementEngine(channels, rmsFrames, peakFrames int, period time.Duration) *MeasurementEngine {
	m := &MeasurementEngine{
		channels: channels,
		rms:      make([]*rmsWindow, channels),
		peak:     make([]*peakWindow, channels),
		period:   period,
	}
	for c := 0; c < channels; c++ {
		m.rms[c] = newRMSWindow(rmsFrames)
		m.peak[c] = newPeakWindow(peakFrames)
	}
	return m
}

// ObserveFrame feeds one frame's samples into every channel's windows.
func (m *MeasurementEngine) ObserveFrame(frame []byte) {
	for c := 0; c < m.channels; c++ {
		sample := int16(binary.LittleEndian.Uint16(frame[c*2 : c*2+2]))
		m.rms[c].push(sample)
		m.peak[c].push(absSample(sample))
	}
}

// Start arms the tick-skew accounting; call once before the first Tick.
func (m *MeasurementEngine) Start(now time.Time) {
	m.lastTick = now
}

// Tick computes how many monitor periods elapsed since the last tick
// and returns the missed-tick count (0 when on schedule) along
// with the freshly rendered record for `state` and `capturedFrames`.
func (m *MeasurementEngine) Tick(now time.Time, state State, capturedFrames uint64) (record []byte, missedTicks int) {
	elapsed := now.Sub(m.lastTick)
	periods := int(elapsed / m.period)
	if periods < 1 {
		periods = 1
	}
	missedTicks = periods - 1
	m.lastTick = m.lastTick.Add(time.Duration(periods) * m.period)

	rmsValues := make([]uint16, m.channels)
	peakValues := make([]uint16, m.channels)
	for c := 0; c < m.channels; c++ {
		rmsValues[c] = m.rms[c].value()
		peakValues[c] = m.peak[c].value()
	}

	return EncodeRecord(state, capturedFrames, rmsValues, peakValues), missedTicks
}
