package audio

import "fmt"

// BufferOverrunError is returned when the capture source has more data than
// the free region can hold. It is always fatal: the caller should stop the
// event loop and tear down.
type BufferOverrunError struct {
	Frames int // capacity of the ring, for diagnostics
}

func (e *BufferOverrunError) Error() string {
	return fmt.Sprintf("ring buffer overrun (capacity %d frames)", e.Frames)
}

// RingBuffer is the frame-indexed circular byte buffer backing capture and
// encoding. It is not safe for concurrent use: it is owned exclusively by the
// event loop goroutine in Recorder.
type RingBuffer struct {
	frameBytes int // F = 2*channels
	frames     int // fn
	buf        []byte

	fj int // write cursor: next frame to be filled by capture
	fi int // read cursor: next frame to be drained to the encoder
	fe int // end-of-payload cursor: last sound frame + 1
	r  int // residual byte count, 0..frameBytes-1
}

// NewRingBuffer allocates a ring buffer holding `frames` frames of `channels`
// interleaved S16LE samples each.
func NewRingBuffer(frames, channels int) *RingBuffer {
	if frames <= 0 {
		panic("audio: ring buffer must have a positive frame capacity")
	}
	if channels <= 0 {
		panic("audio: ring buffer must have a positive channel count")
	}

	fb := 2 * channels
	return &RingBuffer{
		frameBytes: fb,
		frames:     frames,
		buf:        make([]byte, fb*frames),
	}
}

// Frames returns the ring's capacity in frames.
func (rb *RingBuffer) Frames() int { return rb.frames }

// FrameBytes returns the byte size of a single frame (2*channels).
func (rb *RingBuffer) FrameBytes() int { return rb.frameBytes }

func (rb *RingBuffer) Fi() int { return rb.fi }
func (rb *RingBuffer) Fj() int { return rb.fj }
func (rb *RingBuffer) Fe() int { return rb.fe }
func (rb *RingBuffer) R() int  { return rb.r }

// FreeRegion returns the contiguous byte span capture may write into,
// starting at fj. It never wraps: a write spanning the end of the backing
// array must be split across two FreeRegion/AdvanceProducer calls.
func (rb *RingBuffer) FreeRegion() []byte {
	var n int
	if rb.fi <= rb.fj {
		n = rb.frames - rb.fj
	} else {
		n = rb.fi - rb.fj
	}
	return rb.buf[rb.fj*rb.frameBytes : (rb.fj+n)*rb.frameBytes]
}

// AdvanceProducer commits k newly-captured frames, advancing fj.
func (rb *RingBuffer) AdvanceProducer(k int) {
	rb.fj = (rb.fj + k) % rb.frames
}

// MarkSound records that frame index idx (already taken mod fn) contained
// sound above threshold, moving the committed payload boundary forward.
func (rb *RingBuffer) MarkSound(idx int) {
	rb.fe = (idx + 1) % rb.frames
}

// PayloadRegion returns the contiguous byte span the encoder may drain from,
// starting at fi*F+r. Empty iff fi==fe.
func (rb *RingBuffer) PayloadRegion() []byte {
	var n int
	if rb.fi <= rb.fe {
		n = rb.fe - rb.fi
	} else {
		n = rb.frames - rb.fi
	}
	length := n*rb.frameBytes - rb.r
	if length <= 0 {
		return nil
	}
	start := rb.fi*rb.frameBytes + rb.r
	return rb.buf[start : start+length]
}

// AdvanceConsumer commits nbytes drained by the encoder, advancing fi and
// carrying any partial-frame remainder into r.
func (rb *RingBuffer) AdvanceConsumer(nbytes int) {
	total := rb.r + nbytes
	rb.fi = (rb.fi + total/rb.frameBytes) % rb.frames
	rb.r = total % rb.frameBytes
}

// HasPayload reports whether the encoder has anything left to drain.
func (rb *RingBuffer) HasPayload() bool {
	return rb.fi != rb.fe
}

// Unread returns (fj-fi) mod fn: the amount of captured-but-undrained audio,
// used by the pre-roll ratchet in WAITING.
func (rb *RingBuffer) Unread() int {
	if rb.fi <= rb.fj {
		return rb.fj - rb.fi
	}
	return rb.frames - rb.fi + rb.fj
}

// RetainLeadIn advances fi so that at most leadInFrames of unread audio
// precedes fj: the rolling pre-roll window kept while waiting for a trigger.
func (rb *RingBuffer) RetainLeadIn(leadInFrames int) {
	if rb.fi <= rb.fj {
		n := rb.fj - rb.fi
		if n > leadInFrames {
			rb.fi = rb.fj - leadInFrames
		}
		return
	}

	n := rb.frames - rb.fi
	if n+rb.fj > leadInFrames {
		if leadInFrames <= rb.fj {
			rb.fi = rb.fj - leadInFrames
		} else {
			rb.fi += n + rb.fj - leadInFrames
		}
	}
}

// AddLeadOut advances fe by up to leadOutFrames, never past fj.
func (rb *RingBuffer) AddLeadOut(leadOutFrames int) {
	if rb.fe <= rb.fj {
		rb.fe = min(rb.fj, rb.fe+leadOutFrames)
		return
	}

	n := rb.frames - rb.fe
	if n > leadOutFrames {
		rb.fe += leadOutFrames
	} else {
		m := leadOutFrames - n
		rb.fe = min(m, rb.fj)
	}
}

// WriteCaptured copies a capture packet (assumed frame-aligned) into the free
// region, splitting across the wrap point and processing each landed frame
// with onFrame before advancing fj. Returns BufferOverrunError if the packet
// cannot be fully absorbed without overwriting unread frames. One frame slot
// is always kept free, so at most frames-1 frames are ever unread and fi==fj
// only ever means the buffer is empty.
func (rb *RingBuffer) WriteCaptured(packet []byte, onFrame func(frameIdx int, frame []byte)) error {
	if len(packet)%rb.frameBytes != 0 {
		return fmt.Errorf("audio: captured packet of %d bytes is not frame-aligned (frame=%d bytes)",
			len(packet), rb.frameBytes)
	}
	if len(packet)/rb.frameBytes > rb.frames-1-rb.Unread() {
		return &BufferOverrunError{Frames: rb.frames}
	}

	for len(packet) > 0 {
		free := rb.FreeRegion()
		if len(free) == 0 {
			return &BufferOverrunError{Frames: rb.frames}
		}

		n := min(len(free), len(packet))
		n -= n % rb.frameBytes
		if n == 0 {
			return &BufferOverrunError{Frames: rb.frames}
		}

		copy(free, packet[:n])

		framesWritten := n / rb.frameBytes
		for i := 0; i < framesWritten; i++ {
			onFrame(rb.fj+i, packet[i*rb.frameBytes:(i+1)*rb.frameBytes])
		}

		rb.AdvanceProducer(framesWritten)
		packet = packet[n:]
	}

	return nil
}
