package audio

import "encoding/binary"

// EncodeRecord renders the fixed-width measurement record: one state byte,
// host-endian uint64 captured_frames, then per-channel RMS and per-channel
// peak as uint16 each. For C channels the record is 9+4*C bytes.
func EncodeRecord(state State, capturedFrames uint64, rms, peak []uint16) []byte {
	channels := len(rms)
	record := make([]byte, 1+8+2*channels+2*channels)

	record[0] = state.wireByte()
	binary.NativeEndian.PutUint64(record[1:9], capturedFrames)

	off := 9
	for c := 0; c < channels; c++ {
		binary.NativeEndian.PutUint16(record[off:off+2], rms[c])
		off += 2
	}
	for c := 0; c < channels; c++ {
		binary.NativeEndian.PutUint16(record[off:off+2], peak[c])
		off += 2
	}

	return record
}

// DecodeRecordChannels returns how many channels a record of recordLen bytes
// was built for, inverting EncodeRecord's fixed layout. Returns 0 if recordLen
// isn't a valid record length.
func DecodeRecordChannels(recordLen int) int {
	rem := recordLen - 9
	if rem <= 0 || rem%4 != 0 {
		return 0
	}
	return rem / 4
}
