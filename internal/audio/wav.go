package audio

import (
	"bytes"
	"encoding/binary"
)

const wavHeaderLen = 44

// PCM16ToWAV wraps little-endian 16-bit mono PCM in a canonical WAV header.
func PCM16ToWAV(pcm []byte, sampleRate int) []byte {
	dataLen := len(pcm) - len(pcm)%2
	buf := make([]byte, wavHeaderLen+dataLen)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(wavHeaderLen-8+dataLen))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16)
	binary.LittleEndian.PutUint16(buf[20:22], 1) // PCM
	binary.LittleEndian.PutUint16(buf[22:24], 1) // mono
	binary.LittleEndian.PutUint32(buf[24:28], uint32(sampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(sampleRate*2)) // byte rate
	binary.LittleEndian.PutUint16(buf[32:34], 2)                    // block align
	binary.LittleEndian.PutUint16(buf[34:36], 16)                   // bits per sample
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataLen))
	copy(buf[wavHeaderLen:], pcm[:dataLen])
	return buf
}

// StripWAVHeader returns the payload after the "data" sub-chunk header when
// b starts with a RIFF/WAVE container. Anything else is returned unchanged.
func StripWAVHeader(b []byte) []byte {
	if len(b) < 12 || !bytes.Equal(b[0:4], []byte("RIFF")) || !bytes.Equal(b[8:12], []byte("WAVE")) {
		return b
	}
	off := 12
	for off+8 <= len(b) {
		id := b[off : off+4]
		size := int(binary.LittleEndian.Uint32(b[off+4 : off+8]))
		off += 8
		if bytes.Equal(id, []byte("data")) {
			return b[off:]
		}
		off += size + size%2
	}
	// Header split across chunks; the data marker never arrived.
	return b[:0]
}
