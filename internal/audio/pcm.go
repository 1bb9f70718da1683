package audio

// IsSilent reports whether every byte of a PCM chunk is zero.
func IsSilent(pcm []byte) bool {
	for _, b := range pcm {
		if b != 0 {
			return false
		}
	}
	return true
}

// PCM16Duration returns the playback length in milliseconds of 16-bit mono PCM.
func PCM16Duration(pcm []byte, sampleRate int) int {
	if sampleRate <= 0 {
		return 0
	}
	return len(pcm) / 2 * 1000 / sampleRate
}
