package audio

import (
	"bytes"
	"testing"
)

func TestPCM16ToWAVRoundTripsThroughStrip(t *testing.T) {
	pcm := []byte{1, 0, 2, 0, 3, 0}
	wav := PCM16ToWAV(pcm, 16000)
	if len(wav) != 44+len(pcm) {
		t.Fatalf("len = %d", len(wav))
	}
	if got := StripWAVHeader(wav); !bytes.Equal(got, pcm) {
		t.Fatalf("strip = %v, want %v", got, pcm)
	}
}

func TestStripWAVHeaderLeavesRawAudio(t *testing.T) {
	raw := []byte("not a wav file at all")
	if got := StripWAVHeader(raw); !bytes.Equal(got, raw) {
		t.Fatal("non-RIFF input must pass through")
	}
}

func TestStripWAVHeaderSkipsExtraChunks(t *testing.T) {
	wav := PCM16ToWAV([]byte{9, 9}, 8000)
	// splice a LIST chunk between fmt and data
	list := append([]byte("LIST"), 4, 0, 0, 0, 'a', 'b', 'c', 'd')
	spliced := append(append(append([]byte{}, wav[:36]...), list...), wav[36:]...)
	if got := StripWAVHeader(spliced); !bytes.Equal(got, []byte{9, 9}) {
		t.Fatalf("strip = %v", got)
	}
}

func TestIsSilent(t *testing.T) {
	if !IsSilent(make([]byte, 320)) {
		t.Fatal("zeros should be silent")
	}
	if IsSilent([]byte{0, 0, 1, 0}) {
		t.Fatal("non-zero byte should not be silent")
	}
	if got := PCM16Duration(make([]byte, 640), 16000); got != 20 {
		t.Fatalf("duration = %d, want 20", got)
	}
}
