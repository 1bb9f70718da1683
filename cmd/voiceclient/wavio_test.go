package main

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

func TestLoadPCMDownmixesStereo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stereo.wav")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	enc := wav.NewEncoder(f, 8000, 16, 2, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 2, SampleRate: 8000},
		Data:           []int{100, 300, -1000, -2000, 32767, 32767},
		SourceBitDepth: 16,
	}
	if err = enc.Write(buf); err != nil {
		t.Fatal(err)
	}
	if err = enc.Close(); err != nil {
		t.Fatal(err)
	}
	f.Close()

	pcm, rate, err := loadPCM(path)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 8000 || len(pcm) != 6 {
		t.Fatalf("rate = %d, bytes = %d", rate, len(pcm))
	}
	want := []int16{200, -1500, 32767}
	for i, w := range want {
		if got := int16(binary.LittleEndian.Uint16(pcm[i*2:])); got != w {
			t.Errorf("frame %d = %d, want %d", i, got, w)
		}
	}
}

func TestLoadPCMRejectsNonWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "note.txt")
	os.WriteFile(path, []byte("not audio at all, just text"), 0o644)
	if _, _, err := loadPCM(path); err == nil {
		t.Fatal("expected error")
	}
}

func TestSavePCMWritesReadableWAV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reply.wav")
	pcm := syntheticSpeech(100*time.Millisecond, 16000)
	if err := savePCM(path, pcm, 16000); err != nil {
		t.Fatal(err)
	}
	got, rate, err := loadPCM(path)
	if err != nil {
		t.Fatal(err)
	}
	if rate != 16000 || len(got) != len(pcm) {
		t.Errorf("rate = %d, bytes = %d, want %d", rate, len(got), len(pcm))
	}
}
