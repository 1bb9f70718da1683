package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// loadPCM decodes a WAV file into little-endian 16-bit mono PCM. Multi-channel
// input is downmixed by averaging; other bit depths are rescaled.
func loadPCM(path string) ([]byte, int, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer f.Close()

	dec := wav.NewDecoder(f)
	if !dec.IsValidFile() {
		return nil, 0, fmt.Errorf("%s: not a PCM WAV file", path)
	}
	buf, err := dec.FullPCMBuffer()
	if err != nil {
		return nil, 0, fmt.Errorf("decode %s: %w", path, err)
	}
	if buf.Format == nil || buf.Format.NumChannels < 1 {
		return nil, 0, errors.New("wav has no channel format")
	}

	channels := buf.Format.NumChannels
	shift := int(dec.BitDepth) - 16
	frames := len(buf.Data) / channels
	out := make([]byte, frames*2)
	for i := range frames {
		sum := 0
		for c := range channels {
			sum += buf.Data[i*channels+c]
		}
		s := sum / channels
		if shift > 0 {
			s >>= shift
		} else if shift < 0 {
			s <<= -shift
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(int16(clamp16(s))))
	}
	return out, buf.Format.SampleRate, nil
}

// savePCM writes 16-bit mono PCM to path as a WAV file.
func savePCM(path string, pcm []byte, sampleRate int) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[i*2:])))
	}
	enc := wav.NewEncoder(f, sampleRate, 16, 1, 1)
	buf := &audio.IntBuffer{
		Format:         &audio.Format{NumChannels: 1, SampleRate: sampleRate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err = enc.Write(buf); err != nil {
		return err
	}
	return enc.Close()
}

// syntheticSpeech returns a tone with light noise, for runs without a WAV file.
func syntheticSpeech(dur time.Duration, sampleRate int) []byte {
	n := int(dur.Seconds() * float64(sampleRate))
	buf := make([]byte, n*2)
	for i := range n {
		t := float64(i) / float64(sampleRate)
		sample := math.Sin(2*math.Pi*440*t)*0.3 + (rand.Float64()-0.5)*0.05
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(int16(sample*math.MaxInt16)))
	}
	return buf
}

func clamp16(v int) int {
	return max(math.MinInt16, min(math.MaxInt16, v))
}
