package ttsclient

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"voiceagent/internal/types"
)

func pcmBytes(samples []int16) []byte {
	b := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(b[i*2:i*2+2], uint16(s))
	}
	return b
}

func TestPlayChunkDeliversTaggedResampledFrames(t *testing.T) {
	samples := make([]int16, 22050) // 1s at 22050Hz
	for i := range samples {
		samples[i] = int16(i % 100)
	}
	body := bytes.NewReader(pcmBytes(samples))
	format := StreamFormat{SampleRate: 22050, Channels: 1, SampleWidth: 2}

	var got []types.AudioOut
	sink := func(_ context.Context, frame types.AudioOut) error {
		got = append(got, frame)
		return nil
	}

	if err := PlayChunk(context.Background(), format, body, "turn-1", 2, 48000, sink); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected at least one delivered frame")
	}
	for _, f := range got {
		if f.TurnID != "turn-1" || f.ChunkIndex != 2 {
			t.Fatalf("unexpected frame tagging: %+v", f)
		}
		if f.SampleRate != 48000 {
			t.Fatalf("expected resampled rate 48000, got %d", f.SampleRate)
		}
	}
}

func TestPlayChunkStopsOnCancel(t *testing.T) {
	samples := make([]int16, 220500) // 10s of audio
	body := bytes.NewReader(pcmBytes(samples))
	format := StreamFormat{SampleRate: 22050, Channels: 1, SampleWidth: 2}

	ctx, cancel := context.WithCancel(context.Background())
	delivered := 0
	sink := func(_ context.Context, _ types.AudioOut) error {
		delivered++
		if delivered == 2 {
			cancel()
		}
		return nil
	}

	err := PlayChunk(ctx, format, body, "turn-1", 0, 48000, sink)
	if err != context.Canceled {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if delivered >= 500 { // 10s / 20ms would be 500 frames if uncancelled
		t.Fatalf("expected cancellation to cut delivery short, delivered %d frames", delivered)
	}
}
