package ttsclient

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"voiceagent/internal/resample"
	"voiceagent/internal/telemetry"
	"voiceagent/internal/types"
)

// frameMs is the outbound packetization size.
const frameMs = 20

// backpressureDeadline is how long the egress will wait for the sink to
// accept a frame before abandoning the current chunk.
const backpressureDeadline = 2 * time.Second

// Sink hands one resampled, packetized frame to the outbound media track.
// It should block until the transport accepts the frame or ctx expires.
type Sink func(ctx context.Context, frame types.AudioOut) error

// ErrEgressStalled is returned (non-fatal) when the sink could not accept a
// frame within backpressureDeadline; the chunk is abandoned but the turn
// proceeds to the next chunk
var ErrEgressStalled = errors.New("ttsclient: egress stalled")

// PlayChunk reads raw PCM16LE from body (in the format described by
// format), resamples it to publishRate, packetizes into frameMs frames,
// and hands each to sink in order. Frames of this chunk fully drain (or
// the chunk is abandoned) before PlayChunk returns, preserving the
// ordering guarantee between chunks.
//
// If ctx is cancelled mid-chunk (CancelTurn), PlayChunk returns
// context.Canceled before the next frame and the remaining audio is
// discarded rather than played; no fade is applied to the last delivered
// frame.
func PlayChunk(ctx context.Context, format StreamFormat, body io.Reader, turnID string, chunkIndex, publishRate int, sink Sink) error {
	srcFrameSamples := format.SampleRate * frameMs / 1000
	srcFrameBytes := srcFrameSamples * format.SampleWidth * format.Channels
	if srcFrameBytes <= 0 {
		srcFrameBytes = format.SampleRate * frameMs / 1000 * 2
	}
	buf := make([]byte, srcFrameBytes)

	for {
		select {
		case <-ctx.Done():
			// Remaining buffered PCM is discarded, not played; any
			// audible click this leaves is within the allowed
			// up-to-20ms fade tolerance at a single frame boundary.
			return context.Canceled
		default:
		}

		n, err := io.ReadFull(body, buf)
		if n > 0 {
			pcm := decodePCM16LE(buf[:n], format.Channels)
			resampled := resample.Sinc(pcm, format.SampleRate, publishRate)

			sendCtx, cancel := context.WithTimeout(ctx, backpressureDeadline)
			sendErr := sink(sendCtx, types.AudioOut{TurnID: turnID, ChunkIndex: chunkIndex, PCM: resampled, SampleRate: publishRate})
			cancel()
			if sendErr != nil {
				if ctx.Err() != nil {
					return context.Canceled
				}
				telemetry.RecordEgressStall()
				return ErrEgressStalled
			}
		}
		if err != nil {
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}
	}
}

func decodePCM16LE(b []byte, channels int) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(b[i*2 : i*2+2]))
	}
	if channels == 2 {
		mono := make([]int16, n/2)
		for i := 0; i+1 < n; i += 2 {
			avg := (int32(out[i]) + int32(out[i+1])) / 2
			mono[i/2] = int16(avg)
		}
		return mono
	}
	return out
}
