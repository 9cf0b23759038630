// Package media implements the Audio Ingress Demultiplexer
// and the MediaTransport interface boundary. The media
// transport itself — WebRTC, SIP bridging, room membership — is an
// external collaborator; this package only defines the contract it must
// satisfy and the per-participant ingress queue that sits behind it.
//
// The per-participant connection-map pattern is adapted from
// workerws.Registry (one entry per session, replace-on-reconnect
// semantics), generalized here to one bounded audio queue per participant
// instead of one WebSocket connection per session.
package media

import (
	"errors"
	"sync"
	"time"

	"voiceagent/internal/resample"
	"voiceagent/internal/telemetry"
	"voiceagent/internal/types"
)

// ErrParticipantUnknown is returned when a frame arrives for an identity
// the demultiplexer has not registered: logged and dropped by
// the caller, never fatal.
var ErrParticipantUnknown = errors.New("media: participant unknown")

// Transport is the interface the core consumes from the media server.
// The real implementation — joining a WebRTC room, bridging SIP — is out
// of scope; sessions are constructed with a Transport so tests can inject
// a double.
type Transport interface {
	// OnParticipantJoined/OnParticipantLeft register callbacks invoked by
	// the transport when room membership changes.
	OnParticipantJoined(func(identity string, kind types.ParticipantKind))
	OnParticipantLeft(func(identity string))
	// OnAudioFrame registers the callback invoked for every decoded frame.
	OnAudioFrame(func(types.AudioFrame))

	PublishAudioFrame(pcm []int16, rate, channels int) error
	PublishData(topic string, data []byte) error
}

// ingressRate is the rate VAD/STT operate at.
const ingressRate = 16000

// maxQueuedDuration bounds each participant's ingress queue to about 1s of
// audio.
const maxQueuedDuration = time.Second

// Demux fans incoming frames out to bounded per-participant queues,
// resampling to 16kHz mono on the way in.
type Demux struct {
	mu    sync.Mutex
	queues map[string]*queue
}

type queue struct {
	frames []types.AudioFrame
	maxLen int
	drops  int
}

// NewDemux creates an empty demultiplexer. Participants must be
// registered via Register before frames for them will be accepted.
func NewDemux() *Demux {
	return &Demux{queues: make(map[string]*queue)}
}

// Register creates the bounded queue for a newly joined participant.
// frameMs is the expected per-frame duration used to size the queue to
// roughly maxQueuedDuration.
func (d *Demux) Register(participant string, frameMs int) {
	if frameMs <= 0 {
		frameMs = 20
	}
	capFrames := int(maxQueuedDuration.Milliseconds()) / frameMs
	if capFrames < 1 {
		capFrames = 1
	}
	d.mu.Lock()
	d.queues[participant] = &queue{maxLen: capFrames}
	d.mu.Unlock()
}

// Unregister drops a participant's queue (on ParticipantLeft).
func (d *Demux) Unregister(participant string) {
	d.mu.Lock()
	delete(d.queues, participant)
	d.mu.Unlock()
}

// Push resamples and enqueues a frame, dropping the oldest queued frame on
// overflow and returning ErrParticipantUnknown for an unregistered identity.
func (d *Demux) Push(frame types.AudioFrame) error {
	pcm := resample.Linear(frame.PCM, frame.SampleRate, ingressRate)
	resampled := types.AudioFrame{
		Participant: frame.Participant,
		PCM:         pcm,
		SampleRate:  ingressRate,
		CapturedAt:  frame.CapturedAt,
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[frame.Participant]
	if !ok {
		return ErrParticipantUnknown
	}
	q.frames = append(q.frames, resampled)
	if len(q.frames) > q.maxLen {
		q.frames = q.frames[len(q.frames)-q.maxLen:]
		q.drops++
		telemetry.RecordDroppedFrame()
	}
	return nil
}

// Pop removes and returns the oldest queued frame for a participant, or
// false if the queue is empty or unknown.
func (d *Demux) Pop(participant string) (types.AudioFrame, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[participant]
	if !ok || len(q.frames) == 0 {
		return types.AudioFrame{}, false
	}
	f := q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Drops returns the current overflow-drop count for a participant.
func (d *Demux) Drops(participant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[participant]
	if !ok {
		return 0
	}
	return q.drops
}

// QueueLen returns the current depth of a participant's queue.
func (d *Demux) QueueLen(participant string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q, ok := d.queues[participant]
	if !ok {
		return 0
	}
	return len(q.frames)
}
