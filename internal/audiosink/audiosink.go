// Package audiosink implements the Audio Sink: per-user PCM buffering,
// resampling to the Whisper-compatible 16kHz mono format, and transcript
// write-back for an active VoiceSession.
package audiosink

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/felixsoderstrom/indexbot/internal/types"
	"github.com/felixsoderstrom/indexbot/pkg/audio"
	"github.com/felixsoderstrom/indexbot/pkg/provider/stt"
)

const (
	// DefaultQueueDepth bounds the per-user inbound frame queue. At 20ms
	// frames this is roughly one second of audio; frames arriving once the
	// queue is full are dropped (drop-newest-on-overflow) rather than
	// blocking the Discord receive loop.
	DefaultQueueDepth = 50

	// sileroChunkSamples is the fixed input granularity Silero-family VAD
	// models require: 512 samples of 16kHz mono audio (1024 bytes of 16-bit
	// PCM). Resampled audio is buffered to this boundary before being
	// handed to the STT session so segmentation always sees full frames.
	sileroChunkSamples = 512
	sileroChunkBytes   = sileroChunkSamples * 2

	// minSegmentDuration is the shortest utterance the sink will persist;
	// shorter segments are almost always noise or a stray VAD trigger.
	minSegmentDuration = 300 * time.Millisecond

	// fallbackConfidence is used when the STT provider reports 0 confidence
	// (whisper.cpp's batch API does not compute one).
	fallbackConfidence = 0.6

	sourceSampleRate = 48000
	sourceChannels   = 2
	targetSampleRate = 16000
	targetChannels   = 1
)

// Store is the slice of the Conversation Store the sink writes
// transcriptions into.
type Store interface {
	AppendTranscription(ctx context.Context, t types.Transcription) error
}

// Sink owns one per-user STT session and frame queue for the lifetime of a
// VoiceSession, and returns all memory on Close.
type Sink struct {
	store    Store
	provider stt.Provider
	language string

	mu    sync.Mutex
	users map[string]*userSink // keyed by user_id
}

type userSink struct {
	sessionID string
	userID    string

	queue     chan audio.AudioFrame
	converter *audio.FormatConverter
	handle    stt.SessionHandle

	buf        []byte
	chunkIndex int

	done chan struct{}
	wg   sync.WaitGroup
}

// Option configures a Sink.
type Option func(*Sink)

func WithLanguage(lang string) Option {
	return func(s *Sink) { s.language = lang }
}

// New constructs a Sink.
func New(store Store, provider stt.Provider, opts ...Option) *Sink {
	s := &Sink{
		store:    store,
		provider: provider,
		language: "en",
		users:    make(map[string]*userSink),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// OpenUser starts receiving audio for userID within sessionID: it opens an
// STT session and launches the frame-drain and finals-drain goroutines.
func (s *Sink) OpenUser(ctx context.Context, sessionID, userID string) error {
	handle, err := s.provider.StartStream(ctx, stt.StreamConfig{
		SampleRate: targetSampleRate,
		Channels:   targetChannels,
		Language:   s.language,
	})
	if err != nil {
		return fmt.Errorf("audiosink: start stream for %s: %w", userID, err)
	}

	us := &userSink{
		sessionID: sessionID,
		userID:    userID,
		queue:     make(chan audio.AudioFrame, DefaultQueueDepth),
		converter: &audio.FormatConverter{Target: audio.Format{SampleRate: targetSampleRate, Channels: targetChannels}},
		handle:    handle,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.users[userID] = us
	s.mu.Unlock()

	us.wg.Add(2)
	go s.drainFrames(us)
	go s.drainFinals(us)
	return nil
}

// PushFrame enqueues a 20ms stereo 48kHz PCM frame for userID. If the
// user's queue is full the frame is dropped (drop-newest-on-overflow): a
// backed-up transcription pipeline must never block Discord's audio
// receive loop.
func (s *Sink) PushFrame(userID string, frame audio.AudioFrame) {
	s.mu.Lock()
	us, ok := s.users[userID]
	s.mu.Unlock()
	if !ok {
		return
	}

	select {
	case us.queue <- frame:
	default:
		slog.Warn("audiosink: queue full, dropping frame", "user_id", userID)
	}
}

func (s *Sink) drainFrames(us *userSink) {
	defer us.wg.Done()
	for {
		select {
		case <-us.done:
			return
		case frame, ok := <-us.queue:
			if !ok {
				return
			}
			converted := us.converter.Convert(frame)
			if converted.Data == nil {
				continue
			}
			us.buf = append(us.buf, converted.Data...)
			for len(us.buf) >= sileroChunkBytes {
				chunk := us.buf[:sileroChunkBytes]
				us.buf = us.buf[sileroChunkBytes:]
				if err := us.handle.SendAudio(chunk); err != nil {
					slog.Warn("audiosink: send audio failed", "user_id", us.userID, "error", err)
				}
			}
		}
	}
}

func (s *Sink) drainFinals(us *userSink) {
	defer us.wg.Done()
	for t := range us.handle.Finals() {
		if !t.IsFinal || t.Duration < minSegmentDuration {
			continue
		}
		confidence := t.Confidence
		if confidence == 0 {
			confidence = fallbackConfidence
		}

		transcription := types.Transcription{
			SessionID:  us.sessionID,
			ChunkIndex: us.chunkIndex,
			Text:       t.Text,
			Confidence: confidence,
			DurationS:  t.Duration.Seconds(),
			Timestamp:  time.Now().UTC(),
		}
		us.chunkIndex++

		if err := s.store.AppendTranscription(context.Background(), transcription); err != nil {
			slog.Warn("audiosink: append transcription failed", "session_id", us.sessionID, "error", err)
		}
	}
}

// CloseUser stops accepting new audio for userID, closes the user's STT
// session, and then waits (bounded by ctx) for the user's drain goroutines
// to exit. Frames still queued when CloseUser is called are not guaranteed
// to reach the STT session, and buffered audio shorter than one full chunk
// is not sent.
func (s *Sink) CloseUser(ctx context.Context, userID string) error {
	s.mu.Lock()
	us, ok := s.users[userID]
	if ok {
		delete(s.users, userID)
	}
	s.mu.Unlock()
	if !ok {
		return nil
	}

	close(us.done)
	close(us.queue)

	// Close the session handle before waiting: drainFinals ranges over
	// handle.Finals(), which per the SessionHandle contract only closes once
	// Close is called, so closing first is what lets drainFinals return.
	closeErr := us.handle.Close()

	waited := make(chan struct{})
	go func() {
		us.wg.Wait()
		close(waited)
	}()

	select {
	case <-waited:
	case <-ctx.Done():
		slog.Warn("audiosink: bounded drain timed out", "user_id", userID)
	}

	return closeErr
}
