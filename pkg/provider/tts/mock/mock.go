// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled audio chunks to consumers and to verify that
// the correct VoiceProfile and text fragments are passed to the TTS backend.
//
// Example:
//
//	p := &mock.Provider{
//	    SynthesizeChunks: [][]byte{[]byte("audio1"), []byte("audio2")},
//	    ListVoicesResult: []tts.VoiceProfile{{ID: "v1", Name: "Alice"}},
//	}
//	ch, _ := p.SynthesizeStream(ctx, textCh, voice)
package mock

import (
	"context"
	"sync"

	"github.com/ribu-singh/Vocode-Backend/pkg/provider/tts"
)

// SynthesizeStreamCall records a single invocation of SynthesizeStream.
type SynthesizeStreamCall struct {
	// Ctx is the context passed to SynthesizeStream.
	Ctx context.Context
	// Text is the text input channel passed to SynthesizeStream.
	Text <-chan string
	// Voice is the VoiceProfile passed to SynthesizeStream.
	Voice tts.VoiceProfile
}

// ListVoicesCall records a single invocation of ListVoices.
type ListVoicesCall struct {
	// Ctx is the context passed to ListVoices.
	Ctx context.Context
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// SynthesizeChunks is the sequence of audio byte slices emitted on the channel
	// returned by SynthesizeStream.
	SynthesizeChunks [][]byte

	// SynthesizeErr, if non-nil, is returned as the error from SynthesizeStream
	// instead of starting a channel.
	SynthesizeErr error

	// SynthesizeErrs, if non-empty, overrides SynthesizeErr per call: call i
	// returns SynthesizeErrs[i] (nil entries start a stream). Calls beyond the
	// slice fall back to SynthesizeErr/SynthesizeChunks.
	SynthesizeErrs []error

	// EchoText, if true, makes SynthesizeStream emit one audio chunk per
	// received text fragment instead of SynthesizeChunks. Each fragment is
	// rendered with [EchoPCM] so the chunks are valid 16-bit PCM; decode
	// them back with [EchoString] to assert text-to-audio ordering.
	EchoText bool

	// SampleRate is returned by OutputSampleRate. Zero defaults to 16000.
	SampleRate int

	// ListVoicesResult is returned by ListVoices.
	ListVoicesResult []tts.VoiceProfile

	// ListVoicesErr, if non-nil, is returned as the error from ListVoices.
	ListVoicesErr error

	// --- Call records ---

	// SynthesizeStreamCalls records every call to SynthesizeStream in order.
	SynthesizeStreamCalls []SynthesizeStreamCall

	// ListVoicesCalls records every call to ListVoices in order.
	ListVoicesCalls []ListVoicesCall
}

// SynthesizeStream records the call and, if no injected error applies, returns
// a channel that emits the configured audio then closes.
func (p *Provider) SynthesizeStream(ctx context.Context, text <-chan string, voice tts.VoiceProfile) (<-chan []byte, error) {
	p.mu.Lock()
	callIdx := len(p.SynthesizeStreamCalls)
	p.SynthesizeStreamCalls = append(p.SynthesizeStreamCalls, SynthesizeStreamCall{Ctx: ctx, Text: text, Voice: voice})

	var err error
	if callIdx < len(p.SynthesizeErrs) {
		err = p.SynthesizeErrs[callIdx]
	} else {
		err = p.SynthesizeErr
	}
	if err != nil {
		p.mu.Unlock()
		return nil, err
	}
	echo := p.EchoText
	chunks := make([][]byte, len(p.SynthesizeChunks))
	copy(chunks, p.SynthesizeChunks)
	p.mu.Unlock()

	ch := make(chan []byte, 64)
	go func() {
		defer close(ch)
		if echo {
			for fragment := range text {
				select {
				case <-ctx.Done():
					return
				case ch <- EchoPCM(fragment):
				}
			}
			return
		}
		// Drain the incoming text channel to simulate real behaviour and avoid
		// leaving the caller's goroutine blocked writing to it.
		go func() {
			for range text {
			}
		}()
		for _, audio := range chunks {
			select {
			case <-ctx.Done():
				return
			case ch <- audio:
			}
		}
	}()
	return ch, nil
}

// OutputSampleRate returns SampleRate, defaulting to 16000.
func (p *Provider) OutputSampleRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.SampleRate > 0 {
		return p.SampleRate
	}
	return 16000
}

// ListVoices records the call and returns ListVoicesResult, ListVoicesErr.
func (p *Provider) ListVoices(ctx context.Context) ([]tts.VoiceProfile, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ListVoicesCalls = append(p.ListVoicesCalls, ListVoicesCall{Ctx: ctx})
	return p.ListVoicesResult, p.ListVoicesErr
}

// SynthesizeCallCount returns the number of SynthesizeStream calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeStreamCalls)
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeStreamCalls = nil
	p.ListVoicesCalls = nil
}

// EchoPCM renders text as 16-bit little-endian PCM, one sample per byte.
func EchoPCM(text string) []byte {
	out := make([]byte, len(text)*2)
	for i := 0; i < len(text); i++ {
		out[i*2] = text[i]
	}
	return out
}

// EchoString recovers the text rendered by [EchoPCM].
func EchoString(pcm []byte) string {
	out := make([]byte, len(pcm)/2)
	for i := range out {
		out[i] = pcm[i*2]
	}
	return string(out)
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
