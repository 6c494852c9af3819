package conversation

import (
	"fmt"
	"strings"

	"github.com/antzucaro/matchr"

	"github.com/ribu-singh/Vocode-Backend/pkg/provider/vad"
)

const (
	defaultBargeInFrameMs   = 10
	defaultSpeechThreshold  = 0.5
	defaultSilenceThreshold = 0.35
	defaultEchoSimilarity   = 0.9
)

// BargeInConfig tunes interruption detection while the agent is speaking.
type BargeInConfig struct {
	// FrameSizeMs is the VAD analysis frame. Default 10.
	FrameSizeMs int

	// SpeechThreshold and SilenceThreshold are the VAD probability gates.
	// Defaults 0.5 and 0.35.
	SpeechThreshold  float64
	SilenceThreshold float64

	// EchoSimilarity is the Jaro-Winkler score at or above which a user
	// transcript is discounted as an echo of the agent's own speech.
	// Default 0.9.
	EchoSimilarity float64
}

func (c *BargeInConfig) applyDefaults() {
	if c.FrameSizeMs <= 0 {
		c.FrameSizeMs = defaultBargeInFrameMs
	}
	if c.SpeechThreshold <= 0 {
		c.SpeechThreshold = defaultSpeechThreshold
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	if c.EchoSimilarity <= 0 {
		c.EchoSimilarity = defaultEchoSimilarity
	}
}

// bargeInDetector gates interruption on inbound audio energy while the agent
// speaks, with a transcript echo guard for speakerphone-style setups where
// the agent's own audio leaks back into the microphone.
type bargeInDetector struct {
	sess       vad.SessionHandle
	frameBytes int
	echoSim    float64

	buf []byte
}

func newBargeInDetector(engine vad.Engine, sampleRate int, cfg BargeInConfig) (*bargeInDetector, error) {
	cfg.applyDefaults()
	sess, err := engine.NewSession(vad.Config{
		SampleRate:       sampleRate,
		FrameSizeMs:      cfg.FrameSizeMs,
		SpeechThreshold:  cfg.SpeechThreshold,
		SilenceThreshold: cfg.SilenceThreshold,
	})
	if err != nil {
		return nil, fmt.Errorf("conversation: barge-in VAD session: %w", err)
	}
	return &bargeInDetector{
		sess:       sess,
		frameBytes: sampleRate * cfg.FrameSizeMs / 1000 * 2,
		echoSim:    cfg.EchoSimilarity,
	}, nil
}

// onAudio feeds canonical PCM and reports whether a speech onset was
// detected in it.
func (d *bargeInDetector) onAudio(pcm []byte) (bool, error) {
	d.buf = append(d.buf, pcm...)
	triggered := false
	for len(d.buf) >= d.frameBytes {
		frame := d.buf[:d.frameBytes]
		d.buf = d.buf[d.frameBytes:]
		ev, err := d.sess.ProcessFrame(frame)
		if err != nil {
			return false, err
		}
		if ev.Type == vad.VADSpeechStart {
			triggered = true
		}
	}
	return triggered, nil
}

// isEcho reports whether a user transcript partial is a near-duplicate of
// the agent's in-flight utterance. The partial is matched against every
// window of the agent text with the same word count; the best score decides.
func (d *bargeInDetector) isEcho(partial, agentText string) bool {
	pw := strings.Fields(strings.ToLower(partial))
	aw := strings.Fields(strings.ToLower(agentText))
	if len(pw) == 0 || len(aw) == 0 || len(pw) > len(aw) {
		return false
	}

	p := strings.Join(pw, " ")
	best := 0.0
	for i := 0; i+len(pw) <= len(aw); i++ {
		window := strings.Join(aw[i:i+len(pw)], " ")
		if score := matchr.JaroWinkler(p, window, false); score > best {
			best = score
		}
	}
	return best >= d.echoSim
}

// reset clears VAD smoothing state between agent turns.
func (d *bargeInDetector) reset() {
	d.buf = d.buf[:0]
	d.sess.Reset()
}

func (d *bargeInDetector) close() {
	_ = d.sess.Close()
}
