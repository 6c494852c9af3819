package audio

import (
	"fmt"
	"time"

	"layeh.com/gopus"
)

// maxOpusPacket bounds the encoded size of a single Opus packet.
const maxOpusPacket = 4000

// OpusCoder converts between Opus packets and canonical PCM16. Opus carries
// codec state across consecutive packets, so each audio direction needs its
// own coder; a single OpusCoder must not be shared across goroutines.
type OpusCoder struct {
	sampleRate int
	frameSize  int

	dec *gopus.Decoder
	enc *gopus.Encoder

	// pending buffers PCM handed to Push that does not yet fill a whole
	// Opus frame.
	pending []byte
}

// NewOpusCoder creates a mono Opus coder for the given sample rate and frame
// duration. frameSizeMs must be one of the Opus frame durations (2.5, 5, 10,
// 20, 40, 60 ms); 20 ms is the usual choice for conversational audio.
func NewOpusCoder(sampleRate, frameSizeMs int) (*OpusCoder, error) {
	dec, err := gopus.NewDecoder(sampleRate, 1)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus decoder: %w", err)
	}
	enc, err := gopus.NewEncoder(sampleRate, 1, gopus.Voip)
	if err != nil {
		return nil, fmt.Errorf("audio: create opus encoder: %w", err)
	}
	return &OpusCoder{
		sampleRate: sampleRate,
		frameSize:  sampleRate * frameSizeMs / 1000,
		dec:        dec,
		enc:        enc,
	}, nil
}

// Decode decodes one Opus packet into a canonical PCM16 frame.
func (c *OpusCoder) Decode(packet []byte, seq uint64) (Frame, error) {
	if len(packet) == 0 {
		return Frame{}, &CodecError{Op: "decode", Encoding: EncodingOpus, Reason: "empty packet"}
	}
	pcm, err := c.dec.Decode(packet, c.frameSize, false)
	if err != nil {
		return Frame{}, &CodecError{Op: "decode", Encoding: EncodingOpus, Reason: err.Error()}
	}
	return Frame{
		Data:       int16sToBytes(pcm),
		SampleRate: c.sampleRate,
		Seq:        seq,
	}, nil
}

// Encode encodes one canonical PCM16 frame into an Opus packet. The frame
// must contain exactly the coder's frame size worth of samples.
func (c *OpusCoder) Encode(f Frame) ([]byte, error) {
	if len(f.Data)/2 != c.frameSize {
		return nil, &CodecError{
			Op:       "encode",
			Encoding: EncodingOpus,
			Reason:   fmt.Sprintf("frame has %d samples, coder expects %d", len(f.Data)/2, c.frameSize),
		}
	}
	packet, err := c.enc.Encode(bytesToInt16s(f.Data), c.frameSize, maxOpusPacket)
	if err != nil {
		return nil, &CodecError{Op: "encode", Encoding: EncodingOpus, Reason: err.Error()}
	}
	return packet, nil
}

// FrameBytes returns the size in bytes of one PCM frame the coder encodes.
func (c *OpusCoder) FrameBytes() int {
	return c.frameSize * 2
}

// FrameDuration returns the playback duration of one encoded packet.
func (c *OpusCoder) FrameDuration() time.Duration {
	return time.Duration(c.frameSize) * time.Second / time.Duration(c.sampleRate)
}

// Push buffers arbitrary-length PCM16 and encodes every complete frame it
// now holds, returning zero or more Opus packets. Leftover samples stay
// buffered for the next call.
func (c *OpusCoder) Push(pcm []byte) ([][]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, &CodecError{Op: "encode", Encoding: EncodingOpus, Reason: "odd byte count for 16-bit PCM"}
	}
	c.pending = append(c.pending, pcm...)

	var packets [][]byte
	frameBytes := c.FrameBytes()
	for len(c.pending) >= frameBytes {
		packet, err := c.enc.Encode(bytesToInt16s(c.pending[:frameBytes]), c.frameSize, maxOpusPacket)
		if err != nil {
			return nil, &CodecError{Op: "encode", Encoding: EncodingOpus, Reason: err.Error()}
		}
		c.pending = c.pending[frameBytes:]
		packets = append(packets, packet)
	}
	return packets, nil
}

// Flush pads any buffered remainder with silence and encodes it as a final
// packet. Returns nil when nothing is buffered.
func (c *OpusCoder) Flush() ([]byte, error) {
	if len(c.pending) == 0 {
		return nil, nil
	}
	frame := make([]byte, c.FrameBytes())
	copy(frame, c.pending)
	c.pending = c.pending[:0]

	packet, err := c.enc.Encode(bytesToInt16s(frame), c.frameSize, maxOpusPacket)
	if err != nil {
		return nil, &CodecError{Op: "encode", Encoding: EncodingOpus, Reason: err.Error()}
	}
	return packet, nil
}

// int16sToBytes converts a slice of int16 PCM samples to little-endian bytes.
func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

// bytesToInt16s converts little-endian bytes to a slice of int16 PCM samples.
func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
