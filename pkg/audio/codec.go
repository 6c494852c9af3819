package audio

import "time"

// Decode converts a wire chunk in the given encoding into a canonical PCM16
// frame. seq and capturedAt are recorded on the frame unchanged; decoding
// never reorders or splits chunks.
//
// Opus is stateful and cannot be decoded through this function — use
// [NewOpusCoder]. Malformed input returns a *CodecError.
func Decode(wire []byte, encoding Encoding, sampleRate int, seq uint64, capturedAt time.Time) (Frame, error) {
	var pcm []byte
	switch encoding {
	case EncodingLinear16:
		if len(wire)%2 != 0 {
			return Frame{}, &CodecError{Op: "decode", Encoding: encoding, Reason: "odd byte count for 16-bit PCM"}
		}
		pcm = make([]byte, len(wire))
		copy(pcm, wire)
	case EncodingMulaw:
		if len(wire) == 0 {
			return Frame{}, &CodecError{Op: "decode", Encoding: encoding, Reason: "empty chunk"}
		}
		pcm = make([]byte, len(wire)*2)
		for i, b := range wire {
			s := MulawDecodeSample(b)
			pcm[i*2] = byte(s)
			pcm[i*2+1] = byte(s >> 8)
		}
	case EncodingOpus:
		return Frame{}, &CodecError{Op: "decode", Encoding: encoding, Reason: "opus requires a stateful coder; use NewOpusCoder"}
	default:
		return Frame{}, &CodecError{Op: "decode", Encoding: encoding, Reason: "unsupported encoding"}
	}

	return Frame{
		Data:       pcm,
		SampleRate: sampleRate,
		Seq:        seq,
		CapturedAt: capturedAt,
	}, nil
}

// Encode converts a canonical PCM16 frame into the given wire encoding.
// The inverse of [Decode]: Encode(Decode(wire)) reproduces wire byte-exactly
// for linear16 and µ-law.
func Encode(f Frame, encoding Encoding) ([]byte, error) {
	if len(f.Data)%2 != 0 {
		return nil, &CodecError{Op: "encode", Encoding: encoding, Reason: "odd byte count for 16-bit PCM"}
	}
	switch encoding {
	case EncodingLinear16:
		out := make([]byte, len(f.Data))
		copy(out, f.Data)
		return out, nil
	case EncodingMulaw:
		out := make([]byte, len(f.Data)/2)
		for i := range out {
			s := int16(f.Data[i*2]) | int16(f.Data[i*2+1])<<8
			out[i] = MulawEncodeSample(s)
		}
		return out, nil
	case EncodingOpus:
		return nil, &CodecError{Op: "encode", Encoding: encoding, Reason: "opus requires a stateful coder; use NewOpusCoder"}
	default:
		return nil, &CodecError{Op: "encode", Encoding: encoding, Reason: "unsupported encoding"}
	}
}
