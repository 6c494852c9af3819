// Package transport defines the websocket wire protocol of the conversation
// endpoint: typed messages, parsing with protocol-level validation, and the
// narrow Transport interface the session manager writes to. The actual
// listener (HTTP upgrade, TLS) lives outside this package.
package transport

import (
	"encoding/json"
	"fmt"
)

// ProtocolError reports a malformed or out-of-contract wire message. A
// malformed initial config rejects the whole session; any later malformed
// message is rejected on its own while the session stays alive.
type ProtocolError struct {
	// MessageType is the wire discriminator of the offending message, or
	// empty when the envelope itself could not be decoded.
	MessageType MessageType

	// Reason describes what was wrong.
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.MessageType == "" {
		return fmt.Sprintf("transport: protocol error: %s", e.Reason)
	}
	return fmt.Sprintf("transport: protocol error in %q: %s", e.MessageType, e.Reason)
}

// Transport is the outbound half of a client connection. Implementations
// must be safe for use from a single writer goroutine; Close is idempotent.
type Transport interface {
	// Send serializes and delivers one message to the client.
	Send(msg Message) error

	// Close tears down the connection.
	Close() error
}

// envelope is the minimal decode used to pick the concrete message type.
type envelope struct {
	Type MessageType `json:"type"`
}

// supportedEncodings lists the wire audio encodings the codec understands.
var supportedEncodings = map[string]bool{
	"linear16": true,
	"mulaw":    true,
	"opus":     true,
}

// Parse decodes and validates one inbound wire message. Returns a
// [*ProtocolError] for malformed JSON, unknown message types, and messages
// that fail protocol-level validation.
func Parse(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed JSON: " + err.Error()}
	}

	switch env.Type {
	case TypeAudioConfigStart:
		var msg AudioConfigStartMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{MessageType: env.Type, Reason: err.Error()}
		}
		if err := validateAudioConfig("input_audio_config", msg.InputAudioConfig); err != nil {
			return nil, err
		}
		if err := validateAudioConfig("output_audio_config", msg.OutputAudioConfig); err != nil {
			return nil, err
		}
		return &msg, nil

	case TypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{MessageType: env.Type, Reason: err.Error()}
		}
		if msg.Data == "" {
			return nil, &ProtocolError{MessageType: env.Type, Reason: "empty data field"}
		}
		if _, err := msg.DecodeData(); err != nil {
			return nil, &ProtocolError{MessageType: env.Type, Reason: "data is not valid base64"}
		}
		return &msg, nil

	case TypeStop:
		return &StopMessage{Type: TypeStop}, nil

	case "":
		return nil, &ProtocolError{Reason: "missing type field"}

	default:
		return nil, &ProtocolError{MessageType: env.Type, Reason: "unknown message type"}
	}
}

// ParseOutbound decodes one server-to-client wire message. Client
// implementations and tests use it to read the ready, audio, and transcript
// frames the conversation endpoint emits.
func ParseOutbound(data []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ProtocolError{Reason: "malformed JSON: " + err.Error()}
	}

	switch env.Type {
	case TypeReady:
		var msg ReadyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{MessageType: env.Type, Reason: err.Error()}
		}
		return &msg, nil

	case TypeAudio:
		var msg AudioMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{MessageType: env.Type, Reason: err.Error()}
		}
		return &msg, nil

	case TypeTranscript:
		var msg TranscriptMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, &ProtocolError{MessageType: env.Type, Reason: err.Error()}
		}
		return &msg, nil

	case "":
		return nil, &ProtocolError{Reason: "missing type field"}

	default:
		return nil, &ProtocolError{MessageType: env.Type, Reason: "unknown message type"}
	}
}

func validateAudioConfig(field string, cfg AudioConfig) error {
	if cfg.SamplingRate <= 0 {
		return &ProtocolError{
			MessageType: TypeAudioConfigStart,
			Reason:      fmt.Sprintf("%s: sampling_rate must be positive, got %d", field, cfg.SamplingRate),
		}
	}
	if !supportedEncodings[cfg.AudioEncoding] {
		return &ProtocolError{
			MessageType: TypeAudioConfigStart,
			Reason:      fmt.Sprintf("%s: unsupported audio_encoding %q", field, cfg.AudioEncoding),
		}
	}
	return nil
}

// Marshal serializes an outbound message to its wire form.
func Marshal(msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("transport: marshal %q: %w", msg.Kind(), err)
	}
	return data, nil
}
