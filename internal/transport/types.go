package transport

import (
	"encoding/base64"
	"fmt"
)

// MessageType discriminates wire messages on the conversation websocket.
type MessageType string

const (
	// TypeAudioConfigStart is the first client message: audio configuration
	// for both directions plus session options.
	TypeAudioConfigStart MessageType = "websocket_audio_config_start"

	// TypeAudio carries a base64-encoded audio chunk in either direction.
	TypeAudio MessageType = "websocket_audio"

	// TypeStop ends the conversation from the client side.
	TypeStop MessageType = "websocket_stop"

	// TypeReady confirms session setup to the client.
	TypeReady MessageType = "websocket_ready"

	// TypeTranscript delivers a transcript line to a subscribed client.
	TypeTranscript MessageType = "websocket_transcript"
)

// Sender identifies the speaker in a transcript message.
type Sender string

const (
	SenderHuman Sender = "human"
	SenderBot   Sender = "bot"
)

// Message is implemented by every wire message.
type Message interface {
	// Kind returns the wire discriminator of the message.
	Kind() MessageType
}

// AudioConfig describes one direction of the audio stream.
type AudioConfig struct {
	// SamplingRate in Hz, e.g. 16000 or 8000.
	SamplingRate int `json:"sampling_rate"`

	// AudioEncoding is the wire encoding, "linear16" or "mulaw".
	AudioEncoding string `json:"audio_encoding"`

	// ChunkSize is the client's preferred chunk size in bytes. Optional;
	// meaningful for the input direction only.
	ChunkSize int `json:"chunk_size,omitempty"`
}

// AudioConfigStartMessage is the initial client message opening a session.
type AudioConfigStartMessage struct {
	Type              MessageType `json:"type"`
	InputAudioConfig  AudioConfig `json:"input_audio_config"`
	OutputAudioConfig AudioConfig `json:"output_audio_config"`

	// ConversationID is an optional client-supplied ID. Empty means the
	// server generates one.
	ConversationID string `json:"conversation_id,omitempty"`

	// SubscribeTranscript requests transcript messages alongside audio.
	SubscribeTranscript bool `json:"subscribe_transcript,omitempty"`
}

func (m *AudioConfigStartMessage) Kind() MessageType { return TypeAudioConfigStart }

// AudioMessage carries one audio chunk, base64-encoded.
type AudioMessage struct {
	Type MessageType `json:"type"`
	Data string      `json:"data"`
}

func (m *AudioMessage) Kind() MessageType { return TypeAudio }

// NewAudioMessage wraps raw audio bytes into an outbound AudioMessage.
func NewAudioMessage(chunk []byte) *AudioMessage {
	return &AudioMessage{
		Type: TypeAudio,
		Data: base64.StdEncoding.EncodeToString(chunk),
	}
}

// DecodeData returns the raw audio bytes of an inbound AudioMessage.
func (m *AudioMessage) DecodeData() ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(m.Data)
	if err != nil {
		return nil, fmt.Errorf("transport: invalid base64 audio data: %w", err)
	}
	return raw, nil
}

// StopMessage ends the conversation.
type StopMessage struct {
	Type MessageType `json:"type"`
}

func (m *StopMessage) Kind() MessageType { return TypeStop }

// ReadyMessage confirms session setup. Sent server to client once the
// pipeline is running.
type ReadyMessage struct {
	Type MessageType `json:"type"`

	// ConversationID is the effective session ID, client-supplied or
	// server-generated.
	ConversationID string `json:"conversation_id,omitempty"`
}

// NewReadyMessage builds the ready confirmation for the given conversation.
func NewReadyMessage(conversationID string) *ReadyMessage {
	return &ReadyMessage{Type: TypeReady, ConversationID: conversationID}
}

func (m *ReadyMessage) Kind() MessageType { return TypeReady }

// TranscriptMessage delivers one transcript line to a subscribed client.
type TranscriptMessage struct {
	Type   MessageType `json:"type"`
	Text   string      `json:"text"`
	Sender Sender      `json:"sender"`

	// Timestamp is seconds since session start.
	Timestamp float64 `json:"timestamp"`
}

// NewTranscriptMessage builds an outbound transcript line.
func NewTranscriptMessage(text string, sender Sender, timestamp float64) *TranscriptMessage {
	return &TranscriptMessage{
		Type:      TypeTranscript,
		Text:      text,
		Sender:    sender,
		Timestamp: timestamp,
	}
}

func (m *TranscriptMessage) Kind() MessageType { return TypeTranscript }
