package transport

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
)

func TestParse_AudioConfigStart(t *testing.T) {
	raw := []byte(`{
		"type": "websocket_audio_config_start",
		"input_audio_config": {"sampling_rate": 16000, "audio_encoding": "linear16", "chunk_size": 4096},
		"output_audio_config": {"sampling_rate": 16000, "audio_encoding": "linear16"},
		"conversation_id": "conv-42",
		"subscribe_transcript": true
	}`)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg, ok := msg.(*AudioConfigStartMessage)
	if !ok {
		t.Fatalf("Parse returned %T, want *AudioConfigStartMessage", msg)
	}
	if cfg.InputAudioConfig.SamplingRate != 16000 {
		t.Errorf("input sampling_rate = %d, want 16000", cfg.InputAudioConfig.SamplingRate)
	}
	if cfg.InputAudioConfig.ChunkSize != 4096 {
		t.Errorf("input chunk_size = %d, want 4096", cfg.InputAudioConfig.ChunkSize)
	}
	if cfg.OutputAudioConfig.AudioEncoding != "linear16" {
		t.Errorf("output audio_encoding = %q, want %q", cfg.OutputAudioConfig.AudioEncoding, "linear16")
	}
	if cfg.ConversationID != "conv-42" {
		t.Errorf("conversation_id = %q, want %q", cfg.ConversationID, "conv-42")
	}
	if !cfg.SubscribeTranscript {
		t.Error("subscribe_transcript = false, want true")
	}
}

func TestParse_AudioConfigStartMulaw(t *testing.T) {
	raw := []byte(`{
		"type": "websocket_audio_config_start",
		"input_audio_config": {"sampling_rate": 8000, "audio_encoding": "mulaw"},
		"output_audio_config": {"sampling_rate": 8000, "audio_encoding": "mulaw"}
	}`)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := msg.(*AudioConfigStartMessage)
	if cfg.ConversationID != "" {
		t.Errorf("conversation_id = %q, want empty", cfg.ConversationID)
	}
}

func TestParse_AudioConfigStartOpus(t *testing.T) {
	raw := []byte(`{
		"type": "websocket_audio_config_start",
		"input_audio_config": {"sampling_rate": 48000, "audio_encoding": "opus"},
		"output_audio_config": {"sampling_rate": 48000, "audio_encoding": "opus"}
	}`)

	msg, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	cfg := msg.(*AudioConfigStartMessage)
	if cfg.InputAudioConfig.AudioEncoding != "opus" {
		t.Errorf("input audio_encoding = %q, want %q", cfg.InputAudioConfig.AudioEncoding, "opus")
	}
}

func TestParse_Audio(t *testing.T) {
	chunk := []byte{0x01, 0x02, 0x03, 0x04}
	wire, err := Marshal(NewAudioMessage(chunk))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	msg, err := Parse(wire)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	audio, ok := msg.(*AudioMessage)
	if !ok {
		t.Fatalf("Parse returned %T, want *AudioMessage", msg)
	}
	got, err := audio.DecodeData()
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if !bytes.Equal(got, chunk) {
		t.Errorf("decoded data = %v, want %v", got, chunk)
	}
}

func TestParse_Stop(t *testing.T) {
	msg, err := Parse([]byte(`{"type": "websocket_stop"}`))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, ok := msg.(*StopMessage); !ok {
		t.Fatalf("Parse returned %T, want *StopMessage", msg)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"malformed JSON", `{"type": `},
		{"missing type", `{"data": "aGk="}`},
		{"unknown type", `{"type": "websocket_teleport"}`},
		{"audio empty data", `{"type": "websocket_audio", "data": ""}`},
		{"audio bad base64", `{"type": "websocket_audio", "data": "!!not-base64!!"}`},
		{"config zero rate", `{
			"type": "websocket_audio_config_start",
			"input_audio_config": {"sampling_rate": 0, "audio_encoding": "linear16"},
			"output_audio_config": {"sampling_rate": 16000, "audio_encoding": "linear16"}
		}`},
		{"config bad encoding", `{
			"type": "websocket_audio_config_start",
			"input_audio_config": {"sampling_rate": 16000, "audio_encoding": "speex"},
			"output_audio_config": {"sampling_rate": 16000, "audio_encoding": "linear16"}
		}`},
		{"config bad output encoding", `{
			"type": "websocket_audio_config_start",
			"input_audio_config": {"sampling_rate": 16000, "audio_encoding": "linear16"},
			"output_audio_config": {"sampling_rate": 16000, "audio_encoding": "aac"}
		}`},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Parse([]byte(tc.raw))
			if err == nil {
				t.Fatal("Parse succeeded, want error")
			}
			var perr *ProtocolError
			if !errors.As(err, &perr) {
				t.Fatalf("error type = %T, want *ProtocolError", err)
			}
		})
	}
}

func TestMarshal_Ready(t *testing.T) {
	wire, err := Marshal(NewReadyMessage("conv-7"))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["type"] != "websocket_ready" {
		t.Errorf("type = %v, want websocket_ready", decoded["type"])
	}
	if decoded["conversation_id"] != "conv-7" {
		t.Errorf("conversation_id = %v, want conv-7", decoded["conversation_id"])
	}
}

func TestMarshal_Transcript(t *testing.T) {
	wire, err := Marshal(NewTranscriptMessage("hello there", SenderBot, 1.25))
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(wire, &decoded); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if decoded["type"] != "websocket_transcript" {
		t.Errorf("type = %v, want websocket_transcript", decoded["type"])
	}
	if decoded["text"] != "hello there" {
		t.Errorf("text = %v, want %q", decoded["text"], "hello there")
	}
	if decoded["sender"] != "bot" {
		t.Errorf("sender = %v, want bot", decoded["sender"])
	}
	if decoded["timestamp"] != 1.25 {
		t.Errorf("timestamp = %v, want 1.25", decoded["timestamp"])
	}
}

func TestParseOutbound_RoundTrips(t *testing.T) {
	for _, msg := range []Message{
		NewReadyMessage("conv-7"),
		NewAudioMessage([]byte{0x01, 0x02}),
		NewTranscriptMessage("hello there", SenderBot, 1.25),
	} {
		wire, err := Marshal(msg)
		if err != nil {
			t.Fatalf("Marshal %q: %v", msg.Kind(), err)
		}
		got, err := ParseOutbound(wire)
		if err != nil {
			t.Fatalf("ParseOutbound %q: %v", msg.Kind(), err)
		}
		if got.Kind() != msg.Kind() {
			t.Errorf("Kind = %q, want %q", got.Kind(), msg.Kind())
		}
	}
}

func TestParseOutbound_RejectsInboundKinds(t *testing.T) {
	_, err := ParseOutbound([]byte(`{"type": "websocket_stop"}`))
	var perr *ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("err = %v, want *ProtocolError", err)
	}
	if perr.MessageType != TypeStop {
		t.Errorf("MessageType = %q, want %q", perr.MessageType, TypeStop)
	}
}

func TestProtocolError_Message(t *testing.T) {
	err := &ProtocolError{MessageType: TypeAudio, Reason: "empty data field"}
	want := `transport: protocol error in "websocket_audio": empty data field`
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}

	envErr := &ProtocolError{Reason: "missing type field"}
	want = "transport: protocol error: missing type field"
	if got := envErr.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestMessageKinds(t *testing.T) {
	tests := []struct {
		msg  Message
		want MessageType
	}{
		{&AudioConfigStartMessage{}, TypeAudioConfigStart},
		{&AudioMessage{}, TypeAudio},
		{&StopMessage{}, TypeStop},
		{&ReadyMessage{}, TypeReady},
		{&TranscriptMessage{}, TypeTranscript},
	}
	for _, tc := range tests {
		if got := tc.msg.Kind(); got != tc.want {
			t.Errorf("%T.Kind() = %q, want %q", tc.msg, got, tc.want)
		}
	}
}
