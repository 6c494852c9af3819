package conversation

import (
	"log/slog"
	"testing"
	"time"

	"github.com/ribu-singh/Vocode-Backend/internal/transport"
	trmock "github.com/ribu-singh/Vocode-Backend/internal/transport/mock"
)

func newTestQueue(tr *trmock.Transport, maxMs int) *outboundQueue {
	return newOutboundQueue(tr, maxMs, slog.Default(), nil)
}

func waitForSent(t *testing.T, tr *trmock.Transport, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(tr.Sent()) >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d sent messages, got %d", n, len(tr.Sent()))
}

func TestOutbound_DeliversInOrder(t *testing.T) {
	tr := &trmock.Transport{}
	q := newTestQueue(tr, 400)

	q.push(transport.NewAudioMessage([]byte("a")), 1, 20)
	q.push(transport.NewTranscriptMessage("hi", transport.SenderBot, 0.5), 1, 0)
	q.push(transport.NewAudioMessage([]byte("b")), 1, 20)

	q.start()
	defer q.stop()
	waitForSent(t, tr, 3)

	sent := tr.Sent()
	wantKinds := []transport.MessageType{transport.TypeAudio, transport.TypeTranscript, transport.TypeAudio}
	for i, k := range wantKinds {
		if sent[i].Kind() != k {
			t.Errorf("sent[%d] = %q, want %q", i, sent[i].Kind(), k)
		}
	}
}

func TestOutbound_OverflowDropsOldestAudio(t *testing.T) {
	tr := &trmock.Transport{}
	q := newTestQueue(tr, 100)

	// Each push past the 100ms budget evicts the oldest frame: of the six
	// 30ms frames only the last three survive.
	for i := byte(0); i < 6; i++ {
		q.push(transport.NewAudioMessage([]byte{'a' + i}), 1, 30)
	}

	q.start()
	defer q.stop()
	waitForSent(t, tr, 3)

	var got string
	for _, m := range tr.Sent() {
		data, err := m.(*transport.AudioMessage).DecodeData()
		if err != nil {
			t.Fatalf("DecodeData: %v", err)
		}
		got += string(data)
	}
	if got != "def" {
		t.Errorf("delivered audio = %q, want %q", got, "def")
	}
}

func TestOutbound_OverflowSparesNonAudio(t *testing.T) {
	tr := &trmock.Transport{}
	q := newTestQueue(tr, 50)

	q.push(transport.NewTranscriptMessage("keep me", transport.SenderHuman, 0), 1, 0)
	for i := byte(0); i < 4; i++ {
		q.push(transport.NewAudioMessage([]byte{'a' + i}), 1, 30)
	}

	q.start()
	defer q.stop()
	waitForSent(t, tr, 2)

	sent := tr.Sent()
	if sent[0].Kind() != transport.TypeTranscript {
		t.Errorf("transcript was dropped or reordered, first sent = %q", sent[0].Kind())
	}
}

func TestOutbound_DropTurnRemovesOnlyThatTurnsAudio(t *testing.T) {
	tr := &trmock.Transport{}
	q := newTestQueue(tr, 400)

	q.push(transport.NewAudioMessage([]byte("old1")), 1, 20)
	q.push(transport.NewAudioMessage([]byte("old2")), 1, 20)
	q.push(transport.NewTranscriptMessage("final words", transport.SenderBot, 1), 1, 0)
	q.push(transport.NewAudioMessage([]byte("new1")), 2, 20)

	q.dropTurn(1)

	q.start()
	defer q.stop()
	waitForSent(t, tr, 2)

	sent := tr.Sent()
	if len(sent) != 2 {
		t.Fatalf("got %d sent messages, want 2", len(sent))
	}
	if sent[0].Kind() != transport.TypeTranscript {
		t.Errorf("first sent = %q, want transcript", sent[0].Kind())
	}
	data, err := sent[1].(*transport.AudioMessage).DecodeData()
	if err != nil {
		t.Fatalf("DecodeData: %v", err)
	}
	if string(data) != "new1" {
		t.Errorf("surviving audio = %q, want %q", data, "new1")
	}
}
