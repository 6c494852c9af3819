package conversation

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ribu-singh/Vocode-Backend/internal/observe"
	"github.com/ribu-singh/Vocode-Backend/internal/transport"
)

const defaultOutboundBufferMs = 400

// outItem is one queued outbound message with its drop metadata.
type outItem struct {
	msg    transport.Message
	turnID uint64
	ms     int
}

// outboundQueue serializes all writes to the client transport through a
// single writer goroutine. Audio is bounded by playback duration: when the
// queue exceeds its budget, the oldest frames of the active agent turn are
// dropped and the degradation is logged and counted. Transcript and control
// messages are never dropped.
type outboundQueue struct {
	tr      transport.Transport
	maxMs   int
	log     *slog.Logger
	metrics *observe.Metrics

	mu    sync.Mutex
	queue []outItem
	curMs int

	notify chan struct{}
	stopCh chan struct{}
	done   chan struct{}

	stopOnce sync.Once
}

func newOutboundQueue(tr transport.Transport, maxMs int, log *slog.Logger, metrics *observe.Metrics) *outboundQueue {
	if maxMs <= 0 {
		maxMs = defaultOutboundBufferMs
	}
	return &outboundQueue{
		tr:      tr,
		maxMs:   maxMs,
		log:     log,
		metrics: metrics,
		notify:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (q *outboundQueue) start() {
	go q.run()
}

// push enqueues a message. durationMs is the playback duration for audio
// messages and zero otherwise.
func (q *outboundQueue) push(msg transport.Message, turnID uint64, durationMs int) {
	q.mu.Lock()
	q.queue = append(q.queue, outItem{msg: msg, turnID: turnID, ms: durationMs})
	q.curMs += durationMs

	var dropped int
	for q.curMs > q.maxMs {
		idx := q.oldestAudioLocked()
		if idx < 0 {
			break
		}
		q.curMs -= q.queue[idx].ms
		q.queue = append(q.queue[:idx], q.queue[idx+1:]...)
		dropped++
	}
	q.mu.Unlock()

	if dropped > 0 {
		q.log.Warn("outbound queue overflow, dropping oldest audio",
			"dropped_frames", dropped)
		if q.metrics != nil {
			q.metrics.RecordDroppedFrames(context.Background(), "outbound", int64(dropped))
		}
	}

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// oldestAudioLocked returns the index of the oldest queued audio item, or -1.
func (q *outboundQueue) oldestAudioLocked() int {
	for i, it := range q.queue {
		if it.ms > 0 {
			return i
		}
	}
	return -1
}

// dropTurn removes all undelivered audio for the given turn.
func (q *outboundQueue) dropTurn(turnID uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.queue[:0]
	for _, it := range q.queue {
		if it.turnID == turnID && it.ms > 0 {
			q.curMs -= it.ms
			continue
		}
		kept = append(kept, it)
	}
	q.queue = kept
}

// stop drains nothing further and joins the writer. Idempotent.
func (q *outboundQueue) stop() {
	q.stopOnce.Do(func() {
		close(q.stopCh)
		<-q.done
	})
}

func (q *outboundQueue) run() {
	defer close(q.done)
	for {
		select {
		case <-q.stopCh:
			return
		case <-q.notify:
			for {
				q.mu.Lock()
				if len(q.queue) == 0 {
					q.mu.Unlock()
					break
				}
				it := q.queue[0]
				q.queue = q.queue[1:]
				q.curMs -= it.ms
				q.mu.Unlock()

				if err := q.tr.Send(it.msg); err != nil {
					q.log.Warn("outbound send failed", "error", err)
				}

				select {
				case <-q.stopCh:
					return
				default:
				}
			}
		}
	}
}
