package transport

import (
	"context"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rollnet/internal/util"
)

const (
	highWaterMark  = 256 * 1024 // start shedding when bufferedAmount exceeds this
	lowWaterMark   = 64 * 1024  // stop shedding once bufferedAmount drops below this
	sendBufferSize = 256        // outgoing datagram channel capacity
)

// sender is the single writer of one DataChannel. Nothing in the game
// traffic is worth waiting for: a full queue rejects the datagram and a
// congested channel sheds it. Bundles repeat unacknowledged input and
// critical messages are retransmitted by the endpoint.
type sender struct {
	inbox     chan []byte
	congested atomic.Bool
}

// newSender wires the congestion callbacks on dc and starts the write loop,
// which exits when ctx is cancelled.
func newSender(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) *sender {
	s := &sender{inbox: make(chan []byte, sendBufferSize)}

	dc.SetBufferedAmountLowThreshold(uint64(lowWaterMark))
	dc.OnBufferedAmountLow(func() {
		if s.congested.Swap(false) {
			util.LogDebug("datachannel drained, sending resumed")
		}
	})

	go s.loop(ctx, dc, openSignal)

	return s
}

func (s *sender) loop(ctx context.Context, dc *webrtc.DataChannel, openSignal <-chan struct{}) {
	select {
	case <-openSignal:
	case <-ctx.Done():
		return
	}

	for {
		select {
		case data := <-s.inbox:
			if s.congested.Load() || dc.BufferedAmount() > uint64(highWaterMark) {
				if !s.congested.Swap(true) {
					util.LogDebug("datachannel congested (%d bytes buffered), shedding", dc.BufferedAmount())
				}
				util.Stats.AddDropped()
				continue
			}

			if err := dc.Send(data); err != nil {
				util.LogError("failed to send datagram (%d bytes): %v", len(data), err)
				return
			}
			util.Stats.AddSent(len(data))

		case <-ctx.Done():
			return
		}
	}
}

// send enqueues a datagram without blocking.
func (s *sender) send(ctx context.Context, data []byte) error {
	if ctx.Err() != nil {
		return ErrLinkClosed
	}
	select {
	case s.inbox <- data:
		return nil
	default:
		util.Stats.AddDropped()
		return ErrQueueFull
	}
}
