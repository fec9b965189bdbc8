package dispatch

import (
	"context"
	"time"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/store"
	"go.uber.org/zap"
)

// ResyncResult is the payload of conn.resynced.
type ResyncResult struct {
	At            time.Time
	Conversations int
	Messages      int
	Retransmitted int
	Err           string
}

// Resync closes the gap left by a disconnect: it refetches the conversation
// list and the active conversation's history, flushes read receipts that could
// not be sent, and retransmits sends still inside their ack window. It is
// registered as the connection manager's on-connected hook.
func (d *Dispatcher) Resync(ctx context.Context) {
	res := ResyncResult{At: d.now()}

	convs, err := d.api.Conversations(ctx)
	if err != nil {
		d.logger.Warn("resync conversations", zap.Error(err))
		res.Err = err.Error()
	}
	for _, c := range convs {
		if d.upsertConversation(c, store.SourceFetch) == nil {
			res.Conversations++
		}
	}

	if id := d.active.Load(); id != 0 {
		msgs, err := d.api.Messages(ctx, id)
		if err != nil {
			d.logger.Warn("resync history", zap.Int64("conversation_id", id), zap.Error(err))
			res.Err = err.Error()
		} else {
			d.store.AppendHistory(id, msgs)
			res.Messages = len(msgs)
		}
	}

	d.flushReceipts(ctx)

	for _, m := range d.store.Pending() {
		if !d.awaitingAck(m.ClientMsgID) {
			continue
		}
		d.transmit(ctx, m)
		res.Retransmitted++
	}

	d.logger.Info("resynced",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages),
		zap.Int("retransmitted", res.Retransmitted),
	)
	d.bus.Emit(bus.ConnResynced, res)
}

func (d *Dispatcher) flushReceipts(ctx context.Context) {
	d.mu.Lock()
	queued := d.receipts
	d.receipts = make(map[int64]int64)
	d.mu.Unlock()

	for id, convID := range queued {
		if err := d.sendReceipt(ctx, id, convID); err != nil {
			d.logger.Warn("flush read receipt", zap.Int64("message_id", id), zap.Error(err))
		}
	}
}
