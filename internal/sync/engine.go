package sync

import (
	"context"
	"errors"
	"fmt"
	gosync "sync"

	"github.com/matheus3301/medchat/internal/bus"
	"github.com/matheus3301/medchat/internal/cache"
	"github.com/matheus3301/medchat/internal/chat"
	"github.com/matheus3301/medchat/internal/dispatch"
	"github.com/matheus3301/medchat/internal/store"
	"go.uber.org/zap"
)

// Engine writes confirmed store state through to the local cache.
// It subscribes to "store." and "conn.resynced" events on the bus. The cache
// is best effort: an event lost to a full buffer is repaired by the next
// resync, which refetches and re-emits everything.
type Engine struct {
	db     *cache.DB
	bus    *bus.Bus
	logger *zap.Logger
	cancel context.CancelFunc
	wg     gosync.WaitGroup
}

// NewEngine creates a new sync engine.
func NewEngine(db *cache.DB, b *bus.Bus, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:     db,
		bus:    b,
		logger: logger.Named("sync"),
	}
}

// Start subscribes to store and resync events on the bus.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	ch, unsub := e.bus.Subscribe(1024, "store.", bus.ConnResynced)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer unsub()
		for {
			select {
			case evt := <-ch:
				e.handleEvent(evt)
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the engine and waits for the in-flight write.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
}

func (e *Engine) handleEvent(evt bus.Event) {
	var err error
	switch p := evt.Payload.(type) {
	case chat.Conversation:
		err = e.IngestConversation(p)
	case store.MessageChange:
		if evt.Kind == bus.StoreMessageUpserted {
			err = e.IngestMessage(p.Message)
		}
	case store.HistoryLoaded:
		var n int
		n, err = e.IngestHistory(p)
		if err == nil {
			e.logger.Debug("history cached", zap.Int64("conversation_id", p.ConversationID), zap.Int("messages", n))
		}
	case dispatch.ResyncResult:
		err = e.IngestResync(p)
	}
	if err != nil {
		e.logger.Error("cache write failed", zap.String("event", evt.Kind), zap.Error(err))
	}
}

// IngestConversation caches a conversation and its participants.
func (e *Engine) IngestConversation(c chat.Conversation) error {
	if err := e.db.UpsertConversation(c); err != nil {
		return fmt.Errorf("upsert conversation %d: %w", c.ID, err)
	}
	return nil
}

// IngestMessage caches a confirmed message (idempotent). Optimistic entries
// are skipped until the server assigns their id.
func (e *Engine) IngestMessage(m chat.Message) error {
	err := e.db.UpsertMessage(m)
	if errors.Is(err, cache.ErrUnconfirmed) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("upsert message %d: %w", m.ID, err)
	}
	return nil
}

// IngestHistory caches a history batch in one transaction and returns the
// number of rows written.
func (e *Engine) IngestHistory(h store.HistoryLoaded) (int, error) {
	n, err := e.db.BulkUpsertMessages(h.Messages)
	if err != nil {
		return 0, fmt.Errorf("history batch for conversation %d: %w", h.ConversationID, err)
	}
	return n, nil
}

// IngestResync records the checkpoint of a resync that completed cleanly.
// A partial resync leaves the previous checkpoint in place.
func (e *Engine) IngestResync(r dispatch.ResyncResult) error {
	if r.Err != "" {
		return nil
	}
	if err := e.db.RecordResync(r.At); err != nil {
		return fmt.Errorf("record resync: %w", err)
	}
	return nil
}
