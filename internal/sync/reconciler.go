package sync

import (
	"fmt"
	"time"

	"github.com/matheus3301/medchat/internal/cache"
	"github.com/matheus3301/medchat/internal/store"
	"go.uber.org/zap"
)

// DefaultHydrateMessages is how many recent messages per conversation are
// loaded from the cache at startup.
const DefaultHydrateMessages = 50

// HydrateResult summarizes a cache warm-up.
type HydrateResult struct {
	Wiped         bool
	Conversations int
	Messages      int
	LastResync    time.Time
}

// Reconciler warms the in-memory store from the cache and owns the cache's
// user binding.
type Reconciler struct {
	db     *cache.DB
	logger *zap.Logger
}

// NewReconciler creates a new reconciler.
func NewReconciler(db *cache.DB, logger *zap.Logger) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{db: db, logger: logger.Named("reconciler")}
}

// Hydrate binds the cache to the store's user, wiping another user's data,
// and loads the cached conversations plus up to perConversation recent
// messages each into st. Cached data is stale by definition, so it is merged
// as a fetch and the next resync supersedes it.
func (r *Reconciler) Hydrate(st *store.Store, perConversation int) (HydrateResult, error) {
	var res HydrateResult
	if perConversation <= 0 {
		perConversation = DefaultHydrateMessages
	}

	wiped, err := r.db.ClaimFor(st.Self())
	if err != nil {
		return res, fmt.Errorf("claim cache: %w", err)
	}
	res.Wiped = wiped
	if wiped {
		r.logger.Info("cache belonged to another user, wiped", zap.Int64("user_id", st.Self()))
	}

	convs, err := r.db.ListConversations(0, 0)
	if err != nil {
		return res, fmt.Errorf("list cached conversations: %w", err)
	}
	for _, c := range convs {
		if err := st.UpsertConversation(c, store.SourceFetch); err != nil {
			r.logger.Warn("skipping cached conversation", zap.Int64("conversation_id", c.ID), zap.Error(err))
			continue
		}
		res.Conversations++

		msgs, err := r.db.ListMessages(c.ID, time.Time{}, perConversation)
		if err != nil {
			return res, fmt.Errorf("list cached messages for %d: %w", c.ID, err)
		}
		if len(msgs) > 0 {
			res.Messages += st.AppendHistory(c.ID, msgs)
		}
	}

	if res.LastResync, err = r.db.LastResync(); err != nil {
		return res, fmt.Errorf("read checkpoint: %w", err)
	}
	r.logger.Info("hydrated from cache",
		zap.Int("conversations", res.Conversations),
		zap.Int("messages", res.Messages),
		zap.Time("last_resync", res.LastResync),
	)
	return res, nil
}

// LastResync returns the checkpoint of the last clean resync.
func (r *Reconciler) LastResync() (time.Time, error) {
	return r.db.LastResync()
}
