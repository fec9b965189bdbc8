package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/matheus3301/medchat/internal/config"
	"github.com/matheus3301/medchat/internal/conn"
	"github.com/matheus3301/medchat/internal/store"
	intsync "github.com/matheus3301/medchat/internal/sync"
	"go.uber.org/zap"
)

// Controller signs the session in and out. It owns the credential handed to
// the connection manager and the REST client, and swaps the store over to a
// new user when the identity changes.
type Controller struct {
	mgr     *conn.Manager
	store   *store.Store
	sess    resetter
	rest    tokenSetter
	recon   *intsync.Reconciler
	envPath string
	cached  int
	logger  *zap.Logger

	mu    sync.Mutex
	creds config.Credentials
}

type tokenSetter interface {
	SetToken(token string)
}

// resetter drops per-user dispatch state. *dispatch.Dispatcher implements it.
type resetter interface {
	Reset()
}

// NewController creates a controller. creds are the credentials from the
// environment, used when Login is called without any. recon may be nil.
func NewController(mgr *conn.Manager, st *store.Store, sess resetter, rest tokenSetter, recon *intsync.Reconciler, creds config.Credentials, envPath string, cached int, logger *zap.Logger) *Controller {
	return &Controller{
		mgr:     mgr,
		store:   st,
		sess:    sess,
		rest:    rest,
		recon:   recon,
		envPath: envPath,
		cached:  cached,
		logger:  logger.Named("session"),
		creds:   creds,
	}
}

// Login connects as creds. Empty credentials reuse the last known ones. When
// save is set the credentials are written to the session's .env file.
func (c *Controller) Login(_ context.Context, creds config.Credentials, save bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if creds == (config.Credentials{}) {
		creds = c.creds
	}
	if !creds.Complete() {
		return fmt.Errorf("%w: user id and token are required", conn.ErrUnauthenticated)
	}

	if creds.UserID != c.store.Self() {
		c.logger.Info("switching user", zap.Int64("from", c.store.Self()), zap.Int64("to", creds.UserID))
		c.mgr.Disconnect("user changed")
		c.sess.Reset()
		c.store.Reset(creds.UserID)
		if c.recon != nil {
			res, err := c.recon.Hydrate(c.store, c.cached)
			if err != nil {
				c.logger.Warn("cache hydrate failed", zap.Error(err))
			} else {
				c.logger.Info("hydrated from cache",
					zap.Bool("wiped", res.Wiped),
					zap.Int("conversations", res.Conversations),
					zap.Int("messages", res.Messages),
				)
			}
		}
	}

	c.rest.SetToken(creds.Token)
	if err := c.mgr.Connect(conn.Credentials{UserID: creds.UserID, Token: creds.Token}); err != nil {
		return err
	}
	c.creds = creds

	if save {
		if err := config.SaveCredentials(c.envPath, creds); err != nil {
			return fmt.Errorf("save credentials: %w", err)
		}
		c.logger.Info("credentials saved", zap.String("path", c.envPath))
	}
	return nil
}

// Logout closes the connection and forgets the token. Unacknowledged sends are
// failed; cached data stays until another user signs in.
func (c *Controller) Logout(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mgr.Disconnect("logout")
	c.sess.Reset()
	c.rest.SetToken("")
	c.creds.Token = ""
	return nil
}
