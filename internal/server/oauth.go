package server

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ceedaragents/cyrus/internal/common/logger"
)

// oauthTimeout bounds how long a caller waits for the provider redirect.
const oauthTimeout = 5 * time.Minute

// OAuthReceiver accepts provider redirects on /callback and hands the query
// parameters to the waiter that initiated the flow, matched by state.
type OAuthReceiver struct {
	logger *logger.Logger

	mu      sync.Mutex
	waiters map[string]chan url.Values
}

func NewOAuthReceiver(log *logger.Logger) *OAuthReceiver {
	return &OAuthReceiver{
		logger:  log.WithFields(zap.String("component", "oauth")),
		waiters: make(map[string]chan url.Values),
	}
}

// Register attaches the callback route.
func (o *OAuthReceiver) Register(r gin.IRouter) {
	r.GET("/callback", o.handleCallback)
}

func (o *OAuthReceiver) handleCallback(c *gin.Context) {
	state := c.Query("state")

	o.mu.Lock()
	ch, ok := o.waiters[state]
	if ok {
		delete(o.waiters, state)
	}
	o.mu.Unlock()

	if !ok {
		o.logger.Warn("oauth callback with no pending flow",
			zap.String("state", state))
		c.String(http.StatusNotFound, "No authorization flow is waiting for this callback.")
		return
	}

	ch <- c.Request.URL.Query()
	c.String(http.StatusOK, "Authorization received. You can close this window.")
}

// Wait blocks until the provider redirects back with the given state, the
// timeout elapses, or ctx is cancelled.
func (o *OAuthReceiver) Wait(ctx context.Context, state string) (url.Values, error) {
	ch := make(chan url.Values, 1)

	o.mu.Lock()
	if _, dup := o.waiters[state]; dup {
		o.mu.Unlock()
		return nil, fmt.Errorf("an authorization flow with state %q is already pending", state)
	}
	o.waiters[state] = ch
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.waiters, state)
		o.mu.Unlock()
	}()

	timer := time.NewTimer(oauthTimeout)
	defer timer.Stop()

	select {
	case params := <-ch:
		return params, nil
	case <-timer.C:
		return nil, fmt.Errorf("authorization timed out after %s", oauthTimeout)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
