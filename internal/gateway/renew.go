package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/dispatchdesk/console/internal/auth"
	"github.com/dispatchdesk/console/internal/metrics"
)

type renewRequest struct {
	Refresh string `json:"refresh"`
}

type renewResponse struct {
	Access string `json:"access"`
}

// AccessToken returns an access token suitable for transports that cannot
// replay on 401 (the push socket). A token already past its expiry is
// renewed first.
func (g *Gateway) AccessToken(ctx context.Context) (string, error) {
	cred := g.creds.Get()
	if !cred.HasAccess() {
		return "", ErrNoCredential
	}
	if !cred.HasRefresh() || !auth.Expired(cred.AccessToken, g.now(), expiryLeeway) {
		return cred.AccessToken, nil
	}
	return g.renew(ctx, cred.AccessToken)
}

// RenewAccessToken renews after a transport without replay (the push
// socket) was refused with stale. It shares any in-flight renewal with
// REST callers; without a refresh token it reports ErrNoCredential.
func (g *Gateway) RenewAccessToken(ctx context.Context, stale string) (string, error) {
	if !g.creds.Get().HasRefresh() {
		return "", ErrNoCredential
	}
	return g.renew(ctx, stale)
}

// Abandon detaches the gateway from the current session. In-flight
// renewals are cancelled and their results discarded, so nothing written
// after logout can resurrect the old session.
func (g *Gateway) Abandon() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.epoch++
	g.sessionCancel()
	g.sessionCtx, g.sessionCancel = context.WithCancel(context.Background())
}

// renew obtains a new access token, sharing one in-flight renewal among
// all concurrent callers. stale is the token the caller's request used.
func (g *Gateway) renew(ctx context.Context, stale string) (string, error) {
	// Someone else already renewed while this request was in flight
	if cur := g.creds.Get(); cur.HasAccess() && cur.AccessToken != stale {
		return cur.AccessToken, nil
	}

	g.mu.Lock()
	epoch := g.epoch
	sessionCtx := g.sessionCtx
	g.mu.Unlock()

	ch := g.renewals.DoChan(strconv.FormatUint(epoch, 10), func() (interface{}, error) {
		return g.doRenew(sessionCtx, epoch)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

func (g *Gateway) doRenew(sessionCtx context.Context, epoch uint64) (string, error) {
	// Cleared since the caller looked: logout or an earlier failed renewal
	// already ended the session
	refresh := g.creds.Get().RefreshToken
	if refresh == "" {
		return "", &SessionExpiredError{Cause: ErrNoCredential}
	}

	ctx, cancel := context.WithTimeout(sessionCtx, g.timeout)
	defer cancel()

	req, err := NewJSONRequest(http.MethodPost, g.refreshPath, renewRequest{Refresh: refresh})
	if err != nil {
		return "", err
	}

	resp, err := g.send(ctx, req, "")
	if err != nil {
		if sessionCtx.Err() != nil {
			metrics.IncrementRenewal("abandoned")
			return "", &SessionExpiredError{Cause: ErrSessionEnded}
		}
		metrics.IncrementRenewal("connectivity")
		return "", g.expire(epoch, err)
	}
	if err := resp.Err(); err != nil {
		metrics.IncrementRenewal("rejected")
		return "", g.expire(epoch, err)
	}

	var body renewResponse
	if err := resp.Decode(&body); err != nil || body.Access == "" {
		metrics.IncrementRenewal("rejected")
		return "", g.expire(epoch, fmt.Errorf("renewal response carried no access token: %w", errors.Join(err, ErrUnauthorized)))
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.epoch != epoch {
		metrics.IncrementRenewal("abandoned")
		return "", &SessionExpiredError{Cause: ErrSessionEnded}
	}
	if err := g.creds.SetAccess(body.Access); err != nil {
		// The in-memory credential is updated; only persistence failed
		g.logger.Warn("renewed token not persisted", zap.Error(err))
	}

	metrics.IncrementRenewal("success")
	g.logger.Info("access token renewed")
	return body.Access, nil
}

// expire ends the session after a failed renewal: credentials are cleared
// and the session-expired handlers run.
func (g *Gateway) expire(epoch uint64, cause error) error {
	g.mu.Lock()
	if g.epoch != epoch {
		g.mu.Unlock()
		return &SessionExpiredError{Cause: ErrSessionEnded}
	}
	handlers := append([]func(error){}, g.onExpired...)
	g.mu.Unlock()

	if err := g.creds.Clear(); err != nil {
		g.logger.Error("failed to clear credentials after renewal failure", zap.Error(err))
	}

	expired := &SessionExpiredError{Cause: cause}
	g.logger.Warn("session expired", zap.Error(cause))
	for _, fn := range handlers {
		fn(expired)
	}
	return expired
}
