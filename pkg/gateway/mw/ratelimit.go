package mw

import (
	"net/http"
	"time"

	"github.com/vango-go/vai-speech/pkg/gateway/apierror"
	"github.com/vango-go/vai-speech/pkg/gateway/config"
	"github.com/vango-go/vai-speech/pkg/gateway/principal"
	"github.com/vango-go/vai-speech/pkg/gateway/ratelimit"
)

// RateLimit spends a token of the client's bucket on plain /v1 requests.
// Websocket upgrades are admitted by the live handler, which also holds the
// session permit.
func RateLimit(cfg config.Config, limiter *ratelimit.Limiter, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || !isV1Path(r.URL.Path) || isWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}

		client := principal.Resolve(r, cfg.TrustProxyHeaders)
		dec := limiter.Allow(client.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			retry := dec.RetryAfter
			apierror.Write(w, &apierror.Error{
				Type:       apierror.ErrRateLimit,
				Message:    "rate limit exceeded",
				Code:       dec.Reason,
				RequestID:  reqID,
				RetryAfter: &retry,
			})
			return
		}

		next.ServeHTTP(w, r)
	})
}
