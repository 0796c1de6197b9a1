package handlers

import (
	"context"
	"net/http"

	"github.com/vango-go/vai-speech/pkg/gateway/apierror"
	"github.com/vango-go/vai-speech/pkg/gateway/mw"
)

func writeAPIError(w http.ResponseWriter, r *http.Request, e *apierror.Error) {
	if e != nil && e.RequestID == "" {
		e.RequestID, _ = mw.RequestIDFrom(r.Context())
	}
	apierror.Write(w, e)
}

func requestIDFromContext(ctx context.Context) string {
	if id, ok := mw.RequestIDFrom(ctx); ok {
		return id
	}
	return ""
}
