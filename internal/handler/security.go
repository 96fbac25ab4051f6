package handler

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/bistro/internal/domain/auth"
)

// APIKeyHeader carries the caller's API key.
const APIKeyHeader = "api_key"

// HashAPIKey returns the hex HMAC-SHA256 of key under pepper, the form in
// which keys are stored.
func HashAPIKey(pepper []byte, key string) string {
	mac := hmac.New(sha256.New, pepper)
	mac.Write([]byte(key))
	return hex.EncodeToString(mac.Sum(nil))
}

// authenticated resolves the api_key header to a principal stored in the
// request context.
func (h *Handler) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(APIKeyHeader)
		if key == "" {
			writeError(w, http.StatusUnauthorized, "api key is required")
			return
		}
		hash := HashAPIKey(h.cfg.APIKeyPepper, key)

		info, err := h.apikeys.FindByHash(r.Context(), hash)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				writeError(w, http.StatusUnauthorized, "invalid api key")
				return
			}
			zctx.From(r.Context()).Error("Find api key", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		// The stored row must hash to exactly what was presented.
		if subtle.ConstantTimeCompare([]byte(hash), []byte(info.KeyHash)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}

		ctx := auth.WithPrincipal(r.Context(), auth.Principal{UserID: info.UserID, Role: info.Role})
		ctx = zctx.With(ctx, zap.String("user_id", info.UserID))
		next(w, r.WithContext(ctx))
	}
}

// adminOnly rejects principals without the elevated role.
func (h *Handler) adminOnly(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFrom(r.Context())
		if !ok || !p.Role.Elevated() {
			writeError(w, http.StatusForbidden, "admin role required")
			return
		}
		next(w, r)
	}
}

// principal must only be called behind authenticated.
func principal(r *http.Request) auth.Principal {
	p, _ := auth.PrincipalFrom(r.Context())
	return p
}
