package handler

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/go-faster/errors"

	"github.com/petalmarket/checkout/internal/domain/auth"
)

// actorFunc is an HTTP handler that receives the resolved caller identity.
type actorFunc func(w http.ResponseWriter, r *http.Request, actor auth.Actor)

// withActor resolves the request identity before invoking the handler.
// An `Authorization` header carries an API key, hashed and looked up as a
// registered principal; otherwise `X-Session-ID` identifies an anonymous
// session. Requests with neither, or with an unknown key, get a uniform 401.
func (h *Handler) withActor(next actorFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := h.resolveActor(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, auth.ErrUnauthenticated.Error())
			return
		}
		next(w, r, actor)
	}
}

func (h *Handler) resolveActor(r *http.Request) (auth.Actor, error) {
	if key := apiKey(r); key != "" {
		sum := sha256.Sum256([]byte(key))
		p, err := h.principals.FindByHash(r.Context(), hex.EncodeToString(sum[:]))
		if err != nil {
			return auth.Actor{}, errors.Wrap(err, "lookup principal")
		}
		return auth.Actor{
			PrincipalID: p.ID,
			Email:       p.Email,
			Staff:       p.Staff,
			Vendor:      p.Vendor,
		}, nil
	}

	if session := r.Header.Get("X-Session-ID"); session != "" {
		return auth.Actor{SessionID: session}, nil
	}

	return auth.Actor{}, auth.ErrUnauthenticated
}

func apiKey(r *http.Request) string {
	v := r.Header.Get("Authorization")
	v = strings.TrimPrefix(v, "Bearer ")
	return strings.TrimSpace(v)
}
