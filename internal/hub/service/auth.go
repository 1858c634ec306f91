package service

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"

	"github.com/fleetsend/fleetsend/internal/hub/store"
)

var errNoToken = errors.New("missing bearer token")

// HashToken returns the hex SHA-256 digest under which a bearer token
// is stored. Tokens never hit the database in the clear.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// authUser resolves the request's bearer token to a user.
func (s *service) authUser(r *http.Request) (store.User, error) {
	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		return store.User{}, errNoToken
	}
	return s.cfg.Queries.GetUserByToken(r.Context(), HashToken(token))
}

func (s *service) requireUser(w http.ResponseWriter, r *http.Request) (store.User, bool) {
	u, err := s.authUser(r)
	switch {
	case errors.Is(err, errNoToken):
		writeError(w, http.StatusUnauthorized, "missing bearer token")
		return store.User{}, false
	case errors.Is(err, sql.ErrNoRows):
		writeError(w, http.StatusUnauthorized, "invalid_token")
		return store.User{}, false
	case err != nil:
		writeError(w, http.StatusInternalServerError, "auth lookup failed")
		return store.User{}, false
	}
	return u, true
}
