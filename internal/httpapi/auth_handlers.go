package httpapi

import (
	"net/http"
	"strings"
	"time"

	"healthlock.org/internal/auth"
)

const tokenTTL = 15 * time.Minute

type tokenRequest struct {
	Subject string `json:"subject"`
}

type tokenResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"`
}

// handleToken mints a short-lived bearer token for the given subject.
// Proving possession of the subject's key happens upstream (the
// authentication collaborator); this endpoint only exchanges a
// verified identity for a session token.
func (a *API) handleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	subject := strings.TrimSpace(req.Subject)
	if subject == "" {
		writeError(w, r, http.StatusBadRequest, "subject is required")
		return
	}
	if len(subject) > 128 {
		writeError(w, r, http.StatusBadRequest, "subject too long")
		return
	}

	token, err := auth.GenerateToken(subject, tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token issuance failed")
		return
	}

	a.audit(r.Context(), "auth.token.issue", "identity", subject, nil)

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		TokenType: "Bearer",
		ExpiresIn: int64(tokenTTL.Seconds()),
	})
}
