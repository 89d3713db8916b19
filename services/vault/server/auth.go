package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"loopvault/observability/logging"
)

// authenticator enforces bearer token authentication on mutating routes.
// With no tokens configured the surface is open; deployments are expected to
// configure at least one token outside of local development.
type authenticator struct {
	tokens []string
	log    *slog.Logger
}

func newAuthenticator(tokens []string, log *slog.Logger) *authenticator {
	cleaned := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if trimmed := strings.TrimSpace(token); trimmed != "" {
			cleaned = append(cleaned, trimmed)
		}
	}
	if log == nil {
		log = slog.Default()
	}
	return &authenticator{tokens: cleaned, log: log}
}

func (a *authenticator) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(a.tokens) == 0 {
			next.ServeHTTP(w, r)
			return
		}
		presented := bearerToken(r)
		if presented == "" {
			writeErrorMessage(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		for _, token := range a.tokens {
			if subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1 {
				next.ServeHTTP(w, r)
				return
			}
		}
		a.log.Warn("rejected bearer token", "token", logging.MaskValue(presented))
		writeErrorMessage(w, http.StatusUnauthorized, "invalid bearer token")
	})
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if header == "" {
		return ""
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}
