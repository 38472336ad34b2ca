package auth

import (
	"net/http"
	"strings"
)

// TokenFromCookie extracts the session token from the named cookie of r
func TokenFromCookie(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// TokenFromRequest extracts the session token for REST calls: the session cookie
// first, then an "Authorization: Bearer" header. The WebSocket handshake uses
// TokenFromCookie only, since browsers cannot set headers on an upgrade.
func TokenFromRequest(r *http.Request, cookieName string) string {
	if token := TokenFromCookie(r, cookieName); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return ""
}

// SessionCookie builds the cookie a login surface would set for token
func SessionCookie(cookieName, token string, maxAgeSeconds int) *http.Cookie {
	return &http.Cookie{
		Name:     cookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   maxAgeSeconds,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}
}
