package gateway

import (
	"net/http"
	"time"
)

// Cookie names shared between the auth handlers and the SPA's browser.
const (
	VerifierCookie = "pkce_verifier"
	RefreshCookie  = "refresh_token"
)

// Codec writes and reads the gateway's two session cookies. Values are opaque
// secrets; the codec is transport only and never inspects what it carries.
// The SPA lives on a different origin, so SameSite=None with Secure is required
// for the cookies to ride along on cross-site fetches.
type Codec struct {
	domain string
}

// NewCodec returns a codec scoping cookies to the given domain. An empty domain
// leaves cookies host-only.
func NewCodec(domain string) *Codec {
	return &Codec{domain: domain}
}

// Write sets a cookie with the gateway's fixed attribute set. A non-positive ttl
// clears the cookie immediately.
func (c *Codec) Write(w http.ResponseWriter, name, value string, ttl time.Duration) {
	cookie := &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
		MaxAge:   int(ttl.Seconds()),
	}
	if ttl <= 0 {
		cookie.Value = ""
		cookie.MaxAge = -1
	}
	http.SetCookie(w, cookie)
}

// WriteSession sets a cookie without an explicit lifetime; it lasts until the
// browser session ends.
func (c *Codec) WriteSession(w http.ResponseWriter, name, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		Domain:   c.domain,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteNoneMode,
	})
}

// Clear removes the named cookie.
func (c *Codec) Clear(w http.ResponseWriter, name string) {
	c.Write(w, name, "", 0)
}

// Read returns the named cookie's value. Absence is a valid state meaning no
// active flow or session, so it is reported as a boolean rather than an error.
func (c *Codec) Read(r *http.Request, name string) (string, bool) {
	cookie, err := r.Cookie(name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}
