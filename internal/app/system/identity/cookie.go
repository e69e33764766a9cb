// internal/app/system/identity/cookie.go
package identity

import (
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/securecookie"
)

// HandleCookie stores the opaque session handle in a signed, encrypted cookie.
type HandleCookie struct {
	name   string
	codec  *securecookie.SecureCookie
	secure bool
	maxAge time.Duration
}

// NewHandleCookie signs with key and encrypts with a key derived from it.
func NewHandleCookie(name string, key []byte, secure bool, maxAge time.Duration) *HandleCookie {
	block := sha256.Sum256(append([]byte("crewhub-session-enc:"), key...))
	codec := securecookie.New(key, block[:])
	codec.MaxAge(int(maxAge.Seconds()))
	return &HandleCookie{name: name, codec: codec, secure: secure, maxAge: maxAge}
}

// NewHandle returns a fresh random session handle.
func NewHandle() string { return uuid.NewString() }

// Read returns the handle carried by r, if any valid one is present.
func (c *HandleCookie) Read(r *http.Request) (string, bool) {
	ck, err := r.Cookie(c.name)
	if err != nil {
		return "", false
	}
	var handle string
	if err := c.codec.Decode(c.name, ck.Value, &handle); err != nil || handle == "" {
		return "", false
	}
	return handle, true
}

// Write sets the handle cookie on w.
func (c *HandleCookie) Write(w http.ResponseWriter, handle string) error {
	encoded, err := c.codec.Encode(c.name, handle)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    encoded,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(c.maxAge.Seconds()),
	})
	return nil
}

// Clear expires the handle cookie.
func (c *HandleCookie) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.name,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   c.secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
	})
}
