package proxy

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"sort"

	"github.com/sentinel-proxy/sentinel/detection"
)

// Fingerprint is the composite client identity the pipeline derives from a
// request's transport and header shape, independent of any application
// credential.
type Fingerprint struct {
	ClientIP       string
	TLSHash        string
	HeaderOrder    string
	UserAgent      string
	AcceptLanguage string
	AcceptEncoding string
}

// NewFingerprint builds a Fingerprint for r as seen from clientIP. tlsHash
// is a pre-computed TLS fingerprint (e.g. JA3) if the edge terminating TLS
// supplied one; empty otherwise.
func NewFingerprint(r *http.Request, clientIP, tlsHash string) Fingerprint {
	return Fingerprint{
		ClientIP:       clientIP,
		TLSHash:        tlsHash,
		HeaderOrder:    detection.HeaderOrderHash(headerNames(r)),
		UserAgent:      r.Header.Get("User-Agent"),
		AcceptLanguage: r.Header.Get("Accept-Language"),
		AcceptEncoding: r.Header.Get("Accept-Encoding"),
	}
}

// CompositeID is the SHA-256 over the fingerprint's concatenated fields,
// truncated to 16 hex characters and prefixed with the client IP so two
// fingerprints for different IPs never collide even if every other field
// matches.
func (f Fingerprint) CompositeID() string {
	h := sha256.New()
	h.Write([]byte(f.ClientIP))
	h.Write([]byte{0})
	h.Write([]byte(f.TLSHash))
	h.Write([]byte{0})
	h.Write([]byte(f.HeaderOrder))
	h.Write([]byte{0})
	h.Write([]byte(f.UserAgent))
	h.Write([]byte{0})
	h.Write([]byte(f.AcceptLanguage))
	h.Write([]byte{0})
	h.Write([]byte(f.AcceptEncoding))
	sum := hex.EncodeToString(h.Sum(nil))
	return f.ClientIP + ":" + sum[:16]
}

// headerNames returns the request's header names, sorted. net/http's
// Request.Header is a map and doesn't preserve wire order, so this hashes
// the header *set* rather than true arrival order — still a stable
// per-client-stack shape (which headers a given HTTP library sends), just
// not sensitive to the order a proxy in front of us may have already
// reordered them in.
func headerNames(r *http.Request) []string {
	names := make([]string, 0, len(r.Header))
	for name := range r.Header {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
