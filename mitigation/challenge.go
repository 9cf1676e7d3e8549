package mitigation

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ChallengeCookie is the name of the cookie a solved challenge is stored
// under.
const ChallengeCookie = "sentinel_challenge"

// ChallengeTTL bounds how long a solved token remains valid.
const ChallengeTTL = time.Hour

// ChallengeManager issues and verifies the HMAC-signed, proof-of-work
// browser challenge served at the js_challenge protection level.
type ChallengeManager struct {
	secret []byte
}

// NewChallengeManager creates a ChallengeManager signing with secret (the
// configured JWT secret).
func NewChallengeManager(secret string) *ChallengeManager {
	return &ChallengeManager{secret: []byte(secret)}
}

// Verify reports whether cookie is a validly solved, unexpired challenge
// token for clientIP. The token format is
// "ip:nonce:ts:hmac:pow_nonce".
func (c *ChallengeManager) Verify(cookie, clientIP string) bool {
	parts := strings.Split(cookie, ":")
	if len(parts) != 5 {
		return false
	}
	ip, nonce, ts, sig, powNonce := parts[0], parts[1], parts[2], parts[3], parts[4]
	if ip != clientIP {
		return false
	}

	issued, err := strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return false
	}
	if time.Now().Unix()-issued > int64(ChallengeTTL.Seconds()) {
		return false
	}

	original := fmt.Sprintf("%s:%s:%s", ip, nonce, ts)
	expected := c.sign(original)
	if !hmac.Equal([]byte(sig), []byte(expected)) {
		return false
	}

	fullToken := original + ":" + sig
	powHash := sha256Hex(fullToken + ":" + powNonce)
	return strings.HasPrefix(powHash, "00")
}

// Issue generates a fresh challenge token tied to clientIP, to be embedded
// in the challenge page's proof-of-work script.
func (c *ChallengeManager) Issue(clientIP string) string {
	nonce := randomHex(16)
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	data := fmt.Sprintf("%s:%s:%s", clientIP, nonce, ts)
	sig := c.sign(data)
	return data + ":" + sig
}

func (c *ChallengeManager) sign(data string) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

func sha256Hex(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// ServeChallengePage writes the 503 challenge HTML page embedding token's
// client-side proof-of-work solver.
func (c *ChallengeManager) ServeChallengePage(w http.ResponseWriter, token string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = challengePageTemplate.Execute(w, challengePageData{
		Token:      token,
		Cookie:     ChallengeCookie,
		MaxAgeSecs: int(ChallengeTTL.Seconds()),
	})
}

type challengePageData struct {
	Token      string
	Cookie     string
	MaxAgeSecs int
}

var challengePageTemplate = template.Must(template.New("challenge").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <title>Checking your browser — Sentinel</title>
    <style>
        body {
            background: #0d1117; color: #c9d1d9;
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', sans-serif;
            display: flex; align-items: center; justify-content: center;
            height: 100vh; margin: 0;
        }
        .container { text-align: center; }
        .spinner {
            border: 4px solid #30363d; border-top: 4px solid #58a6ff;
            border-radius: 50%; width: 48px; height: 48px;
            animation: spin 1s linear infinite; margin: 20px auto;
        }
        @keyframes spin { 100% { transform: rotate(360deg); } }
        h1 { font-size: 1.5rem; margin-bottom: 8px; }
        p { color: #8b949e; }
    </style>
</head>
<body>
    <div class="container">
        <h1>Sentinel Protection</h1>
        <div class="spinner"></div>
        <p>Checking your browser before accessing the site…</p>
        <p id="status">Solving challenge…</p>
    </div>
    <script>
        (async function() {
            const token = "{{.Token}}";
            let nonce = 0;
            while (true) {
                const data = token + ":" + nonce;
                const hash = await crypto.subtle.digest(
                    "SHA-256",
                    new TextEncoder().encode(data)
                );
                const hex = Array.from(new Uint8Array(hash))
                    .map(b => b.toString(16).padStart(2, '0')).join('');
                if (hex.startsWith("00")) {
                    document.cookie = "{{.Cookie}}=" + token
                        + ":" + nonce
                        + "; path=/; max-age={{.MaxAgeSecs}}; SameSite=Lax";
                    document.getElementById("status").textContent = "Verified! Redirecting…";
                    setTimeout(() => location.reload(), 500);
                    return;
                }
                nonce++;
                if (nonce % 10000 === 0) {
                    document.getElementById("status").textContent =
                        "Solving challenge… (" + nonce + " attempts)";
                    await new Promise(r => setTimeout(r, 0));
                }
            }
        })();
    </script>
</body>
</html>`))
