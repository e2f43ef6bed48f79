package exchange

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Credentials is one (user, account) API key pair. Loaded once from the
// credential store; never logged.
type Credentials struct {
	APIKey    string
	APISecret string
}

// Auth signs REST requests and produces the private-stream auth payload.
//
// REST signature: HMAC-SHA256 hex over timestamp + apiKey + recvWindow +
// payload, where payload is the sorted url-encoded query string for GET and
// the exact JSON body for POST.
//
// Stream signature: HMAC-SHA256 hex over "GET/realtime" + expires.
type Auth struct {
	creds      Credentials
	recvWindow int // milliseconds
}

// NewAuth creates an Auth for one credential pair.
func NewAuth(creds Credentials, recvWindowMS int) *Auth {
	if recvWindowMS <= 0 {
		recvWindowMS = 5000
	}
	return &Auth{creds: creds, recvWindow: recvWindowMS}
}

// APIKey returns the key this Auth signs with.
func (a *Auth) APIKey() string { return a.creds.APIKey }

// RecvWindow returns the recv_window in milliseconds.
func (a *Auth) RecvWindow() int { return a.recvWindow }

// Headers builds the signed header set for one request. timestampMS is the
// request timestamp in epoch milliseconds; payload is the query string (GET)
// or JSON body (POST).
func (a *Auth) Headers(timestampMS int64, payload string) map[string]string {
	ts := strconv.FormatInt(timestampMS, 10)
	rw := strconv.Itoa(a.recvWindow)
	return map[string]string{
		"X-BAPI-API-KEY":     a.creds.APIKey,
		"X-BAPI-SIGN":        a.sign(ts + a.creds.APIKey + rw + payload),
		"X-BAPI-SIGN-TYPE":   "2",
		"X-BAPI-TIMESTAMP":   ts,
		"X-BAPI-RECV-WINDOW": rw,
	}
}

// WSSignature signs the private-stream auth challenge for the given expiry
// (epoch milliseconds).
func (a *Auth) WSSignature(expiresMS int64) string {
	return a.sign("GET/realtime" + strconv.FormatInt(expiresMS, 10))
}

func (a *Auth) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(a.creds.APISecret))
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}
