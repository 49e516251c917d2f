package mcpwire

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Credential produces the authorization value attached to outgoing
// requests. Refresh renews a renewable credential; static credentials
// report that they cannot be refreshed.
type Credential interface {
	Authorization(ctx context.Context, msg Message) (string, error)
	Refresh(ctx context.Context) error
}

var errNotRefreshable = errors.New("credential cannot be refreshed")

// BearerCredential is a static bearer token.
type BearerCredential struct {
	Token string
}

// Authorization returns the standard bearer scheme value.
func (c *BearerCredential) Authorization(ctx context.Context, msg Message) (string, error) {
	if c.Token == "" {
		return "", &AuthenticationError{Message: "bearer token is empty"}
	}
	return "Bearer " + c.Token, nil
}

// Refresh fails; a static token has nothing to renew.
func (c *BearerCredential) Refresh(ctx context.Context) error { return errNotRefreshable }

// BasicCredential is a static username and password pair.
type BasicCredential struct {
	Username string
	Password string
}

// Authorization returns the standard basic scheme value.
func (c *BasicCredential) Authorization(ctx context.Context, msg Message) (string, error) {
	if c.Username == "" {
		return "", &AuthenticationError{Message: "username is empty"}
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(c.Username + ":" + c.Password))
	return "Basic " + encoded, nil
}

// Refresh fails; a static pair has nothing to renew.
func (c *BasicCredential) Refresh(ctx context.Context) error { return errNotRefreshable }

// APIKeyCredential is a static opaque key.
type APIKeyCredential struct {
	Key string
}

// Authorization returns the key under the ApiKey scheme.
func (c *APIKeyCredential) Authorization(ctx context.Context, msg Message) (string, error) {
	if c.Key == "" {
		return "", &AuthenticationError{Message: "api key is empty"}
	}
	return "ApiKey " + c.Key, nil
}

// Refresh fails; a static key has nothing to renew.
func (c *APIKeyCredential) Refresh(ctx context.Context) error { return errNotRefreshable }

// HMACCredential signs each request so the server can verify both the
// caller identity and that the payload was not altered in flight.
type HMACCredential struct {
	KeyID  string
	Secret []byte

	// now is swappable for tests.
	now func() time.Time
}

// NewHMACCredential creates a request-signing credential.
func NewHMACCredential(keyID string, secret []byte) *HMACCredential {
	return &HMACCredential{KeyID: keyID, Secret: secret, now: time.Now}
}

// Authorization computes an HMAC-SHA256 signature over the method, the
// parameters, and a timestamp, newline-separated. The timestamp is
// included in the scheme value so the server can reject stale
// signatures.
func (c *HMACCredential) Authorization(ctx context.Context, msg Message) (string, error) {
	if len(c.Secret) == 0 {
		return "", &AuthenticationError{Message: "hmac secret is empty"}
	}

	ts := strconv.FormatInt(c.now().Unix(), 10)

	mac := hmac.New(sha256.New, c.Secret)
	mac.Write([]byte(msg.Method))
	mac.Write([]byte{'\n'})
	mac.Write(msg.Params)
	mac.Write([]byte{'\n'})
	mac.Write([]byte(ts))
	signature := hex.EncodeToString(mac.Sum(nil))

	return fmt.Sprintf("HMAC keyId=%s,ts=%s,signature=%s", c.KeyID, ts, signature), nil
}

// Refresh fails; signatures are derived per request.
func (c *HMACCredential) Refresh(ctx context.Context) error { return errNotRefreshable }

// JWTCredential mints short-lived HS256 tokens and renews them on
// demand. Refresh forces a new token even before expiry, for recovering
// from server-side revocation.
type JWTCredential struct {
	Secret   []byte
	Subject  string
	Issuer   string
	Lifetime time.Duration

	mu        sync.Mutex
	token     string
	expiresAt time.Time

	now func() time.Time
}

// NewJWTCredential creates a self-renewing token credential. A zero
// lifetime defaults to one hour.
func NewJWTCredential(secret []byte, subject, issuer string, lifetime time.Duration) *JWTCredential {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	return &JWTCredential{
		Secret:   secret,
		Subject:  subject,
		Issuer:   issuer,
		Lifetime: lifetime,
		now:      time.Now,
	}
}

// Authorization returns a bearer value holding a live token, minting a
// new one when the cached token is within a minute of expiry.
func (c *JWTCredential) Authorization(ctx context.Context, msg Message) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token == "" || c.now().Add(time.Minute).After(c.expiresAt) {
		if err := c.mintLocked(); err != nil {
			return "", err
		}
	}
	return "Bearer " + c.token, nil
}

// Refresh discards the cached token and mints a fresh one.
func (c *JWTCredential) Refresh(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mintLocked()
}

// mintLocked must be called with c.mu held.
func (c *JWTCredential) mintLocked() error {
	if len(c.Secret) == 0 {
		return &AuthenticationError{Message: "jwt secret is empty"}
	}

	now := c.now()
	expiresAt := now.Add(c.Lifetime)

	claims := jwt.RegisteredClaims{
		Subject:   c.Subject,
		Issuer:    c.Issuer,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.Secret)
	if err != nil {
		return &AuthenticationError{Message: fmt.Sprintf("failed to sign token: %v", err)}
	}

	c.token = token
	c.expiresAt = expiresAt
	return nil
}

// AuthMiddleware attaches a credential to every outgoing request and
// retries exactly once with a refreshed credential when the server
// rejects it. A second rejection, or an unrefreshable credential,
// surfaces as *AuthenticationError.
type AuthMiddleware struct {
	PassthroughMiddleware

	credential Credential
}

// NewAuthMiddleware creates an auth middleware around a credential.
func NewAuthMiddleware(credential Credential) *AuthMiddleware {
	return &AuthMiddleware{credential: credential}
}

// ProcessRequest injects the authorization value into the request's
// _meta parameters and handles credential rejection.
func (m *AuthMiddleware) ProcessRequest(ctx context.Context, rc *RequestContext, msg Message, next Next) (Message, error) {
	signed, err := m.sign(ctx, msg)
	if err != nil {
		return Message{}, err
	}

	resp, err := next(ctx, rc, signed)
	if err == nil {
		return resp, nil
	}
	if !isCredentialRejection(err) {
		return Message{}, err
	}

	if rErr := m.credential.Refresh(ctx); rErr != nil {
		return Message{}, &AuthenticationError{Message: fmt.Sprintf("credential rejected and refresh failed: %v", err)}
	}
	rc.Metadata["auth.refreshed"] = true

	signed, err = m.sign(ctx, msg)
	if err != nil {
		return Message{}, err
	}
	resp, err = next(ctx, rc, signed)
	if err == nil {
		return resp, nil
	}
	if isCredentialRejection(err) {
		return Message{}, &AuthenticationError{Message: fmt.Sprintf("credential rejected after refresh: %v", err)}
	}
	return Message{}, err
}

// sign rewrites the request params so _meta.authorization carries the
// credential, preserving the caller's own parameters.
func (m *AuthMiddleware) sign(ctx context.Context, msg Message) (Message, error) {
	value, err := m.credential.Authorization(ctx, msg)
	if err != nil {
		return Message{}, err
	}

	params := map[string]any{}
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return Message{}, fmt.Errorf("failed to decode params for signing: %w", err)
		}
	}

	meta, _ := params["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["authorization"] = value
	params["_meta"] = meta

	bs, err := json.Marshal(params)
	if err != nil {
		return Message{}, fmt.Errorf("failed to encode signed params: %w", err)
	}

	msg.Params = bs
	return msg, nil
}

func isCredentialRejection(err error) bool {
	var srvErr *ServerError
	if errors.As(err, &srvErr) {
		return srvErr.Code == 401 || srvErr.Code == 403
	}
	return false
}
