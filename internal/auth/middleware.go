// Package auth identifies buyers by their wallet: every user request carries
// an EIP-191 signed envelope naming the action, the resource and a one-time
// nonce. Operator endpoints use a shared admin key instead.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
)

const (
	HeaderWallet    = "X-Wallet-Address"
	HeaderMessage   = "X-Signed-Message"
	HeaderSignature = "X-Wallet-Signature"
	HeaderAdminKey  = "X-Admin-Key"

	walletKey  = "wallet_address"
	payloadKey = "signed_payload"

	maxFutureWindow = 5 * time.Minute
	noncePrefix     = "auth:nonce:"
)

// SignedRequest is the JSON envelope carried base64-encoded in
// X-Signed-Message. Keys are sorted so clients can sign a canonical form.
type SignedRequest struct {
	Action     string          `json:"action"`
	ExpiresAt  int64           `json:"expires_at"`
	Nonce      string          `json:"nonce"`
	Payload    json.RawMessage `json:"payload"`
	ResourceID string          `json:"resource_id"`
}

func deny(c *gin.Context, status int, msg string) {
	c.AbortWithStatusJSON(status, gin.H{"error": msg})
}

// Wallet authenticates a signed request for action. When the route has an
// :id parameter the envelope's resource_id must match it. On success the
// checksum wallet and the signed payload are stored on the context.
func Wallet(rdb *redis.Client, action string) gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet := c.GetHeader(HeaderWallet)
		encoded := c.GetHeader(HeaderMessage)
		sig := c.GetHeader(HeaderSignature)
		if wallet == "" || encoded == "" || sig == "" {
			deny(c, http.StatusUnauthorized, "missing auth headers")
			return
		}

		msg, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			deny(c, http.StatusUnauthorized, "invalid X-Signed-Message encoding")
			return
		}
		var req SignedRequest
		if err := json.Unmarshal(msg, &req); err != nil {
			deny(c, http.StatusUnauthorized, "invalid signed message JSON")
			return
		}

		now := time.Now().Unix()
		switch {
		case req.ExpiresAt <= now:
			deny(c, http.StatusUnauthorized, "request expired")
			return
		case req.ExpiresAt > now+int64(maxFutureWindow.Seconds()):
			deny(c, http.StatusUnauthorized, "expires_at too far in future")
			return
		case req.Nonce == "":
			deny(c, http.StatusUnauthorized, "missing nonce")
			return
		}
		if req.Action != action {
			deny(c, http.StatusForbidden, "signed action does not match endpoint")
			return
		}
		if id := c.Param("id"); id != "" && req.ResourceID != id {
			deny(c, http.StatusForbidden, "signed resource does not match endpoint")
			return
		}

		signer, err := VerifySigner(msg, sig, wallet)
		if err != nil {
			deny(c, http.StatusUnauthorized, "invalid signature")
			return
		}

		// One use per wallet and nonce, for as long as the envelope is valid.
		ttl := time.Duration(req.ExpiresAt-now) * time.Second
		fresh, err := rdb.SetNX(c.Request.Context(), noncePrefix+signer+":"+req.Nonce, 1, ttl).Result()
		if err != nil {
			deny(c, http.StatusInternalServerError, "internal error")
			return
		}
		if !fresh {
			deny(c, http.StatusUnauthorized, "nonce already used")
			return
		}

		c.Set(walletKey, signer)
		c.Set(payloadKey, []byte(req.Payload))
		c.Next()
	}
}

// WalletAddress is the authenticated buyer of the request.
func WalletAddress(c *gin.Context) string { return c.GetString(walletKey) }

// BindPayload decodes the signed payload into v. Handlers read request
// parameters from here, never from the unsigned body.
func BindPayload(c *gin.Context, v any) error {
	raw, _ := c.Get(payloadKey)
	b, _ := raw.([]byte)
	if len(b) == 0 || string(b) == "null" {
		b = []byte("{}")
	}
	return json.Unmarshal(b, v)
}

// AdminKey guards operator endpoints.
func AdminKey(key string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(HeaderAdminKey)
		if key == "" || subtle.ConstantTimeCompare([]byte(got), []byte(key)) != 1 {
			deny(c, http.StatusUnauthorized, "invalid admin key")
			return
		}
		c.Next()
	}
}
