package middleware

import (
	"crypto/subtle"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"relaychat/internal/config"
	"relaychat/internal/model"
	"relaychat/internal/pkg/jwtutil"
	"relaychat/internal/transport/http/response"
)

const ContextIdentityKey = "identity"

const AccessTokenHeader = "X-Access-Token"

// Identity is the resolved caller of a request. Anonymous callers get
// an ip-scoped rate key; authenticated ones a user-scoped key. The two
// never migrate into each other.
type Identity struct {
	UserID        uint
	Username      string
	Tier          string
	Authenticated bool
	RateKey       string
}

func GetIdentity(c *gin.Context) Identity {
	value, exists := c.Get(ContextIdentityKey)
	if !exists {
		return anonymousIdentity(c)
	}
	identity, ok := value.(Identity)
	if !ok {
		return anonymousIdentity(c)
	}
	return identity
}

// AccessGate protects single-tenant deployments behind a static token.
// When no token is configured it is a no-op.
func AccessGate(cfg *config.Config) gin.HandlerFunc {
	token := cfg.Auth.AccessToken
	return func(c *gin.Context) {
		if token == "" {
			c.Next()
			return
		}
		provided := strings.TrimSpace(c.GetHeader(AccessTokenHeader))
		if subtle.ConstantTimeCompare([]byte(provided), []byte(token)) != 1 {
			response.Fail(c, http.StatusUnauthorized, "invalid access token")
			c.Abort()
			return
		}
		c.Next()
	}
}

// OptionalAuth resolves the caller's identity without requiring one.
// An invalid bearer token degrades to anonymous instead of failing, so
// expired sessions can still chat within the ip limit.
func OptionalAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		identity := anonymousIdentity(c)
		switch {
		case cfg.Auth.DevBypass:
			identity = devIdentity()
		case cfg.Auth.AccessToken != "":
			// Static-token deployments are single-tenant: AccessGate
			// already vetted the caller, who owns every configured model.
			identity.Tier = model.TierPro
		case cfg.Auth.Configured():
			if claims := bearerClaims(c, cfg.Auth.JWTSecret); claims != nil {
				identity = Identity{
					UserID:        claims.UserID,
					Username:      claims.Username,
					Tier:          normalizeClaimTier(claims.Tier),
					Authenticated: true,
					RateKey:       userRateKey(claims.UserID),
				}
			}
		}
		c.Set(ContextIdentityKey, identity)
		c.Next()
	}
}

// RequireAuth admits only callers with a valid bearer token, or the
// fixed development identity when the bypass is on.
func RequireAuth(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.Auth.DevBypass {
			c.Set(ContextIdentityKey, devIdentity())
			c.Next()
			return
		}
		if !cfg.Auth.Configured() {
			response.Fail(c, http.StatusServiceUnavailable, "authentication is not configured on this server")
			c.Abort()
			return
		}
		claims := bearerClaims(c, cfg.Auth.JWTSecret)
		if claims == nil {
			response.Fail(c, http.StatusUnauthorized, "invalid or expired token")
			c.Abort()
			return
		}
		c.Set(ContextIdentityKey, Identity{
			UserID:        claims.UserID,
			Username:      claims.Username,
			Tier:          normalizeClaimTier(claims.Tier),
			Authenticated: true,
			RateKey:       userRateKey(claims.UserID),
		})
		c.Next()
	}
}

func devIdentity() Identity {
	return Identity{
		UserID:        1,
		Username:      "dev",
		Tier:          model.TierPro,
		Authenticated: true,
		RateKey:       userRateKey(1),
	}
}

func bearerClaims(c *gin.Context, secret string) *jwtutil.Claims {
	authHeader := strings.TrimSpace(c.GetHeader("Authorization"))
	const prefix = "Bearer "
	if !strings.HasPrefix(authHeader, prefix) {
		return nil
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, prefix))
	if token == "" {
		return nil
	}
	claims, err := jwtutil.ParseToken(secret, token)
	if err != nil {
		return nil
	}
	return claims
}

func anonymousIdentity(c *gin.Context) Identity {
	return Identity{
		Tier:    model.TierPermissionless,
		RateKey: "ip:" + ClientIP(c.Request),
	}
}

func userRateKey(userID uint) string {
	return "user:" + strconv.FormatUint(uint64(userID), 10)
}

// ClientIP resolves the caller address behind proxies: first
// X-Forwarded-For hop, then X-Real-IP, then the socket peer.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.Split(forwarded, ",")[0])
		if first != "" {
			return first
		}
	}
	if real := strings.TrimSpace(r.Header.Get("X-Real-IP")); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func normalizeClaimTier(tier string) string {
	switch tier {
	case model.TierExtended, model.TierPro:
		return tier
	default:
		return model.TierPermissionless
	}
}
