package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gov-dx-sandbox/databridge/v1/models"
)

// contextKey is a custom type for context keys used with context.WithValue.
type contextKey string

const callerKey contextKey = "caller"

// AuthConfig configures bearer token verification
type AuthConfig struct {
	Secret   string
	Issuer   string
	Audience string
	// TrustedProxies are the CIDRs whose X-Forwarded-For / X-Real-IP headers are honored
	TrustedProxies []string
}

// Claims are the bearer token claims the service relies on
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthMiddleware authenticates callers with HS256 bearer tokens
type JWTAuthMiddleware struct {
	secret  []byte
	parser  *jwt.Parser
	proxies []netip.Prefix
}

// NewJWTAuthMiddleware creates a new JWT authentication middleware
func NewJWTAuthMiddleware(cfg AuthConfig) (*JWTAuthMiddleware, error) {
	if cfg.Secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	proxies, err := ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		return nil, err
	}
	return &JWTAuthMiddleware{secret: []byte(cfg.Secret), parser: jwt.NewParser(opts...), proxies: proxies}, nil
}

// Verify parses tokenString and returns the caller it identifies
func (m *JWTAuthMiddleware) Verify(tokenString string) (models.CallerIdentity, error) {
	claims := &Claims{}
	token, err := m.parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return m.secret, nil
	})
	if err != nil {
		return models.CallerIdentity{}, fmt.Errorf("token verification failed: %w", err)
	}
	if !token.Valid {
		return models.CallerIdentity{}, errors.New("token is invalid")
	}
	if claims.Subject == "" {
		return models.CallerIdentity{}, errors.New("subject (sub) claim is missing")
	}
	if len(claims.Subject) > models.MaxIdentifierLength || len(claims.Role) > models.MaxIdentifierLength {
		return models.CallerIdentity{}, errors.New("sub or role claim is too long")
	}
	return models.CallerIdentity{ID: claims.Subject, Role: claims.Role}, nil
}

// Authenticate validates the bearer token and stores the caller in the request context
func (m *JWTAuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		if authHeader == "" {
			respondUnauthorized(w, "Authorization header is required")
			return
		}

		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			respondUnauthorized(w, "Invalid authorization format. Expected 'Bearer <token>'")
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
		if tokenString == "" {
			respondUnauthorized(w, "Token is required")
			return
		}

		caller, err := m.Verify(tokenString)
		if err != nil {
			slog.Warn("Token verification failed", "error", err, "path", r.URL.Path)
			respondUnauthorized(w, "Invalid or expired token")
			return
		}
		caller.IPAddress = ClientIP(r, m.proxies)

		slog.Debug("Caller authenticated", "caller", caller.ID, "role", caller.Role)
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

// WithCaller returns a copy of ctx carrying caller
func WithCaller(ctx context.Context, caller models.CallerIdentity) context.Context {
	return context.WithValue(ctx, callerKey, caller)
}

// CallerFromContext extracts the authenticated caller from the request context
func CallerFromContext(ctx context.Context) (models.CallerIdentity, bool) {
	caller, ok := ctx.Value(callerKey).(models.CallerIdentity)
	return caller, ok
}

// ParseTrustedProxies parses CIDRs or bare addresses into prefixes
func ParseTrustedProxies(values []string) ([]netip.Prefix, error) {
	prefixes := make([]netip.Prefix, 0, len(values))
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.Contains(v, "/") {
			p, err := netip.ParsePrefix(v)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
			}
			prefixes = append(prefixes, p.Masked())
			continue
		}
		addr, err := netip.ParseAddr(v)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %w", v, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// ClientIP resolves the caller's address. Forwarding headers are only read when the
// direct peer is a trusted proxy; X-Forwarded-For is walked right to left and the
// first hop outside the trusted set wins.
func ClientIP(r *http.Request, trusted []netip.Prefix) string {
	peer := remoteHost(r)
	if !isTrusted(peer, trusted) {
		return peer
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if _, err := netip.ParseAddr(hop); err != nil {
				break
			}
			if !isTrusted(hop, trusted) {
				return hop
			}
		}
	}
	if xrip := strings.TrimSpace(r.Header.Get("X-Real-IP")); xrip != "" {
		if _, err := netip.ParseAddr(xrip); err == nil {
			return xrip
		}
	}
	return peer
}

func remoteHost(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func isTrusted(host string, trusted []netip.Prefix) bool {
	if len(trusted) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range trusted {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func respondUnauthorized(w http.ResponseWriter, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_, _ = fmt.Fprintf(w, `{"error":{"code":%q,"message":%q}}`+"\n", models.ErrUnauthorized, message)
}
