package api

import (
	"errors"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

const (
	defaultJWKSCacheTTL = 15 * time.Minute
	defaultEmailClaim   = "email"
	defaultNameClaim    = "name"

	envLocalAuthMode   = "LOCAL_AUTH_MODE"
	envLocalAuthSecret = "LOCAL_AUTH_SHARED_SECRET"
	envJWKSCacheTTL    = "JWKS_CACHE_TTL"
	envEmailClaim      = "AUTH0_EMAIL_CLAIM"
	envNameClaim       = "AUTH0_NAME_CLAIM"
)

// Session is the signed-in user behind a request.
type Session struct {
	Email string
	Name  string
}

// Auth validates bearer tokens and turns them into sessions.
type Auth struct {
	JWKS       *keyfunc.JWKS
	Audience   string
	Issuer     string
	TestMode   bool
	TestSecret []byte
	EmailClaim string
	NameClaim  string

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. LOCAL_AUTH_MODE=hs256 switches to
// shared-secret tokens for local runs.
func NewAuth(jwks *keyfunc.JWKS, audience, issuer string) *Auth {
	a := &Auth{
		JWKS:       jwks,
		Audience:   audience,
		Issuer:     issuer,
		EmailClaim: envOr(envEmailClaim, defaultEmailClaim),
		NameClaim:  envOr(envNameClaim, defaultNameClaim),
	}
	a.keyCacheTTL = parseCacheTTL()

	if mode := strings.ToLower(os.Getenv(envLocalAuthMode)); mode != "" {
		switch mode {
		case "hs256":
			secret := os.Getenv(envLocalAuthSecret)
			if secret == "" {
				panic("LOCAL_AUTH_SHARED_SECRET must be set when LOCAL_AUTH_MODE=hs256")
			}
			a.TestMode = true
			a.TestSecret = []byte(secret)
		default:
			panic("unsupported LOCAL_AUTH_MODE value")
		}
	}

	if a.TestMode {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// LocalAuthEnabled reports whether tokens are checked against a shared secret
// instead of a JWKS endpoint.
func LocalAuthEnabled() bool {
	return os.Getenv(envLocalAuthMode) != ""
}

func parseCacheTTL() time.Duration {
	ttl := defaultJWKSCacheTTL
	if raw := os.Getenv(envJWKSCacheTTL); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil || parsed <= 0 {
			panic("invalid JWKS_CACHE_TTL")
		}
		ttl = parsed
	}
	return ttl
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Session returns the user behind r. A request without a token, or with a
// token that carries no email, is anonymous and yields a nil session.
func (a *Auth) Session(r *http.Request) (*Session, error) {
	token, err := bearerTokenFromRequest(r)
	if errors.Is(err, errMissingAuthorization) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	claims, err := a.claimsFromBearer(token)
	if err != nil {
		return nil, err
	}
	email, _ := claims[a.emailClaim()].(string)
	if email == "" {
		return nil, nil
	}
	name, _ := claims[a.nameClaim()].(string)
	return &Session{Email: email, Name: name}, nil
}

func (a *Auth) claimsFromBearer(token []byte) (jwt.MapClaims, error) {
	if len(token) == 0 {
		return nil, errBadAuthorization
	}

	tokenStr := readOnlyString(token)
	var parsedToken *jwt.Token
	var err error
	if a.TestMode {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.TestSecret, nil
		})
	} else {
		parsedToken, err = a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
			return a.keyForToken(t)
		})
	}
	if err != nil {
		return nil, err
	}

	claims, ok := parsedToken.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid claims")
	}

	now := time.Now().Add(time.Minute).Unix()
	if !claims.VerifyExpiresAt(now, true) {
		return nil, errors.New("token expired")
	}
	if !claims.VerifyNotBefore(now, false) {
		return nil, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(now, false) {
		return nil, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, false) {
		return nil, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, false) {
		return nil, errors.New("invalid issuer")
	}
	return claims, nil
}

func (a *Auth) emailClaim() string {
	if a.EmailClaim == "" {
		return defaultEmailClaim
	}
	return a.EmailClaim
}

func (a *Auth) nameClaim() string {
	if a.NameClaim == "" {
		return defaultNameClaim
	}
	return a.NameClaim
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}
