package httpserver

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"

	"github.com/commercekit/vendbridge/internal/config"
	"github.com/commercekit/vendbridge/internal/domain"
	obsctx "github.com/commercekit/vendbridge/internal/observability"
)

// Settings keys for the rotatable admin bearer token. Values rotated at
// runtime live in the settings store; the environment token is the fallback
// for bootstrap.
const (
	adminTokenKey        = "admin.bearer_token"
	adminTokenPrevKey    = "admin.bearer_token_prev"
	adminTokenPrevExpKey = "admin.bearer_token_prev_expires_at"
)

// Argon2Params defines parameters for Argon2id hashing of at-rest tokens.
type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLen     uint32
	KeyLen      uint32
}

var defaultArgon2Params = Argon2Params{
	Memory:      64 * 1024,
	Iterations:  3,
	Parallelism: 2,
	SaltLen:     16,
	KeyLen:      32,
}

// HashToken creates an Argon2id hash of a token for at-rest storage.
// Format: argon2id$iterations$memory$parallelism$salt$hash (base64 raw std).
func HashToken(token string, params Argon2Params) (string, error) {
	salt := make([]byte, params.SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(token), salt, params.Iterations, params.Memory, params.Parallelism, params.KeyLen)
	return fmt.Sprintf("argon2id$%d$%d$%d$%s$%s",
		params.Iterations,
		params.Memory,
		params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

// tokenMatches compares a presented token against a stored value in constant
// time. Stored values prefixed argon2id$ are treated as at-rest hashes;
// anything else is a plain token.
func tokenMatches(presented, stored string) bool {
	if presented == "" || stored == "" {
		return false
	}
	if strings.HasPrefix(stored, "argon2id$") {
		return verifyArgon2(presented, stored)
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(stored)) == 1
}

func verifyArgon2(token, encodedHash string) bool {
	parts := strings.Split(encodedHash, "$")
	if len(parts) != 6 || parts[0] != "argon2id" {
		return false
	}
	iters, err1 := parseUint32(parts[1])
	mem, err2 := parseUint32(parts[2])
	par64, err3 := parseUint32(parts[3])
	if err1 != nil || err2 != nil || err3 != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false
	}
	var par uint8
	if par64 > math.MaxUint8 {
		par = math.MaxUint8
	} else {
		par = uint8(par64)
	}
	actual := argon2.IDKey([]byte(token), salt, iters, mem, par, defaultArgon2Params.KeyLen)
	return subtle.ConstantTimeCompare(actual, expected) == 1
}

// BearerGuard authorizes admin endpoints: the presented token must match the
// current admin token, or the previous one while its overlap window is open.
// With no token configured anywhere, requests pass and a warning is logged
// (bootstrap mode).
type BearerGuard struct {
	cfg      config.Config
	settings domain.SettingsStore
	now      func() time.Time
}

// NewBearerGuard wires the guard. settings may be nil to run env-only.
func NewBearerGuard(cfg config.Config, settings domain.SettingsStore) *BearerGuard {
	return &BearerGuard{cfg: cfg, settings: settings, now: time.Now}
}

// Middleware enforces the bearer check on every wrapped route.
func (g *BearerGuard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Authorize(r.Context(), bearerFrom(r)) {
			writeError(w, fmt.Errorf("op=http.auth: %w", domain.ErrUnauthorized))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Authorize checks one presented token against the active credential set.
func (g *BearerGuard) Authorize(ctx context.Context, presented string) bool {
	current, prev, prevExp := g.credentials(ctx)
	if current == "" {
		obsctx.LoggerFromContext(ctx).Warn("admin endpoints running open: no bearer token configured")
		return true
	}
	if tokenMatches(presented, current) {
		return true
	}
	if prev != "" && g.now().Unix() < prevExp && tokenMatches(presented, prev) {
		return true
	}
	return false
}

// credentials resolves the token set, preferring store-rotated values.
func (g *BearerGuard) credentials(ctx context.Context) (current, prev string, prevExp int64) {
	current = g.cfg.AdminBearerToken
	prev = g.cfg.AdminBearerTokenPrev
	prevExp = g.cfg.AdminBearerTokenPrevExpAt

	if g.settings == nil {
		return current, prev, prevExp
	}
	if v, found, err := g.settings.Get(ctx, adminTokenKey); err == nil && found {
		current = v
	}
	if v, found, err := g.settings.Get(ctx, adminTokenPrevKey); err == nil && found {
		prev = v
	}
	if v, found, err := g.settings.Get(ctx, adminTokenPrevExpKey); err == nil && found {
		if ts, convErr := strconv.ParseInt(strings.TrimSpace(v), 10, 64); convErr == nil {
			prevExp = ts
		}
	}
	return current, prev, prevExp
}

func bearerFrom(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

func parseUint32(s string) (uint32, error) {
	x, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse")
	}
	return uint32(x), nil
}
