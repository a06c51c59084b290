package httpserver

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/commercekit/vendbridge/internal/config"
)

func guardedRequest(g *BearerGuard, token string) *httptest.ResponseRecorder {
	h := g.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	req := httptest.NewRequest(http.MethodGet, "/queue.status", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestBearerGuard_EnvToken(t *testing.T) {
	g := NewBearerGuard(config.Config{AdminBearerToken: "tok-current"}, nil)

	assert.Equal(t, http.StatusNoContent, guardedRequest(g, "tok-current").Code)
	assert.Equal(t, http.StatusUnauthorized, guardedRequest(g, "tok-wrong").Code)
	assert.Equal(t, http.StatusUnauthorized, guardedRequest(g, "").Code)
}

func TestBearerGuard_OpenWhenUnconfigured(t *testing.T) {
	g := NewBearerGuard(config.Config{}, newMemStore())
	assert.Equal(t, http.StatusNoContent, guardedRequest(g, "").Code,
		"bootstrap mode lets requests through until a token is configured")
}

func TestBearerGuard_PrevTokenOverlap(t *testing.T) {
	store := newMemStore()
	store.kv[adminTokenKey] = "tok-new"
	store.kv[adminTokenPrevKey] = "tok-old"
	store.kv[adminTokenPrevExpKey] = strconv.FormatInt(time.Now().Add(time.Hour).Unix(), 10)
	g := NewBearerGuard(config.Config{}, store)

	assert.Equal(t, http.StatusNoContent, guardedRequest(g, "tok-new").Code)
	assert.Equal(t, http.StatusNoContent, guardedRequest(g, "tok-old").Code)

	store.kv[adminTokenPrevExpKey] = strconv.FormatInt(time.Now().Add(-time.Minute).Unix(), 10)
	assert.Equal(t, http.StatusUnauthorized, guardedRequest(g, "tok-old").Code,
		"previous token dies with its overlap window")
	assert.Equal(t, http.StatusNoContent, guardedRequest(g, "tok-new").Code)
}

func TestBearerGuard_StoreOverridesEnv(t *testing.T) {
	store := newMemStore()
	store.kv[adminTokenKey] = "tok-rotated"
	g := NewBearerGuard(config.Config{AdminBearerToken: "tok-env"}, store)

	assert.Equal(t, http.StatusNoContent, guardedRequest(g, "tok-rotated").Code)
	assert.Equal(t, http.StatusUnauthorized, guardedRequest(g, "tok-env").Code)
}

func TestBearerGuard_Argon2Hash(t *testing.T) {
	hash, err := HashToken("tok-hashed", defaultArgon2Params)
	require.NoError(t, err)

	store := newMemStore()
	store.kv[adminTokenKey] = hash
	g := NewBearerGuard(config.Config{}, store)

	assert.True(t, g.Authorize(context.Background(), "tok-hashed"))
	assert.False(t, g.Authorize(context.Background(), "tok-other"))
}

func TestTokenMatches(t *testing.T) {
	assert.True(t, tokenMatches("abc", "abc"))
	assert.False(t, tokenMatches("abc", "abd"))
	assert.False(t, tokenMatches("", ""))
	assert.False(t, tokenMatches("abc", ""))
	assert.False(t, tokenMatches("x", "argon2id$mangled"))
}

func TestBearerFrom(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer  spaced")
	assert.Equal(t, " spaced", bearerFrom(r))

	r2 := httptest.NewRequest(http.MethodGet, "/", nil)
	r2.Header.Set("Authorization", "bearer lower")
	assert.Equal(t, "lower", bearerFrom(r2))

	r3 := httptest.NewRequest(http.MethodGet, "/", nil)
	r3.Header.Set("Authorization", "Basic xyz")
	assert.Equal(t, "", bearerFrom(r3))
}
