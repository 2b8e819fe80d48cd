package api

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hfi/flagpool/internal/challenge"
	"github.com/hfi/flagpool/internal/keyfile"
	"github.com/hfi/flagpool/internal/lease"
	"github.com/hfi/flagpool/internal/storage"
	"github.com/hfi/flagpool/pkg/flagfmt"
)

type testEnv struct {
	srv   *Server
	store *storage.MemoryStore
	repo  *challenge.MemoryRepository
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := storage.NewMemoryStore()
	repo := challenge.NewMemoryRepository()
	now := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	mgr := lease.NewManager(store, challenge.ConfigSource{Repo: repo}, flagfmt.New(16),
		lease.WithClock(func() time.Time { return now }))

	registry := challenge.NewRegistry()
	registry.Register(challenge.NewOracleType(repo, mgr, nil, zerolog.Nop()))

	srv := New(":0", Deps{Registry: registry, Repo: repo, Pool: store, Logger: zerolog.Nop()})
	return &testEnv{srv: srv, store: store, repo: repo}
}

func (e *testEnv) addArtifact(t *testing.T, id string, cost int) *storage.Artifact {
	t.Helper()
	pt := make([]byte, 16)
	copy(pt, id)
	a := &storage.Artifact{
		ID:         id,
		Plaintext:  pt,
		Ciphertext: []byte("ct-" + id),
		Scheme:     "PKCS1v15",
		Category:   "Bleichenbacher",
		Cost:       cost,
		CreatedAt:  time.Now(),
	}
	require.NoError(t, e.store.Add(context.Background(), a))
	return a
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == nil {
		req = httptest.NewRequest(method, path, nil)
	} else {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		req = httptest.NewRequest(method, path, bytes.NewReader(payload))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) create(t *testing.T) ChallengeResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/challenges", map[string]any{
		"name":        "oracle one",
		"scheme":      "PKCS1v15",
		"category":    "Bleichenbacher",
		"min_queries": 100,
		"max_queries": "500",
		"interval":    10,
		"initial":     500,
		"minimum":     100,
		"decay":       10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var resp ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestCreateAndRead(t *testing.T) {
	e := newTestEnv(t)
	a := e.addArtifact(t, "a1", 300)

	created := e.create(t)
	assert.Equal(t, "oracle", created.Type)
	assert.Equal(t, 500, created.Value)
	assert.Equal(t, "visible", created.State)

	rec := e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/challenges/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var view challenge.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	assert.Equal(t, hex.EncodeToString(a.Ciphertext), view.Enc)
	assert.Equal(t, int64(600), view.Remaining)
	assert.Equal(t, 10, view.Interval)
}

func TestCreateInvalid(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodPost, "/api/v1/challenges", map[string]any{
		"name":        "bad",
		"scheme":      "PKCS1v15",
		"category":    "Bleichenbacher",
		"min_queries": 900,
		"max_queries": 100,
		"initial":     500,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = e.do(t, http.MethodPost, "/api/v1/challenges", map[string]any{"type": "standard", "name": "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/challenges", strings.NewReader("{"))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestReadErrors(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(t, http.MethodGet, "/api/v1/challenges/42", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/api/v1/challenges/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	created := e.create(t)
	rec = e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/challenges/%d", created.ID), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "POOL_EXHAUSTED", resp.Code)
}

func TestUpdateWithForm(t *testing.T) {
	e := newTestEnv(t)
	e.addArtifact(t, "a1", 300)
	created := e.create(t)

	form := url.Values{}
	form.Set("interval", "5")
	form.Set("name", "renamed")
	req := httptest.NewRequest(http.MethodPatch, fmt.Sprintf("/api/v1/challenges/%d", created.ID), strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp ChallengeResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 5, resp.Interval)
	assert.Equal(t, "renamed", resp.Name)
	assert.Equal(t, 100, resp.MinQueries)
}

func TestAttempt(t *testing.T) {
	e := newTestEnv(t)
	a := e.addArtifact(t, "a1", 300)
	created := e.create(t)
	path := fmt.Sprintf("/api/v1/challenges/%d/attempts", created.ID)

	tests := []struct {
		name       string
		submission string
		correct    bool
		message    string
	}{
		{"bad format", "flag{x}", false, challenge.MsgInvalidFormat},
		{"wrong", strings.Repeat("ab", 16), false, challenge.MsgIncorrect},
		{"right", hex.EncodeToString(a.Plaintext), true, challenge.MsgCorrect},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := e.do(t, http.MethodPost, path, AttemptRequest{Submission: tt.submission, AccountID: 1})
			require.Equal(t, http.StatusOK, rec.Code)
			var resp AttemptResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.correct, resp.Correct)
			assert.Equal(t, tt.message, resp.Message)
		})
	}

	n, err := e.repo.CountSolves(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestAttemptWithForm(t *testing.T) {
	e := newTestEnv(t)
	a := e.addArtifact(t, "a1", 300)
	created := e.create(t)
	path := fmt.Sprintf("/api/v1/challenges/%d/attempts", created.ID)

	post := func(form url.Values) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		rec := httptest.NewRecorder()
		e.srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := post(url.Values{"submission": {hex.EncodeToString(a.Plaintext)}, "account_id": {"9"}})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp AttemptResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Correct)
	assert.Equal(t, challenge.MsgCorrect, resp.Message)

	n, err := e.repo.CountSolves(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = post(url.Values{"submission": {"x"}, "account_id": {"nine"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "INVALID_BODY")
}

func TestDelete(t *testing.T) {
	e := newTestEnv(t)
	e.addArtifact(t, "a1", 300)
	created := e.create(t)
	path := fmt.Sprintf("/api/v1/challenges/%d", created.ID)

	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, path, nil).Code)

	rec := e.do(t, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stats, err := e.store.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, stats.Leased)
}

func TestPoolStats(t *testing.T) {
	e := newTestEnv(t)
	e.addArtifact(t, "a1", 300)
	e.addArtifact(t, "a2", 300)
	created := e.create(t)
	require.Equal(t, http.StatusOK, e.do(t, http.MethodGet, fmt.Sprintf("/api/v1/challenges/%d", created.ID), nil).Code)

	rec := e.do(t, http.MethodGet, "/api/v1/pool/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp PoolStatsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Leased)
	require.Len(t, resp.Unassigned, 1)
	assert.Equal(t, PoolEntry{Scheme: "PKCS1v15", Category: "Bleichenbacher", Unassigned: 1}, resp.Unassigned[0])
}

func TestPublicKey(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(t, http.MethodGet, "/api/v1/pubkey", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	key, err := keyfile.Generate("", 1024)
	require.NoError(t, err)
	srv := New(":0", Deps{
		Registry:  challenge.NewRegistry(),
		Repo:      e.repo,
		Pool:      e.store,
		PublicKey: &key.PublicKey,
		Logger:    zerolog.Nop(),
	})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/pubkey", nil)
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp PublicKeyResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 65537, resp.E)
	assert.Equal(t, 1024, resp.Bits)
	assert.Equal(t, hex.EncodeToString(key.N.Bytes()), resp.N)
	assert.Contains(t, resp.PEM, "BEGIN PUBLIC KEY")
}
