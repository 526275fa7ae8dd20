package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/enhance-orchestrator/internal/config"
	"github.com/jmehdipour/enhance-orchestrator/internal/credits"
	"github.com/jmehdipour/enhance-orchestrator/internal/dispatcher"
	"github.com/jmehdipour/enhance-orchestrator/internal/http/middleware"
	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/progress"
	"github.com/jmehdipour/enhance-orchestrator/internal/repository/memory"
	"github.com/jmehdipour/enhance-orchestrator/internal/service/enhance"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

const (
	testJWTSecret  = "test-jwt-secret"
	testAPIKey     = "test-internal-key"
	testMockSecret = "mock-secret"
)

type testEnv struct {
	h      http.Handler
	store  *memory.Store
	ledger *credits.Ledger
	token  string
}

func newTestEnv(t *testing.T, balance int64) *testEnv {
	t.Helper()

	store := memory.New()
	ledger := credits.NewLedger(store, store.CreditAccounts(), store.Ledger(), nil)

	reg, err := dispatcher.Build("mock", []dispatcher.Spec{
		{Name: "mock", Kind: "mock", Secret: testMockSecret},
	}, nil, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	bus := progress.NewBroadcaster(8)
	t.Cleanup(bus.Close)

	svc := enhance.New(enhance.Deps{
		Tx:        store,
		Jobs:      store.Jobs(),
		Outbox:    store.Outbox(),
		Ledger:    ledger,
		Registry:  reg,
		Progress:  bus,
		History:   store.History(),
		PublicURL: "https://api.example.com",
	})

	var cfg config.Config
	cfg.Auth.JWTSecret = testJWTSecret
	cfg.Auth.InternalAPIKeys = []string{testAPIKey}
	cfg.HTTP.MaxCallbackBytes = 4096

	srv := NewServer(cfg, Deps{
		Service:  svc,
		Ledger:   ledger,
		Progress: bus,
		Signer:   signing.New(),
	})

	if balance > 0 {
		_, err := ledger.AddCredits(context.Background(), credits.Grant{
			AccountID: "u1", TenantID: "t1", Amount: balance, Source: model.SourceAdmin,
		})
		require.NoError(t, err)
	}

	tok, err := middleware.IssueToken([]byte(testJWTSecret), "", "u1", "t1", time.Hour)
	require.NoError(t, err)

	return &testEnv{h: srv.Handler(), store: store, ledger: ledger, token: tok}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case []byte:
			buf.Write(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.h.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + e.token}
}

func (e *testEnv) submit(t *testing.T) string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"photo_id":         "p1",
		"image_url":        "https://cdn.example.com/p1.jpg",
		"enhancement_type": "enhance",
	}, e.auth())
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var res enhance.SubmitResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	return res.JobID
}

func signedCallback(secret string, ts time.Time, body []byte) map[string]string {
	return map[string]string{
		signing.HeaderSignature: signing.Compute([]byte(secret), ts.Unix(), body),
		signing.HeaderTimestamp: strconv.FormatInt(ts.Unix(), 10),
	}
}

func TestSubmitAndGetJob(t *testing.T) {
	env := newTestEnv(t, 50)

	id := env.submit(t)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+id, nil, env.auth())
	require.Equal(t, http.StatusOK, rec.Code)
	var j model.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &j))
	assert.Equal(t, model.JobQueued, j.Status)
	assert.Equal(t, "mock", j.Provider)

	rec = env.do(t, http.MethodGet, "/v1/credits", nil, env.auth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"balance":40`)
}

func TestSubmit_Errors(t *testing.T) {
	env := newTestEnv(t, 5)

	rec := env.do(t, http.MethodPost, "/v1/jobs", map[string]any{"photo_id": "p1"}, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"photo_id":         "p1",
		"image_url":        "https://cdn.example.com/p1.jpg",
		"enhancement_type": "enhance",
	}, env.auth())
	assert.Equal(t, http.StatusPaymentRequired, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_credits")

	rec = env.do(t, http.MethodPost, "/v1/jobs", map[string]any{
		"photo_id":         "p1",
		"enhancement_type": "enhance",
	}, env.auth())
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), `"field":"image_url"`)
}

func TestGetJob_OtherUserSeesNotFound(t *testing.T) {
	env := newTestEnv(t, 50)
	id := env.submit(t)

	other, err := middleware.IssueToken([]byte(testJWTSecret), "", "u2", "t1", time.Hour)
	require.NoError(t, err)

	rec := env.do(t, http.MethodGet, "/v1/jobs/"+id, nil, map[string]string{"Authorization": "Bearer " + other})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCallback_AppliesOnceAndRefunds(t *testing.T) {
	env := newTestEnv(t, 50)
	id := env.submit(t)

	body := []byte(`{"jobId":"` + id + `","status":"failed","errorMessage":"gpu exploded"}`)

	rec := env.do(t, http.MethodPost, "/v1/callbacks/mock", body, signedCallback(testMockSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res enhance.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Applied)
	assert.True(t, res.Refunded)

	rec = env.do(t, http.MethodPost, "/v1/callbacks/mock", body, signedCallback(testMockSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.False(t, res.Applied)

	acc, err := env.ledger.Balance(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(50), acc.Balance)
}

func TestCallback_Rejections(t *testing.T) {
	env := newTestEnv(t, 50)
	id := env.submit(t)
	body := []byte(`{"jobId":"` + id + `","status":"rendering","progress":10}`)

	tests := []struct {
		name string
		path string
		body []byte
		hdr  map[string]string
		want int
	}{
		{"unknown provider", "/v1/callbacks/nope", body, signedCallback(testMockSecret, time.Now(), body), http.StatusNotFound},
		{"missing headers", "/v1/callbacks/mock", body, nil, http.StatusUnauthorized},
		{"wrong secret", "/v1/callbacks/mock", body, signedCallback("other", time.Now(), body), http.StatusUnauthorized},
		{"expired", "/v1/callbacks/mock", body, signedCallback(testMockSecret, time.Now().Add(-121*time.Second), body), http.StatusUnauthorized},
		{"too large", "/v1/callbacks/mock", bytes.Repeat([]byte("x"), 5000), nil, http.StatusRequestEntityTooLarge},
		{"bad status", "/v1/callbacks/mock", []byte(`{"jobId":"` + id + `","status":"weird"}`),
			signedCallback(testMockSecret, time.Now(), []byte(`{"jobId":"`+id+`","status":"weird"}`)), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodPost, tt.path, tt.body, tt.hdr)
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}

	// fresh signature within the window still applies
	rec := env.do(t, http.MethodPost, "/v1/callbacks/mock", body, signedCallback(testMockSecret, time.Now().Add(-119*time.Second), body))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCancelJob(t *testing.T) {
	env := newTestEnv(t, 50)
	id := env.submit(t)

	rec := env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", map[string]string{"reason": "changed my mind"}, env.auth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"canceled":true`)

	rec = env.do(t, http.MethodPost, "/v1/jobs/"+id+"/cancel", nil, env.auth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"canceled":false`)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+id+"/history", nil, env.auth())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"to_status":"canceled"`)
}

func TestStream_TerminalJobSendsSnapshotAndCloses(t *testing.T) {
	env := newTestEnv(t, 50)
	id := env.submit(t)

	body := []byte(`{"jobId":"` + id + `","status":"completed","outputUrl":"https://cdn.example.com/out.jpg"}`)
	rec := env.do(t, http.MethodPost, "/v1/callbacks/mock", body, signedCallback(testMockSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/jobs/"+id+"/stream?access_token="+env.token, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(rec.Body.String(), "id: "))
	assert.Contains(t, rec.Body.String(), "event: completed\n")
}

func TestStream_DeliversLiveTransition(t *testing.T) {
	env := newTestEnv(t, 50)
	id := env.submit(t)

	srv := httptest.NewServer(env.h)
	defer srv.Close()

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/"+id+"/stream", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+env.token)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := []byte(`{"jobId":"` + id + `","status":"completed","outputUrl":"https://cdn.example.com/out.jpg"}`)
	rec := env.do(t, http.MethodPost, "/v1/callbacks/mock", body, signedCallback(testMockSecret, time.Now(), body))
	require.Equal(t, http.StatusOK, rec.Code)

	// the handler returns after the terminal event, which ends the body
	var out bytes.Buffer
	_, _ = out.ReadFrom(resp.Body)
	assert.Contains(t, out.String(), "event: queued\n")
	assert.Contains(t, out.String(), "event: completed\n")
}

func TestGrantCredits(t *testing.T) {
	env := newTestEnv(t, 0)
	grant := map[string]any{"account_id": "u1", "amount": 100, "source": "purchase", "request_id": "order-1"}

	rec := env.do(t, http.MethodPost, "/internal/credits/grant", grant, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	key := map[string]string{"X-API-Key": testAPIKey}
	rec = env.do(t, http.MethodPost, "/internal/credits/grant", grant, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied":true`)

	rec = env.do(t, http.MethodPost, "/internal/credits/grant", grant, key)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"applied":false`)
	assert.Contains(t, rec.Body.String(), `"balance":100`)

	grant["source"] = "gift"
	rec = env.do(t, http.MethodPost, "/internal/credits/grant", grant, key)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
