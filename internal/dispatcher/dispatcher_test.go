package dispatcher

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmehdipour/enhance-orchestrator/internal/model"
	"github.com/jmehdipour/enhance-orchestrator/internal/signing"
)

func TestHTTPProvider_SignsPayload(t *testing.T) {
	signer := signing.New()
	var gotErr error
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		gotErr = signer.VerifyRequest(r.Header, body, []byte("s3cret"))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Spec{Name: "render", URL: srv.URL, Secret: "s3cret"}, signer)
	require.NoError(t, p.Dispatch(context.Background(), []byte(`{"jobId":"j1"}`)))
	assert.NoError(t, gotErr)
	assert.Equal(t, KindHTTP, p.Kind())
}

func TestHTTPProvider_StatusClassification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnprocessableEntity, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooManyRequests, false},
		{http.StatusBadGateway, false},
	}

	for _, tc := range cases {
		t.Run(http.StatusText(tc.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tc.status)
			}))
			defer srv.Close()

			p := NewHTTPProvider(Spec{Name: "render", URL: srv.URL, Secret: "k"}, nil)
			err := p.Dispatch(context.Background(), []byte(`{}`))

			var de *DispatchError
			require.ErrorAs(t, err, &de)
			assert.Equal(t, tc.status, de.StatusCode)
			assert.Equal(t, tc.permanent, IsPermanent(err))
		})
	}
}

func TestHTTPProvider_BreakerOpensOnTransientFailures(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	p := NewHTTPProvider(Spec{Name: "render", URL: srv.URL, Secret: "k", FailThreshold: 2, OpenFor: time.Hour}, nil)
	for i := 0; i < 2; i++ {
		require.Error(t, p.Dispatch(context.Background(), []byte(`{}`)))
	}
	assert.False(t, p.Ready())

	err := p.Dispatch(context.Background(), []byte(`{}`))
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, IsPermanent(err))
	assert.Equal(t, 2, calls)
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	b := NewBreaker(1, time.Minute)
	b.now = func() time.Time { return now }

	b.OnFailure()
	assert.Equal(t, "open", b.State())
	assert.False(t, b.TryAcquire())

	now = now.Add(2 * time.Minute)
	assert.True(t, b.TryAcquire())
	assert.Equal(t, "half_open", b.State())
	assert.False(t, b.TryAcquire())

	b.OnSuccess()
	assert.Equal(t, "closed", b.State())
	assert.True(t, b.Ready())
}

func TestRegistry(t *testing.T) {
	r, err := Build("mock", []Spec{
		{Name: "mock", Kind: "mock", Secret: "a"},
		{Name: "render", Kind: "http", URL: "http://render.local/jobs", Secret: "b"},
	}, nil, nil)
	require.NoError(t, err)
	defer r.Close()

	assert.Equal(t, []string{"mock", "render"}, r.Names())

	p, err := r.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, "mock", p.Name())

	_, err = r.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = Build("missing", []Spec{{Name: "mock", Kind: "mock", Secret: "a"}}, nil, nil)
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = Build("", []Spec{{Name: "x", Kind: "grpc", Secret: "a"}}, nil, nil)
	assert.Error(t, err)

	_, err = Build("", []Spec{{Name: "x", Kind: "http", Secret: "a"}}, nil, nil)
	assert.Error(t, err)
}

func TestMockProvider_PostsSignedCallbacks(t *testing.T) {
	signer := signing.New()

	var (
		mu       sync.Mutex
		statuses []string
		verifyOK = true
	)
	done := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var cb model.CallbackBody
		_ = json.Unmarshal(body, &cb)

		mu.Lock()
		if signer.VerifyRequest(r.Header, body, []byte("mock-secret")) != nil {
			verifyOK = false
		}
		statuses = append(statuses, cb.Status)
		n := len(statuses)
		mu.Unlock()

		w.WriteHeader(http.StatusOK)
		if n == 2 {
			close(done)
		}
	}))
	defer srv.Close()

	p := NewMockProvider(Spec{Name: "mock", Secret: "mock-secret"}, signer, nil)
	defer p.Close()

	payload, _ := json.Marshal(model.DispatchPayload{
		JobID:       "j1",
		ImageURL:    "https://cdn.local/p.jpg",
		Mode:        "enhance",
		CallbackURL: srv.URL + "/v1/callbacks/mock",
	})
	require.NoError(t, p.Dispatch(context.Background(), payload))

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("callbacks not received")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"rendering", "completed"}, statuses)
	assert.True(t, verifyOK)
}

func TestMockProvider_RejectsBadPayload(t *testing.T) {
	p := NewMockProvider(Spec{Name: "mock", Secret: "k"}, nil, nil)
	defer p.Close()

	err := p.Dispatch(context.Background(), []byte(`{"jobId":"j1"}`))
	assert.True(t, IsPermanent(err))
}
