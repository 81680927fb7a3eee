package source_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/classcloud/roster-sync-server/internal/source"
)

// newTestServer creates a test server with keep-alives disabled so closing
// one server cannot affect parallel tests sharing the HTTP transport.
func newTestServer(handler http.Handler) *httptest.Server {
	server := httptest.NewServer(handler)
	server.Config.SetKeepAlivesEnabled(false)
	return server
}

// staticTokens is a TokenSource handing out a fixed token
type staticTokens struct {
	invalidated atomic.Int64
}

func (*staticTokens) Bearer(_ context.Context) (string, error) {
	return "test-token", nil
}

func (s *staticTokens) Invalidate() {
	s.invalidated.Add(1)
}

// sleepRecorder captures every wait the client requested without sleeping
type sleepRecorder struct {
	mu    sync.Mutex
	waits []time.Duration
}

func (r *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.waits = append(r.waits, d)
	return nil
}

func (r *sleepRecorder) recorded() []time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Duration(nil), r.waits...)
}

func newTestClient(serverURL string, recorder *sleepRecorder) *source.Client {
	return source.NewClient(serverURL, &staticTokens{},
		source.WithSleeper(recorder.sleep),
	)
}

func TestFetchPageRetrySchedule(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)

	_, err := client.FetchPage(context.Background(), "/v1/districts")
	require.Error(t, err)

	var fetchErr *source.TransientFetchError
	require.ErrorAs(t, err, &fetchErr)
	assert.Equal(t, 6, fetchErr.Attempts)
	assert.Equal(t, int64(6), calls.Load())

	assert.Equal(t, []time.Duration{
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		32 * time.Second,
	}, recorder.recorded())
}

func TestFetchPageRecoversMidSchedule(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"data":{"id":"d-1"}}],"links":[]}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)

	page, err := client.FetchPage(context.Background(), "/v1/districts")
	require.NoError(t, err)
	require.Len(t, page.Records, 1)
	assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second}, recorder.recorded())
}

func TestFetchPageRateLimitDoesNotConsumeRetries(t *testing.T) {
	t.Parallel()

	// More rate-limit responses than the retry budget, then success: the
	// request must still go through because 429s are not failures.
	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) <= 7 {
			w.Header().Set("Retry-After", "3")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"links":[]}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)

	_, err := client.FetchPage(context.Background(), "/v1/districts")
	require.NoError(t, err)

	waits := recorder.recorded()
	require.Len(t, waits, 7)
	for _, w := range waits {
		assert.Equal(t, 3*time.Second+500*time.Millisecond, w,
			"wait should be the Retry-After hint plus the safety margin")
	}
}

func TestFetchPageRateLimitWithoutHint(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"links":[]}`))
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)

	_, err := client.FetchPage(context.Background(), "/v1/districts")
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{5 * time.Second}, recorder.recorded())
}

func TestFetchPageClientErrorIsPermanent(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "no such school", http.StatusNotFound)
	}))
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)

	_, err := client.FetchPage(context.Background(), "/v1/schools/nope/students")
	require.Error(t, err)

	var reqErr *source.RequestError
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.StatusCode)
	assert.Equal(t, int64(1), calls.Load(), "client errors must not be retried")
	assert.Empty(t, recorder.recorded())
}

func TestFetchPageUnauthorizedRefreshesTokenOnce(t *testing.T) {
	t.Parallel()

	var calls atomic.Int64
	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{"data":[],"links":[]}`))
	}))
	defer server.Close()

	tokens := &staticTokens{}
	recorder := &sleepRecorder{}
	client := source.NewClient(server.URL, tokens, source.WithSleeper(recorder.sleep))

	_, err := client.FetchPage(context.Background(), "/v1/districts")
	require.NoError(t, err)
	assert.Equal(t, int64(1), tokens.invalidated.Load())
}

func TestFetchPagePersistentUnauthorized(t *testing.T) {
	t.Parallel()

	server := newTestServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	tokens := &staticTokens{}
	recorder := &sleepRecorder{}
	client := source.NewClient(server.URL, tokens, source.WithSleeper(recorder.sleep))

	_, err := client.FetchPage(context.Background(), "/v1/districts")
	require.Error(t, err)

	var authErr *source.AuthenticationError
	assert.ErrorAs(t, err, &authErr)
	assert.Equal(t, int64(1), tokens.invalidated.Load())
}

func TestFetchAllFollowsNextLinks(t *testing.T) {
	t.Parallel()

	var server *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/districts", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "100", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{
			"data":[{"data":{"id":"d-1"}},{"data":{"id":"d-2"}}],
			"links":[{"rel":"next","uri":"` + server.URL + `/v1/districts/page2"}]
		}`))
	})
	mux.HandleFunc("/v1/districts/page2", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
			"data":[{"data":{"id":"d-3"}}],
			"links":[{"rel":"prev","uri":"ignored"}]
		}`))
	})
	server = newTestServer(mux)
	defer server.Close()

	recorder := &sleepRecorder{}
	client := newTestClient(server.URL, recorder)

	records, err := client.FetchAll(context.Background(), "/v1/districts", nil)
	require.NoError(t, err)
	assert.Len(t, records, 3)
	assert.JSONEq(t, `{"id":"d-3"}`, string(records[2]))
}
