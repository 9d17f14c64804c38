package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProbe(t *testing.T) {
	var gotTerminal string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pdc_pos_offline/ping", r.URL.Path)
		gotTerminal = r.Header.Get("X-Terminal-ID")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	require.NoError(t, c.Probe(context.Background()))
	assert.Equal(t, "till-1", gotTerminal)
}

func TestProbeHonorsContextDeadline(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient(srv.URL, "till-1", time.Minute)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.Probe(ctx)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "probe must respect the context deadline")
}

func TestAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pdc_pos_offline/authenticate", r.URL.Path)
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.EqualValues(t, 7, body["user_id"])

		json.NewEncoder(w).Encode(AuthResult{UserID: 7, Login: "alice", Token: "tok"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	res, err := c.Authenticate(context.Background(), 7, "1234")
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.UserID)
	assert.Equal(t, "alice", res.Login)
}

func TestAuthenticateRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad credential", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	_, err := c.Authenticate(context.Background(), 7, "0000")
	require.Error(t, err)
	assert.True(t, IsRejected(err))
	assert.False(t, IsTransient(err))
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pdc_pos_offline/sync/order", r.URL.Path)

		var req struct {
			Operations []Submission `json:"operations"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		require.Len(t, req.Operations, 2)
		assert.NotEmpty(t, req.Operations[0].IdempotencyKey)

		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []SubmissionResult{
				{ID: req.Operations[0].ID, Status: SubmissionOK},
				{ID: req.Operations[1].ID, Status: SubmissionRejected, Error: "negative total"},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	results, err := c.Submit(context.Background(), "order", []Submission{
		{ID: "a", IdempotencyKey: "k-a", Payload: json.RawMessage(`{}`)},
		{ID: "b", IdempotencyKey: "k-b", Payload: json.RawMessage(`{}`)},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, SubmissionOK, results[0].Status)
	assert.Equal(t, SubmissionRejected, results[1].Status)
}

func TestSubmitResultCountMismatchIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []SubmissionResult{{ID: "a", Status: SubmissionOK}},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	_, err := c.Submit(context.Background(), "order", []Submission{
		{ID: "a"}, {ID: "b"},
	})
	require.Error(t, err)
	assert.True(t, IsTransient(err),
		"a response that cannot be attributed per-operation must be retried, not dropped")
}

func TestServerErrorsAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "backend down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	_, err := c.FetchUsers(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestConnectionRefusedIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // nothing listening anymore

	c := NewClient(srv.URL, "till-1", time.Second)
	_, err := c.FetchUsers(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestFetchReferenceData(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/pdc_pos_offline/reference/products", r.URL.Path)
		json.NewEncoder(w).Encode([]FetchedRecord{
			{Key: "p-1", Payload: json.RawMessage(`{"name":"espresso"}`)},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "till-1", time.Second)
	records, err := c.FetchReferenceData(context.Background(), "products")
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "p-1", records[0].Key)
}

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		code int
		want Class
	}{
		{http.StatusBadRequest, ClassRejected},
		{http.StatusUnauthorized, ClassRejected},
		{http.StatusNotFound, ClassRejected},
		{http.StatusRequestTimeout, ClassTransient},
		{http.StatusTooManyRequests, ClassTransient},
		{http.StatusInternalServerError, ClassTransient},
		{http.StatusBadGateway, ClassTransient},
		{http.StatusServiceUnavailable, ClassTransient},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.code); got != tc.want {
			t.Errorf("classifyStatus(%d) = %s, want %s", tc.code, got, tc.want)
		}
	}
}
