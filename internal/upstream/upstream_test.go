package upstream

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentguard/pkg/config"
	"github.com/NikhilSetiya/agentguard/pkg/errors"
)

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := NewClient(&config.ExecutionConfig{
		Upstreams:    map[string]string{"llm-provider": url},
		UsageHeader:  "X-Usage-Tokens",
		MaxBodyBytes: 16,
	}, nil)
	require.NoError(t, err)
	return c
}

func TestWork_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "prompt", string(body))
		assert.Equal(t, "Bearer key", r.Header.Get("Authorization"))
		assert.Empty(t, r.Header.Get("Cookie"))

		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("X-Usage-Tokens", "128")
		_, _ = w.Write([]byte("a completion longer than the body limit"))
	}))
	defer server.Close()

	c := newClient(t, server.URL)
	assert.True(t, c.Has("llm-provider"))
	assert.False(t, c.Has("db"))

	header := http.Header{}
	header.Set("Authorization", "Bearer key")
	header.Set("Cookie", "session=1")

	work, err := c.Work("llm-provider", Request{Body: []byte("prompt"), Header: header})
	require.NoError(t, err)

	result, err := work(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(128), result.Usage)

	resp := result.Output.(*Response)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/plain", resp.ContentType)
	assert.Len(t, resp.Body, 16)
}

func TestWork_StatusErrorsClassify(t *testing.T) {
	tests := []struct {
		status    int
		kind      errors.Kind
		retryable bool
	}{
		{http.StatusTooManyRequests, errors.KindRateLimit, true},
		{http.StatusServiceUnavailable, errors.KindExternalService, true},
		{http.StatusBadRequest, errors.KindValidation, false},
		{http.StatusUnauthorized, errors.KindAuth, false},
		{http.StatusNotFound, errors.KindNotFound, false},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			work, err := newClient(t, server.URL).Work("llm-provider", Request{})
			require.NoError(t, err)

			_, err = work(context.Background())
			require.Error(t, err)

			classified := errors.Classify(err)
			assert.Equal(t, tt.kind, classified.Kind)
			assert.Equal(t, tt.retryable, classified.Retryable)
		})
	}
}

func TestWork_FreshRequestPerAttempt(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "payload", string(body))
		calls.Add(1)
	}))
	defer server.Close()

	work, err := newClient(t, server.URL).Work("llm-provider", Request{Method: http.MethodPut, Body: []byte("payload")})
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := work(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestWork_UnknownUpstream(t *testing.T) {
	c := newClient(t, "http://127.0.0.1:1")
	_, err := c.Work("db", Request{})
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
}

func TestNewClientRequiresConfig(t *testing.T) {
	_, err := NewClient(nil, nil)
	assert.Equal(t, errors.KindConfiguration, errors.KindOf(err))
}
