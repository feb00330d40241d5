package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gmcoin.meme/gm-verify/internal/session"
	"gmcoin.meme/gm-verify/pkg/errors"
)

func TestSubmitPostsJSONBody(t *testing.T) {
	var received map[string]interface{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Write([]byte(`{"txHash":"0xabc"}`))
	}))
	defer server.Close()

	ack, err := NewClient(server.URL).Submit(context.Background(), &SubmitRequest{
		Signature:  "0xsignature",
		AuthCode:   "abc123",
		Verifier:   "verifier-string",
		AutoFollow: true,
		Wallet:     "0x1111111111111111111111111111111111111111",
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"txHash":"0xabc"}`, string(ack.Raw))

	assert.Equal(t, "0xsignature", received["signature"])
	assert.Equal(t, "abc123", received["authCode"])
	assert.Equal(t, "verifier-string", received["verifier"])
	assert.Equal(t, true, received["autoFollow"])
	// the wallet only indexes the rate limit
	assert.NotContains(t, received, "Wallet")
}

func TestSubmitNonSuccessStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "relayer out of funds", http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := NewClient(server.URL).Submit(context.Background(), &SubmitRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrService))
	assert.Contains(t, err.Error(), "502")
}

func TestSubmitTransportFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	server.Close() // refuse every connection

	_, err := NewClient(server.URL).Submit(context.Background(), &SubmitRequest{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.False(t, errors.Is(err, ErrService))
}

func TestResolveHandleUsernameField(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "abc123", body["authCode"])
		assert.Equal(t, "verifier-string", body["verifier"])
		w.Write([]byte(`{"username":"gm_fan"}`))
	}))
	defer server.Close()

	durable := session.NewMemoryStore()
	resolver := NewHandleResolver(server.URL, durable)
	handle := resolver.Resolve(context.Background(), "abc123", "verifier-string")
	assert.Equal(t, "gm_fan", handle)
	assert.Equal(t, "gm_fan", durable.Get(session.KeyTwitterName))
}

func TestResolveHandleTwitterNameFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"twitterName":"gm_fan"}`))
	}))
	defer server.Close()

	resolver := NewHandleResolver(server.URL, session.NewMemoryStore())
	assert.Equal(t, "gm_fan", resolver.Resolve(context.Background(), "abc123", "v"))
}

func TestResolveHandleDegradesToPlaceholder(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer server.Close()

	durable := session.NewMemoryStore()
	resolver := NewHandleResolver(server.URL, durable)
	handle := resolver.Resolve(context.Background(), "abc123", "v")
	assert.Equal(t, PlaceholderHandle, handle)
	assert.Empty(t, durable.Get(session.KeyTwitterName))
}
