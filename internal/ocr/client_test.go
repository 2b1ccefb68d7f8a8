package ocr

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/termin-cli/api/schemas"
	"github.com/xkilldash9x/termin-cli/internal/config"
)

func newTestClient(t *testing.T, endpoint string) *Client {
	t.Helper()
	return NewClient(config.OCRConfig{Endpoint: endpoint, Timeout: 2 * time.Second}, zaptest.NewLogger(t))
}

func TestDecode_Success(t *testing.T) {
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/octet-stream", r.Header.Get("Content-Type"))
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"text":"Ab12cD","confidence":0.91}`))
	}))
	defer server.Close()

	text, err := newTestClient(t, server.URL).Decode(context.Background(), []byte("png-bytes"))
	require.NoError(t, err)
	assert.Equal(t, "Ab12cD", text)
	assert.Equal(t, []byte("png-bytes"), gotBody)
}

func TestDecode_EngineError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error":"unreadable"}`))
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Decode(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, schemas.ErrEngineUnavailable)
	assert.Contains(t, err.Error(), "unreadable")
}

func TestDecode_ServiceUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Decode(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, schemas.ErrEngineUnavailable)
}

func TestDecode_BadStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer server.Close()

	_, err := newTestClient(t, server.URL).Decode(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.NotErrorIs(t, err, schemas.ErrEngineUnavailable)
}

func TestDecode_ConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	_, err = newTestClient(t, "http://"+addr+"/decode").Decode(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, schemas.ErrEngineUnavailable)
}

func TestDecode_ContextCancelled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := newTestClient(t, server.URL).Decode(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
