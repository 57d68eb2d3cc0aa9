package subsonic_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/italolelis/subsonic_offline/internal/storage"
	"github.com/italolelis/subsonic_offline/internal/subsonic"
	"github.com/italolelis/subsonic_offline/internal/transfer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testServer(url string) storage.Server {
	return storage.Server{ID: "srv", Name: "test", BaseURL: url, Username: "alice", Password: "sesame", IsActive: true}
}

func TestToken(t *testing.T) {
	// example from the Subsonic API documentation
	assert.Equal(t, "26719a1196d2a940705a59634eb18eab", subsonic.Token("sesame", "c19b2d"))
}

func TestOpen_Stream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/stream.view", r.URL.Path)

		q := r.URL.Query()
		assert.Equal(t, "s1", q.Get("id"))
		assert.Equal(t, "mp3", q.Get("format"))
		assert.Equal(t, "alice", q.Get("u"))
		assert.Equal(t, subsonic.APIVersion, q.Get("v"))
		assert.Equal(t, "offline-test", q.Get("c"))
		assert.Equal(t, subsonic.Token("sesame", q.Get("s")), q.Get("t"))
		assert.Empty(t, q.Get("p"), "password must never be sent in clear")

		w.Header().Set("Content-Type", "audio/mpeg")
		w.Header().Set("Content-Length", "11")
		fmt.Fprint(w, "hello world")
	}))
	defer ts.Close()

	client := subsonic.NewClient("offline-test")

	body, total, err := client.Open(context.Background(), testServer(ts.URL), "s1", "mp3")
	require.NoError(t, err)
	defer body.Close()

	assert.Equal(t, int64(11), total)

	data, err := io.ReadAll(body)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestOpen_DownloadOriginal(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/download.view", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("format"))

		w.Header().Set("Content-Type", "audio/flac")
		w.Write([]byte("flac"))
	}))
	defer ts.Close()

	client := subsonic.NewClient("offline-test")
	client.DownloadOriginal = true

	body, _, err := client.Open(context.Background(), testServer(ts.URL), "s1", "flac")
	require.NoError(t, err)
	body.Close()
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name        string
		handler     http.HandlerFunc
		wantNetwork bool
		wantStatus  int
	}{
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusBadGateway)
			},
			wantNetwork: true,
			wantStatus:  http.StatusBadGateway,
		},
		{
			name: "not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantNetwork: true,
			wantStatus:  http.StatusNotFound,
		},
		{
			name: "subsonic error envelope",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"subsonic-response":{"status":"failed","version":"1.16.1","error":{"code":70,"message":"Song not found"}}}`)
			},
			wantNetwork: true,
		},
		{
			name: "wrong credentials",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				fmt.Fprint(w, `{"subsonic-response":{"status":"failed","version":"1.16.1","error":{"code":40,"message":"Wrong username or password"}}}`)
			},
			wantNetwork: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(tt.handler)
			defer ts.Close()

			_, _, err := subsonic.NewClient("offline-test").Open(context.Background(), testServer(ts.URL), "s1", "mp3")
			require.Error(t, err)

			var netErr *transfer.NetworkError
			if tt.wantNetwork {
				require.True(t, errors.As(err, &netErr), "expected NetworkError, got %T", err)
				assert.Equal(t, tt.wantStatus, netErr.StatusCode)

				return
			}

			var configErr *transfer.ConfigurationError
			assert.True(t, errors.As(err, &configErr), "expected ConfigurationError, got %T", err)
		})
	}
}

func TestOpen_Unreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := ts.URL
	ts.Close()

	_, _, err := subsonic.NewClient("offline-test").Open(context.Background(), testServer(url), "s1", "mp3")

	var netErr *transfer.NetworkError
	require.True(t, errors.As(err, &netErr))
	assert.Zero(t, netErr.StatusCode)
}

func TestOpen_InvalidServerURL(t *testing.T) {
	_, _, err := subsonic.NewClient("offline-test").Open(context.Background(), testServer("not a url"), "s1", "mp3")

	var configErr *transfer.ConfigurationError
	require.True(t, errors.As(err, &configErr))
}

func TestPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rest/ping.view", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"subsonic-response":{"status":"ok","version":"1.16.1"}}`)
	}))
	defer ts.Close()

	require.NoError(t, subsonic.NewClient("offline-test").Ping(context.Background(), testServer(ts.URL)))
}
