package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldspace/paygate"
)

func TestSubmit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/requests", r.URL.Path)
		require.Equal(t, "Bearer samsar-key", r.Header.Get("Authorization"))

		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"prompt":"a red fox"}`, string(body))

		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{"id": "req-123"})
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL, APIKey: "samsar-key"})

	id, err := client.Submit(context.Background(), json.RawMessage(`{"prompt":"a red fox"}`))
	require.NoError(t, err)
	assert.Equal(t, "req-123", id)
}

func TestSubmit_EmptyPayloadSendsEmptyObject(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{}`, string(body))
		json.NewEncoder(w).Encode(map[string]string{"id": "req-123"})
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL})

	_, err := client.Submit(context.Background(), nil)
	require.NoError(t, err)
}

func TestSubmit_Errors(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    string
		message string
	}{
		{"rejected", http.StatusUnprocessableEntity, `{"error":"bad prompt"}`, "422"},
		{"missing id", http.StatusOK, `{}`, "no request id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(Config{URL: server.URL})

			_, err := client.Submit(context.Background(), json.RawMessage(`{}`))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.message)
		})
	}
}

func TestGetStatus_Mapping(t *testing.T) {
	tests := []struct {
		name string
		body string
		want paygate.DownstreamStatus
	}{
		{
			"completed",
			`{"status":"completed","resultUrl":"https://cdn.example/out.mp4"}`,
			paygate.DownstreamStatus{State: paygate.DownstreamCompleted, ResultRef: "https://cdn.example/out.mp4"},
		},
		{
			"succeeded alias",
			`{"status":"succeeded","resultUrl":"https://cdn.example/out.mp4"}`,
			paygate.DownstreamStatus{State: paygate.DownstreamCompleted, ResultRef: "https://cdn.example/out.mp4"},
		},
		{
			"failed",
			`{"status":"failed","error":"render error"}`,
			paygate.DownstreamStatus{State: paygate.DownstreamFailed, Reason: "render error"},
		},
		{
			"error alias",
			`{"status":"error","error":"capacity"}`,
			paygate.DownstreamStatus{State: paygate.DownstreamFailed, Reason: "capacity"},
		},
		{
			"processing",
			`{"status":"processing"}`,
			paygate.DownstreamStatus{State: paygate.DownstreamPending},
		},
		{
			"unknown vocabulary degrades to pending",
			`{"status":"rendering_v2"}`,
			paygate.DownstreamStatus{State: paygate.DownstreamPending},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, "/requests/req-123", r.URL.Path)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewClient(Config{URL: server.URL})

			status, err := client.GetStatus(context.Background(), "req-123")
			require.NoError(t, err)
			assert.Equal(t, tt.want, *status)
		})
	}
}

func TestGetStatus_HTTPError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(Config{URL: server.URL})

	_, err := client.GetStatus(context.Background(), "req-123")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}
