package builtins

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadflow-ai/leadflow/internal/security"
	"github.com/leadflow-ai/leadflow/internal/tool"
)

func testRegistry(t *testing.T) *tool.Registry {
	t.Helper()
	client := tool.NewSecureClient(
		tool.WithURLValidator(security.NewURLValidator(security.WithAllowLoopback())),
	)
	r := tool.NewRegistry(tool.WithHTTPClient(client))
	require.NoError(t, Register(r))
	return r
}

func TestRegister_AllBuiltins(t *testing.T) {
	r := testRegistry(t)
	assert.Equal(t, []string{"ai_generate", "file_upload", "http_request", "send_email", "webhook"}, r.List())
}

func TestHTTPRequestTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "value", r.Header.Get("X-Custom"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"company":"Acme"}`))
	}))
	defer srv.Close()

	result := testRegistry(t).Execute(context.Background(), "http_request", map[string]any{
		"url":     srv.URL,
		"headers": map[string]any{"X-Custom": "value"},
	}, tool.ExecuteOptions{})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, float64(200), float64(result.Metadata.StatusCode))
	parsed, ok := result.Data["json"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "Acme", parsed["company"])
}

func TestHTTPRequestTool_MissingURL(t *testing.T) {
	result := testRegistry(t).Execute(context.Background(), "http_request", map[string]any{}, tool.ExecuteOptions{})
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "invalid config")
}

func TestHTTPRequestTool_AllowedDomainsEnforced(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	result := testRegistry(t).Execute(context.Background(), "http_request", map[string]any{
		"url": srv.URL,
	}, tool.ExecuteOptions{AllowedDomains: []string{"example.com"}})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "allowed domains")
}

func TestWebhookTool(t *testing.T) {
	var received map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	result := testRegistry(t).Execute(context.Background(), "webhook", map[string]any{
		"url":     srv.URL,
		"payload": map[string]any{"event": "lead.scored", "score": 0.91},
	}, tool.ExecuteOptions{})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, "lead.scored", received["event"])
}

func TestWebhookTool_NonSuccessStatusFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	result := testRegistry(t).Execute(context.Background(), "webhook", map[string]any{
		"url": srv.URL,
	}, tool.ExecuteOptions{})

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "404")
}

func TestFileUploadTool(t *testing.T) {
	var gotBody string
	var gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		buf := make([]byte, r.ContentLength)
		r.Body.Read(buf)
		gotBody = string(buf)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	result := testRegistry(t).Execute(context.Background(), "file_upload", map[string]any{
		"url":     srv.URL,
		"content": "report contents",
	}, tool.ExecuteOptions{})

	require.True(t, result.Success, result.Error)
	assert.Equal(t, http.MethodPut, gotMethod)
	assert.Equal(t, "report contents", gotBody)
	assert.Equal(t, true, result.Data["uploaded"])
}

func TestSendEmailTool_MockMode(t *testing.T) {
	t.Setenv("SMTP_HOST", "")

	result := testRegistry(t).Execute(context.Background(), "send_email", map[string]any{
		"to":      "prospect@example.com",
		"subject": "Hello",
		"body":    "Intro note",
	}, tool.ExecuteOptions{})

	require.True(t, result.Success, result.Error)
	assert.True(t, result.Metadata.Mocked)
	assert.Equal(t, "prospect@example.com", result.Data["to"])
}

func TestAIGenerateTool_MockIsDeterministic(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	r := testRegistry(t)

	config := map[string]any{"prompt": "summarize Acme Corp"}
	first := r.Execute(context.Background(), "ai_generate", config, tool.ExecuteOptions{})
	second := r.Execute(context.Background(), "ai_generate", config, tool.ExecuteOptions{})

	require.True(t, first.Success, first.Error)
	assert.True(t, first.Metadata.Mocked)
	assert.Equal(t, first.Data["text"], second.Data["text"])
	assert.Equal(t, "gpt-4o-mini", first.Data["model"])
	assert.Less(t, first.Metadata.Duration, time.Second)
}
