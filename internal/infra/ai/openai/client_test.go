package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bryanwahyu/scanrelay/internal/domain/ai"
	"github.com/bryanwahyu/scanrelay/internal/domain/scans"
)

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"choices": []map[string]any{{"index": 0, "message": map[string]any{"role": "assistant", "content": content}}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

var req = ai.Request{
	ScanID:     "scan-1",
	Repository: "acme/widget",
	Findings:   []scans.Finding{{FindingID: "CVE-1", Severity: scans.SeverityHigh, PackageName: "left-pad"}},
}

func TestAnalyzeReturnsContent(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"advice":"upgrade"}`)
	c := NewClientWithBaseURL("key", "", srv.URL)

	out, err := c.Analyze(context.Background(), req)
	require.NoError(t, err)
	assert.JSONEq(t, `{"advice":"upgrade"}`, out)
	assert.Equal(t, defaultModel, c.ModelName())
}

func TestAnalyzeQuota(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "")
	c := NewClientWithBaseURL("key", "gpt-4o", srv.URL)

	_, err := c.Analyze(context.Background(), req)
	assert.ErrorIs(t, err, ai.ErrQuotaExceeded)
}

func TestAnalyzeEmpty(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "  ")
	c := NewClientWithBaseURL("key", "o3-mini", srv.URL)

	_, err := c.Analyze(context.Background(), req)
	assert.ErrorIs(t, err, ai.ErrEmptyResponse)
}
