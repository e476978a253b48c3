package inference

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gyeh/claimflow/internal/resolver"
)

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var req chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Contains(t, req.Messages[1].Content, "LAB-CBC")

		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"requests"}}`))
			return
		}
		resp := map[string]any{
			"choices": []map[string]any{{"message": map[string]string{"role": "assistant", "content": content}}},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
}

func TestInfer_ParsesSuggestion(t *testing.T) {
	srv := chatServer(t, http.StatusOK, `{"code":" 85025 ","description":"Complete blood count","confidence":0.87}`)
	defer srv.Close()

	p := NewOpenAIProvider("test-key", WithEndpoint(srv.URL), WithModel("test-model"))
	got, err := p.Infer(context.Background(), resolver.InferenceRequest{FacilityID: "F1", FacilityCode: "LAB-CBC"})
	require.NoError(t, err)
	assert.Equal(t, "85025", got.Code)
	assert.Equal(t, "Complete blood count", got.Description)
	assert.InDelta(t, 0.87, got.Confidence, 1e-9)
}

func TestInfer_FencedContent(t *testing.T) {
	srv := chatServer(t, http.StatusOK, "```json\n{\"code\":\"85025\",\"confidence\":0.7}\n```")
	defer srv.Close()

	p := NewOpenAIProvider("test-key", WithEndpoint(srv.URL), WithModel("test-model"))
	got, err := p.Infer(context.Background(), resolver.InferenceRequest{FacilityID: "F1", FacilityCode: "LAB-CBC"})
	require.NoError(t, err)
	assert.Equal(t, "85025", got.Code)
}

func TestInfer_APIError(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "")
	defer srv.Close()

	p := NewOpenAIProvider("test-key", WithEndpoint(srv.URL), WithModel("test-model"))
	_, err := p.Infer(context.Background(), resolver.InferenceRequest{FacilityID: "F1", FacilityCode: "LAB-CBC"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestInfer_MissingKey(t *testing.T) {
	p := NewOpenAIProvider("")
	_, err := p.Infer(context.Background(), resolver.InferenceRequest{FacilityCode: "X"})
	require.Error(t, err)
}

func TestInfer_HonoursContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	p := NewOpenAIProvider("test-key", WithEndpoint(srv.URL))
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := p.Infer(ctx, resolver.InferenceRequest{FacilityCode: "X"})
	require.Error(t, err)
}

func TestUserPrompt_IncludesNotes(t *testing.T) {
	got := userPrompt(resolver.InferenceRequest{FacilityID: "F1", FacilityCode: "UNKNOWN-999", Notes: "post-op review"})
	assert.True(t, strings.Contains(got, "Clinical notes: post-op review"))
	assert.NotContains(t, got, "Description:")
}
