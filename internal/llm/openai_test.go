package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/ashureev/dataloop/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenAIProcessorStreams(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			http.NotFound(w, r)
			return
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "text/event-stream")
		for _, part := range []string{"Hel", "lo"} {
			fmt.Fprintf(w, "data: {\"id\":\"1\",\"object\":\"chat.completion.chunk\",\"choices\":[{\"index\":0,\"delta\":{\"content\":%q}}]}\n\n", part)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p, err := NewOpenAI(Config{APIKey: "k", BaseURL: srv.URL + "/v1", Model: "test-model"}, nil)
	require.NoError(t, err)

	req := domain.CompletionRequest{
		System:   "sys",
		Messages: []domain.ModelMessage{{Role: domain.RoleUser, Content: "hi"}},
	}
	var got strings.Builder
	for chunk, err := range p.Complete(context.Background(), req) {
		require.NoError(t, err)
		got.WriteString(chunk.Delta)
	}
	assert.Equal(t, "Hello", got.String())
	assert.Equal(t, "test-model", gotBody["model"])
	msgs, _ := gotBody["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
}

func TestNewRejectsUnknownProvider(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Provider: "carrier-pigeon"}, nil)
	assert.Error(t, err)

	_, err = New(Config{Provider: ProviderOpenAI}, nil)
	assert.ErrorIs(t, err, errMissingAPIKey)
}
