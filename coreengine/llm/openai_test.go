package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/leadflow/coreengine/agents"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/config"
	"github.com/jeeves-cluster-organization/leadflow/coreengine/logging"
)

func fakeCompletions(t *testing.T, content string, status int) (*httptest.Server, *map[string]any) {
	t.Helper()
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		_ = json.NewDecoder(r.Body).Decode(&captured)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"overloaded","type":"server_error"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":     "chatcmpl-1",
			"object": "chat.completion",
			"model":  "gpt-4o-mini",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
			"usage": map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &captured
}

func testGenerator(url string) *OpenAIGenerator {
	return NewOpenAIGenerator(config.LLMConfig{Model: "gpt-4o-mini", BaseURL: url + "/v1"}, "sk-test", logging.Nop())
}

func TestOpenAIGeneratorParsesAction(t *testing.T) {
	srv, captured := fakeCompletions(t, `{"action":"escalate","reason":"needs_appointment"}`, http.StatusOK)
	gen := testGenerator(srv.URL)

	out, err := gen.Generate(context.Background(), agents.Request{
		Role:           "engagement",
		Prompt:         "Cliente: quiero una cita",
		AllowedActions: []string{"respond", "escalate"},
	})

	require.NoError(t, err)
	assert.Equal(t, "escalate", out.Action)
	assert.Equal(t, "needs_appointment", out.Reason)
	assert.Equal(t, "gpt-4o-mini", (*captured)["model"])

	messages := (*captured)["messages"].([]any)
	require.Len(t, messages, 2)
	user := messages[1].(map[string]any)
	assert.Contains(t, user["content"], "Allowed actions: respond, escalate")
}

func TestOpenAIGeneratorPlainText(t *testing.T) {
	srv, _ := fakeCompletions(t, "¡Claro! ¿Qué día te acomoda?", http.StatusOK)
	gen := testGenerator(srv.URL)

	out, err := gen.Generate(context.Background(), agents.Request{Prompt: "x"})

	require.NoError(t, err)
	assert.Equal(t, "respond", out.Action)
	assert.Equal(t, "¡Claro! ¿Qué día te acomoda?", out.Text)
}

func TestOpenAIGeneratorServerError(t *testing.T) {
	srv, _ := fakeCompletions(t, "", http.StatusServiceUnavailable)
	gen := testGenerator(srv.URL)

	_, err := gen.Generate(context.Background(), agents.Request{Prompt: "x"})
	assert.Error(t, err)
}

func TestRateLimitedGenerator(t *testing.T) {
	var calls int32
	inner := agents.GeneratorFunc(func(ctx context.Context, req agents.Request) (agents.Generation, error) {
		atomic.AddInt32(&calls, 1)
		return agents.Generation{Action: "respond", Text: "ok"}, nil
	})
	gen := NewRateLimitedGenerator(inner, 0.001, 1)

	_, err := gen.Generate(context.Background(), agents.Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = gen.Generate(ctx, agents.Request{})

	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFromConfig(t *testing.T) {
	t.Setenv("LEADFLOW_TEST_KEY", "sk-test")

	tests := []struct {
		name     string
		mutate   func(c *config.CoreConfig)
		wantType any
		wantErr  bool
	}{
		{"template", func(c *config.CoreConfig) { c.LLM.Provider = "template" }, agents.TemplateGenerator{}, false},
		{"openai limited", func(c *config.CoreConfig) {
			c.LLM.Provider = "openai"
			c.LLM.APIKeyEnv = "LEADFLOW_TEST_KEY"
		}, &RateLimitedGenerator{}, false},
		{"openai unlimited", func(c *config.CoreConfig) {
			c.LLM.Provider = "openai"
			c.LLM.APIKeyEnv = "LEADFLOW_TEST_KEY"
			c.LLM.RequestsPerSecond = 0
		}, &OpenAIGenerator{}, false},
		{"missing key", func(c *config.CoreConfig) {
			c.LLM.Provider = "openai"
			c.LLM.APIKeyEnv = "LEADFLOW_TEST_MISSING_KEY"
		}, nil, true},
		{"unknown", func(c *config.CoreConfig) { c.LLM.Provider = "bard" }, nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := config.DefaultCoreConfig()
			tt.mutate(cfg)

			gen, err := FromConfig(cfg, logging.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.IsType(t, tt.wantType, gen)
		})
	}
}
