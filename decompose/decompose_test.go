package decompose

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go-gigmarket/model"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validReply = `<think>the user wants a package delivered</think>
Here is the plan:
{"subtasks": [
  {"id": 2, "description": "Drive to the address", "criteria": "navigation started"},
  {"id": 1, "description": "Pick up the package", "criteria": "order picked up"},
  {"id": 3, "description": "Hand over the package", "criteria": "delivered"}
]}
Good luck!`

func TestParseSubtasksWithTextAround(t *testing.T) {
	specs, err := parseSubtasks(validReply)
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, "Pick up the package", specs[0].Description)
	assert.Equal(t, 2, specs[1].ID)
	assert.Equal(t, "delivered", specs[2].Criteria)
}

func TestParseSubtasksRejectsMalformed(t *testing.T) {
	cases := map[string]string{
		"no json":      "I cannot help with that",
		"broken json":  `{"subtasks": [`,
		"two subtasks": `{"subtasks": [{"id":1,"description":"a","criteria":"b"},{"id":2,"description":"a","criteria":"b"}]}`,
		"duplicate id": `{"subtasks": [{"id":1,"description":"a","criteria":"b"},{"id":1,"description":"a","criteria":"b"},{"id":3,"description":"a","criteria":"b"}]}`,
		"empty text":   `{"subtasks": [{"id":1,"description":"","criteria":"b"},{"id":2,"description":"a","criteria":"b"},{"id":3,"description":"a","criteria":"b"}]}`,
	}
	for name, reply := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := parseSubtasks(reply)
			assert.ErrorIs(t, err, model.ErrExternalService)
		})
	}
}

func TestFallbackIsValid(t *testing.T) {
	specs, err := Validate(Fallback())
	require.NoError(t, err)
	assert.Len(t, specs, 3)
}

func TestStaticGateway(t *testing.T) {
	specs, err := Static{}.Decompose(context.Background(), "anything")
	require.NoError(t, err)
	assert.Equal(t, Fallback(), specs)
}

func chatServer(t *testing.T, status int, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		var req openai.ChatCompletionRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "qwen-qwq-32b", req.Model)
		if assert.Len(t, req.Messages, 2) {
			assert.Equal(t, "Deliver package", req.Messages[1].Content)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status != http.StatusOK {
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{
				Message: openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: content},
			}},
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestOpenAIGatewayDecompose(t *testing.T) {
	srv := chatServer(t, http.StatusOK, validReply)
	g := NewOpenAIGateway(Config{APIKey: "test", BaseURL: srv.URL, Model: "qwen-qwq-32b"})

	specs, err := g.Decompose(context.Background(), "Deliver package")
	require.NoError(t, err)
	require.Len(t, specs, 3)
	assert.Equal(t, 1, specs[0].ID)
}

func TestOpenAIGatewayUpstreamError(t *testing.T) {
	srv := chatServer(t, http.StatusTooManyRequests, "")
	g := NewOpenAIGateway(Config{APIKey: "test", BaseURL: srv.URL, Model: "qwen-qwq-32b"})

	_, err := g.Decompose(context.Background(), "Deliver package")
	assert.ErrorIs(t, err, model.ErrExternalService)
}
