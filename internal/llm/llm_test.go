package llm

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHook struct {
	mu     sync.Mutex
	before []string
	after  []error
}

func (h *recordingHook) Before(_ context.Context, phase, _ string, _ any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.before = append(h.before, phase)
}

func (h *recordingHook) After(_ context.Context, _ string, _ json.RawMessage, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.after = append(h.after, err)
}

func TestWrapOrder(t *testing.T) {
	var order []string
	mw := func(name string) Middleware {
		return func(next LLMClient) LLMClient {
			order = append(order, name)
			return next
		}
	}
	Wrap(NewFakeClient(), mw("A"), nil, mw("B"))
	// inner-most is applied first
	assert.Equal(t, []string{"B", "A"}, order)
}

func TestHooksSeePhaseAndErrors(t *testing.T) {
	fake := NewFakeClient().Fail("validate", errors.New("boom"))
	cli := Wrap(fake, WithHooks(), WithLogging(nil))
	hook := &recordingHook{}
	ctx := WithHook(context.Background(), hook)

	_, err := cli.GenerateJSON(WithPhase(ctx, "generate"), "p", nil)
	require.NoError(t, err)
	_, err = cli.GenerateJSON(WithPhase(ctx, "validate"), "p", nil)
	require.Error(t, err)

	assert.Equal(t, []string{"generate", "validate"}, hook.before)
	require.Len(t, hook.after, 2)
	assert.NoError(t, hook.after[0])
	assert.EqualError(t, hook.after[1], "boom")
}

func TestRateLimitSpacing(t *testing.T) {
	cli := Wrap(NewFakeClient(), RateLimit(20, 1))
	ctx := context.Background()
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := cli.GenerateJSON(ctx, "p", nil)
		require.NoError(t, err)
	}
	// burst 1 at 20 rps: two waits of ~50ms
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestRateLimitHonoursContext(t *testing.T) {
	cli := Wrap(NewFakeClient(), RateLimit(0.001, 1))
	ctx := context.Background()
	_, err := cli.GenerateJSON(ctx, "p", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = cli.GenerateJSON(ctx, "p", nil)
	assert.Error(t, err)
}

func TestRateLimitDisabled(t *testing.T) {
	inner := NewFakeClient()
	assert.Same(t, LLMClient(inner), RateLimit(0, 0)(inner))
}

func TestFakeClientScriptsThenDefaults(t *testing.T) {
	f := NewFakeClient().Script("validate", `{"result":false,"dockerfile":null,"files":null}`)
	ctx := WithPhase(context.Background(), "validate")

	raw, err := f.GenerateJSON(ctx, "p", map[string]string{"k": "v"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":false,"dockerfile":null,"files":null}`, string(raw))

	raw, err = f.GenerateJSON(ctx, "p", nil)
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"result":true`)

	f.Script("generate", `not json`)
	raw, err = f.GenerateJSON(WithPhase(context.Background(), "generate"), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, "not json", string(raw))
	assert.Len(t, f.Calls(), 3)
}

func TestRefusalErrorUnwraps(t *testing.T) {
	err := error(&RefusalError{Provider: "OpenAI", Reason: "no"})
	assert.ErrorIs(t, err, ErrRefused)
	assert.Equal(t, "OpenAI: model refused: no", err.Error())
}

// chatServer answers /chat/completions with body and records the request.
func chatServer(t *testing.T, body string) (*httptest.Server, *map[string]any) {
	t.Helper()
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv, &got
}

func completion(content, refusal, finish string) string {
	msg := map[string]any{"role": "assistant", "content": content}
	if refusal != "" {
		msg["refusal"] = refusal
	}
	b, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"model":   "m",
		"choices": []any{map[string]any{"index": 0, "message": msg, "finish_reason": finish}},
	})
	return string(b)
}

func TestOpenAIClientStrictSchema(t *testing.T) {
	srv, got := chatServer(t, completion(`{"result":true}`, "", "stop"))
	cli, err := NewOpenAIClient("sk-test", "m", srv.URL)
	require.NoError(t, err)

	ctx := WithSchema(context.Background(), Schema{Name: "verdict", JSON: json.RawMessage(`{"type":"object"}`)})
	raw, err := cli.GenerateJSON(ctx, "judge it", map[string]string{"output": "ok"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"result":true}`, string(raw))

	rf, ok := (*got)["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_schema", rf["type"])
	js := rf["json_schema"].(map[string]any)
	assert.Equal(t, "verdict", js["name"])
	assert.Equal(t, true, js["strict"])
	msgs := (*got)["messages"].([]any)
	assert.Len(t, msgs, 2)
}

func TestOpenAIClientRefusal(t *testing.T) {
	srv, _ := chatServer(t, completion("", "I can't help with that.", "stop"))
	cli, err := NewOpenAIClient("sk-test", "m", srv.URL)
	require.NoError(t, err)

	_, err = cli.GenerateJSON(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrRefused)
	assert.Contains(t, err.Error(), "can't help")
}

func TestOpenAIClientInvalidJSON(t *testing.T) {
	srv, _ := chatServer(t, completion("sure! here you go", "", "stop"))
	cli, err := NewOpenAIClient("sk-test", "m", srv.URL)
	require.NoError(t, err)
	_, err = cli.GenerateJSON(context.Background(), "p", nil)
	assert.ErrorIs(t, err, ErrInvalidJSON)
}

func TestGroqClientPutsSchemaInPrompt(t *testing.T) {
	srv, got := chatServer(t, completion(`{"a":1}`, "", "stop"))
	cli, err := NewGroqClient("gsk", "")
	require.NoError(t, err)
	cli.cli = newTestOpenAI(srv.URL)
	assert.Equal(t, "Groq:"+DefaultGroqModel, cli.Name())

	ctx := WithSchema(context.Background(), Schema{Name: "x", JSON: json.RawMessage(`{"type":"object"}`)})
	_, err = cli.GenerateJSON(ctx, "p", nil)
	require.NoError(t, err)
	rf := (*got)["response_format"].(map[string]any)
	assert.Equal(t, "json_object", rf["type"])
	first := (*got)["messages"].([]any)[0].(map[string]any)
	assert.Contains(t, first["content"], "[OUTPUT JSON SCHEMA]")
}

func TestNewOpenAIClientRequiresKey(t *testing.T) {
	_, err := NewOpenAIClient(" ", "", "")
	assert.Error(t, err)
}
