package llm

import openai "github.com/sashabaranov/go-openai"

func newTestOpenAI(baseURL string) *openai.Client {
	cfg := openai.DefaultConfig("test")
	cfg.BaseURL = baseURL
	return openai.NewClientWithConfig(cfg)
}
