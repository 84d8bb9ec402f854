package main

import (
	"context"
	"log"
	"strconv"
	"strings"
	"sync"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/googleai"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const storytellerSystemPrompt = `You are the narrator of a werewolf game played around a village table. At dawn and after each execution you tell the village, in 2-3 sentences, what just happened. Be gothic and dramatic. Only use facts from the history you are given and never guess anyone's role.`

// Narrator turns the public history of a game into a short story.
// onChunk is called with each text chunk as it streams in; it may be nil.
type Narrator interface {
	Tell(ctx context.Context, history []string, onChunk func(string)) (string, error)
}

type llmStoryteller struct {
	llm          llms.Model
	systemPrompt string
	callOpts     []llms.CallOption
}

// narrationWindow is how many of the latest history lines the model sees.
const narrationWindow = 40

// storyPrompt frames the tail of the public history for the model.
func storyPrompt(history []string) string {
	if len(history) > narrationWindow {
		history = history[len(history)-narrationWindow:]
	}
	return "Game history so far:\n" + strings.Join(history, "\n") +
		"\n\nTell a short dramatic story (2-3 sentences) about the latest events."
}

func (s *llmStoryteller) Tell(ctx context.Context, history []string, onChunk func(string)) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, s.systemPrompt),
		llms.TextParts(llms.ChatMessageTypeHuman, storyPrompt(history)),
	}

	var fullText strings.Builder
	opts := append(s.callOpts, llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
		text := string(chunk)
		fullText.WriteString(text)
		if onChunk != nil {
			onChunk(text)
		}
		return nil
	}))

	_, err := s.llm.GenerateContent(ctx, messages, opts...)
	return strings.TrimSpace(fullText.String()), err
}

// buildCallOpts builds LLM call options from the config.
func buildCallOpts(cfg AppConfig) []llms.CallOption {
	var opts []llms.CallOption

	if cfg.StorytellerTemperature != "" {
		if f, err := strconv.ParseFloat(cfg.StorytellerTemperature, 64); err == nil {
			opts = append(opts, llms.WithTemperature(f))
			log.Printf("Storyteller: temperature=%.2f", f)
		} else {
			log.Printf("Storyteller: invalid temperature %q: %v", cfg.StorytellerTemperature, err)
		}
	}

	if cfg.StorytellerThinking != "" {
		mode := llms.ThinkingMode(cfg.StorytellerThinking)
		switch mode {
		case llms.ThinkingModeNone, llms.ThinkingModeLow, llms.ThinkingModeMedium, llms.ThinkingModeHigh, llms.ThinkingModeAuto:
			opts = append(opts, llms.WithThinkingMode(mode))
			log.Printf("Storyteller: thinking=%s", mode)
		default:
			log.Printf("Storyteller: invalid thinking %q (valid: none, low, medium, high, auto)", cfg.StorytellerThinking)
		}
	}

	return opts
}

// newNarrator builds the configured storyteller. It returns nil when no
// provider is set or the provider fails to initialise; games then run unnarrated.
func newNarrator(cfg AppConfig) Narrator {
	model := cfg.StorytellerModel

	var llm llms.Model
	var err error
	switch cfg.StorytellerProvider {
	case "ollama":
		llm, err = ollama.New(ollama.WithModel(model), ollama.WithServerURL(cfg.StorytellerOllamaURL))
	case "openai":
		llm, err = openai.New(openai.WithModel(model))
	case "claude":
		llm, err = anthropic.New(anthropic.WithModel(model))
	case "gemini":
		llm, err = googleai.New(context.Background(), googleai.WithDefaultModel(model))
	case "groq":
		llm, err = openai.New(
			openai.WithModel(model),
			openai.WithBaseURL("https://api.groq.com/openai/v1"),
			openai.WithToken(cfg.GroqAPIKey),
		)
	case "openai-compatible":
		if cfg.StorytellerURL == "" {
			log.Printf("Storyteller: storyteller_url is required for openai-compatible provider")
			return nil
		}
		opts := []openai.Option{
			openai.WithModel(model),
			openai.WithBaseURL(cfg.StorytellerURL),
		}
		if cfg.StorytellerAPIKey != "" {
			opts = append(opts, openai.WithToken(cfg.StorytellerAPIKey))
		}
		llm, err = openai.New(opts...)
	case "mock":
		log.Printf("Storyteller: mock narrator")
		return &mockNarrator{story: "The night was long, and the village woke to whispers."}
	default:
		log.Printf("Storyteller: disabled (set storyteller_provider to enable)")
		return nil
	}
	if err != nil {
		log.Printf("Storyteller: failed to init %s (%s): %v", cfg.StorytellerProvider, model, err)
		return nil
	}

	log.Printf("Storyteller: %s model=%s", cfg.StorytellerProvider, model)
	return &llmStoryteller{llm: llm, systemPrompt: storytellerSystemPrompt, callOpts: buildCallOpts(cfg)}
}

// mockNarrator replays a fixed story, chunk by chunk. Used by tests and by
// the "mock" provider for local play without an LLM.
type mockNarrator struct {
	story string
	mu    sync.Mutex
	calls [][]string
}

func (m *mockNarrator) Tell(_ context.Context, history []string, onChunk func(string)) (string, error) {
	m.mu.Lock()
	m.calls = append(m.calls, append([]string(nil), history...))
	m.mu.Unlock()
	if onChunk != nil {
		for _, word := range strings.Fields(m.story) {
			onChunk(word + " ")
		}
	}
	return m.story, nil
}
