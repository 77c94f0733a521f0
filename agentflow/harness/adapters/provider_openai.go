package adapters

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ports "github.com/ZanzyTHEbar/agentflow/agentflow/harness/ports"
	"github.com/rs/zerolog"
	"github.com/sethvargo/go-retry"
)

// OpenAIConfig configures the chat-completions provider.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	Model      string
	Timeout    time.Duration // whole call, stream included; 0 disables
	MaxRetries int           // attempts after the first, only before the stream starts
	RetryBase  time.Duration // first backoff step
}

// OpenAIProvider streams chat completions from an OpenAI-compatible endpoint.
type OpenAIProvider struct {
	cfg        OpenAIConfig
	httpClient *http.Client
	logger     zerolog.Logger
}

// NewOpenAIProvider creates a provider. A nil client uses a default http.Client.
func NewOpenAIProvider(cfg OpenAIConfig, client *http.Client, logger zerolog.Logger) *OpenAIProvider {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &OpenAIProvider{
		cfg:        cfg,
		httpClient: client,
		logger:     logger.With().Str("component", "openai").Logger(),
	}
}

// Wire types for /chat/completions.
type (
	openAIRequest struct {
		Model         string               `json:"model"`
		Messages      []openAIMessage      `json:"messages"`
		Tools         []openAITool         `json:"tools,omitempty"`
		ToolChoice    any                  `json:"tool_choice,omitempty"`
		MaxTokens     int                  `json:"max_tokens,omitempty"`
		Temperature   float32              `json:"temperature"`
		Stream        bool                 `json:"stream"`
		StreamOptions *openAIStreamOptions `json:"stream_options,omitempty"`
	}

	openAIStreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	}

	openAIMessage struct {
		Role       string           `json:"role"`
		Content    string           `json:"content"`
		ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
		ToolCallID string           `json:"tool_call_id,omitempty"`
	}

	openAIToolCall struct {
		Index    *int               `json:"index,omitempty"`
		ID       string             `json:"id,omitempty"`
		Type     string             `json:"type,omitempty"`
		Function openAIFunctionCall `json:"function"`
	}

	openAIFunctionCall struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	}

	openAITool struct {
		Type     string            `json:"type"`
		Function openAIFunctionDef `json:"function"`
	}

	openAIFunctionDef struct {
		Name        string          `json:"name"`
		Description string          `json:"description,omitempty"`
		Parameters  json.RawMessage `json:"parameters,omitempty"`
	}

	openAIStreamChunk struct {
		Model   string `json:"model"`
		Choices []struct {
			Delta struct {
				Content   string           `json:"content"`
				ToolCalls []openAIToolCall `json:"tool_calls"`
			} `json:"delta"`
			FinishReason *string `json:"finish_reason"`
		} `json:"choices"`
		Usage *ports.Usage `json:"usage"`
		Error *openAIError `json:"error"`
	}

	openAIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	}
)

// Stream sends the prompt and returns the streamed completion. Connection
// failures, 429 and 5xx responses are retried until the stream has started.
func (p *OpenAIProvider) Stream(ctx context.Context, in ports.PromptInput, opts ports.Options) (<-chan ports.CompletionChunk, error) {
	body, err := json.Marshal(p.buildRequest(in, opts))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	cancel := context.CancelFunc(func() {})
	if p.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
	}

	backoff := retry.WithMaxRetries(uint64(max(p.cfg.MaxRetries, 0)),
		retry.WithCappedDuration(10*time.Second, retry.NewExponential(p.cfg.RetryBase)))

	var resp *http.Response
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		r, err := p.send(ctx, body)
		if err != nil {
			p.logger.Debug().Err(err).Int("attempt", attempt).Msg("chat completion request failed")
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		cancel()
		return nil, err
	}

	out := make(chan ports.CompletionChunk)
	go func() {
		defer cancel()
		defer close(out)
		defer resp.Body.Close()
		p.readStream(ctx, resp.Body, out)
	}()

	return out, nil
}

// send performs one HTTP attempt and classifies failures for the retry loop.
func (p *OpenAIProvider) send(ctx context.Context, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("request failed: %w", err)
		}
		return nil, retry.RetryableError(fmt.Errorf("request failed: %w", err))
	}

	if resp.StatusCode == http.StatusOK {
		return resp, nil
	}

	defer resp.Body.Close()
	excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, retry.RetryableError(statusErr)
	}
	return nil, statusErr
}

// readStream parses server-sent events until [DONE], EOF or an error.
func (p *OpenAIProvider) readStream(ctx context.Context, r io.Reader, out chan<- ports.CompletionChunk) {
	emit := func(chunk ports.CompletionChunk) bool {
		select {
		case out <- chunk:
			return true
		case <-ctx.Done():
			return false
		}
	}
	fail := func(err error) {
		// Best effort; the consumer may already be gone.
		emit(ports.CompletionChunk{Err: err, Done: true})
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var model, finishReason string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			emit(ports.CompletionChunk{Done: true, Model: model, FinishReason: finishReason})
			return
		}

		var event openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			fail(fmt.Errorf("failed to decode stream event: %w", err))
			return
		}
		if event.Error != nil {
			fail(fmt.Errorf("provider stream error: %s", event.Error.Message))
			return
		}

		chunk := ports.CompletionChunk{Model: event.Model, Usage: event.Usage}
		if event.Model != "" {
			model = event.Model
		}
		for _, choice := range event.Choices {
			chunk.DeltaText += choice.Delta.Content
			for i, tc := range choice.Delta.ToolCalls {
				index := i
				if tc.Index != nil {
					index = *tc.Index
				}
				chunk.ToolCalls = append(chunk.ToolCalls, ports.ToolCallDelta{
					Index:     index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					ArgsDelta: tc.Function.Arguments,
				})
			}
			if choice.FinishReason != nil && *choice.FinishReason != "" {
				finishReason = *choice.FinishReason
				chunk.FinishReason = finishReason
			}
		}

		if chunk.DeltaText == "" && len(chunk.ToolCalls) == 0 && chunk.Usage == nil && chunk.FinishReason == "" {
			continue
		}
		if !emit(chunk) {
			return
		}
	}

	if err := scanner.Err(); err != nil {
		fail(fmt.Errorf("failed to read stream: %w", err))
		return
	}
	fail(io.ErrUnexpectedEOF)
}

func (p *OpenAIProvider) buildRequest(in ports.PromptInput, opts ports.Options) openAIRequest {
	req := openAIRequest{
		Model:         p.cfg.Model,
		MaxTokens:     opts.MaxNewTokens,
		Temperature:   opts.Temperature,
		Stream:        true,
		StreamOptions: &openAIStreamOptions{IncludeUsage: true},
	}

	if in.System != "" {
		req.Messages = append(req.Messages, openAIMessage{Role: "system", Content: in.System})
	}
	for _, msg := range in.Messages {
		m := openAIMessage{Role: msg.Role, Content: msg.Content, ToolCallID: msg.ToolCallID}
		for _, tc := range msg.ToolCalls {
			m.ToolCalls = append(m.ToolCalls, openAIToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openAIFunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		req.Messages = append(req.Messages, m)
	}

	for _, spec := range in.Tools {
		req.Tools = append(req.Tools, openAITool{
			Type: "function",
			Function: openAIFunctionDef{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  json.RawMessage(spec.JSONSchema),
			},
		})
	}

	if len(req.Tools) > 0 {
		switch opts.ToolChoice {
		case "":
		case "auto", "none", "required":
			req.ToolChoice = opts.ToolChoice
		default:
			req.ToolChoice = map[string]any{
				"type":     "function",
				"function": map[string]string{"name": opts.ToolChoice},
			}
		}
	}

	return req
}

// StatusError is a non-200 response from the provider.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %s", e.StatusCode, e.Body)
}

// IsStatus reports whether err carries the given provider HTTP status.
func IsStatus(err error, code int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == code
}

// Ensure OpenAIProvider implements the Provider interface.
var _ ports.Provider = (*OpenAIProvider)(nil)
