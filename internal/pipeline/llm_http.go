package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/voxline/internal/reliability"
)

// HTTPLanguageModel streams completions from an HTTP endpoint speaking
// SSE or ndjson. Non-streaming JSON responses are accepted too and
// delivered as a single token.
type HTTPLanguageModel struct {
	url    string
	client *http.Client
}

func NewHTTPLanguageModel(url string) *HTTPLanguageModel {
	return &HTTPLanguageModel{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

type llmWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

const (
	llmMaxAttempts  = 3
	llmBackoffBase  = 200 * time.Millisecond
	llmBackoffLimit = 2 * time.Second
)

func (m *HTTPLanguageModel) Generate(ctx context.Context, turns []ChatTurn) (TokenStream, error) {
	messages := make([]llmWireMessage, 0, len(turns))
	for _, t := range turns {
		role := string(t.Role)
		if t.Role == RoleAgent {
			role = "assistant"
		}
		messages = append(messages, llmWireMessage{Role: role, Content: t.Content})
	}
	payload, err := json.Marshal(map[string]any{"messages": messages, "stream": true})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < llmMaxAttempts; attempt++ {
		if attempt > 0 {
			wait := reliability.ExponentialBackoff(attempt-1, llmBackoffBase, llmBackoffLimit)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		stream, err := m.open(ctx, payload)
		if err == nil {
			return stream, nil
		}
		lastErr = err
		if !reliability.IsRetryable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

func (m *HTTPLanguageModel) open(ctx context.Context, payload []byte) (TokenStream, error) {
	reqCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, m.url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := m.client.Do(req)
	if err != nil {
		cancel()
		return nil, &reliability.ProviderError{Provider: "llm", Retryable: true, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		res.Body.Close()
		cancel()
		return nil, &reliability.ProviderError{
			Provider:  "llm",
			Code:      fmt.Sprintf("http_%d", res.StatusCode),
			Retryable: reliability.IsRetryableHTTPStatus(res.StatusCode),
			Err:       fmt.Errorf("llm http status %d: %s", res.StatusCode, strings.TrimSpace(string(body))),
		}
	}

	s := &channelTokenStream{tokens: make(chan string, 64), cancel: cancel}
	ct := strings.ToLower(res.Header.Get("Content-Type"))
	streaming := strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson")
	go func() {
		defer res.Body.Close()
		defer close(s.tokens)
		var err error
		if streaming {
			err = consumeStreamBody(reqCtx, res.Body, s.tokens)
		} else {
			err = consumeJSONBody(reqCtx, res.Body, s.tokens)
		}
		if err != nil && reqCtx.Err() == nil {
			s.setErr(&reliability.ProviderError{Provider: "llm", Retryable: true, Err: err})
		}
	}()
	return s, nil
}

func consumeStreamBody(ctx context.Context, body io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || line == "data: [DONE]" {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		delta := line
		var obj map[string]any
		if err := json.Unmarshal([]byte(line), &obj); err == nil {
			delta = extractDelta(obj)
		}
		if delta == "" {
			continue
		}
		select {
		case out <- delta:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	return nil
}

func consumeJSONBody(ctx context.Context, body io.Reader, out chan<- string) error {
	raw, err := io.ReadAll(body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	text := strings.TrimSpace(string(raw))
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err == nil {
		text = extractDelta(obj)
	}
	if text == "" {
		return nil
	}
	select {
	case out <- text:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func extractDelta(obj map[string]any) string {
	for _, k := range []string{"text", "delta", "output", "content", "message"} {
		if s, ok := obj[k].(string); ok {
			return s
		}
	}
	return ""
}
