package model

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/memohai/memoh-wecom/internal/version"
)

const channelName = "wecom"

type gatewayRequest struct {
	Query          string          `json:"query"`
	Context        string          `json:"context,omitempty"`
	SessionID      string          `json:"sessionId"`
	CurrentChannel string          `json:"currentChannel"`
	Identity       gatewayIdentity `json:"identity"`
}

type gatewayIdentity struct {
	ChannelIdentityID string `json:"channelIdentityId"`
	ConversationType  string `json:"conversationType"`
	MessageID         string `json:"messageId,omitempty"`
}

// GatewayClient streams turns from the agent gateway's /chat/stream endpoint.
type GatewayClient struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewGatewayClient creates a client for baseURL (e.g. http://127.0.0.1:8081).
func NewGatewayClient(log *slog.Logger, baseURL string, client *http.Client) *GatewayClient {
	if log == nil {
		log = slog.Default()
	}
	if client == nil {
		client = &http.Client{}
	}
	return &GatewayClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  client,
		logger:  log.With(slog.String("component", "agent_gateway")),
	}
}

// RunTurn opens the stream and returns its events. Connection and status
// failures are returned directly; failures mid-stream arrive as EventError.
func (c *GatewayClient) RunTurn(ctx context.Context, req TurnRequest) (<-chan TurnEvent, error) {
	body, err := json.Marshal(gatewayRequest{
		Query:          req.Prompt,
		Context:        req.Context,
		SessionID:      req.Scope,
		CurrentChannel: channelName,
		Identity: gatewayIdentity{
			ChannelIdentityID: req.SenderID,
			ConversationType:  req.ChatType,
			MessageID:         req.MsgID,
		},
	})
	if err != nil {
		return nil, err
	}
	url := c.baseURL + "/chat/stream"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set("User-Agent", version.UserAgent())

	resp, err := c.client.Do(httpReq)
	if err != nil {
		c.logger.Error("gateway stream connect failed", slog.String("url", url), slog.Any("error", err))
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		c.logger.Error("gateway stream error", slog.String("url", url), slog.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("agent gateway error: status=%d %s", resp.StatusCode, strings.TrimSpace(string(errBody)))
	}

	events := make(chan TurnEvent, 16)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		c.consume(ctx, resp.Body, events)
	}()
	return events, nil
}

func (c *GatewayClient) consume(ctx context.Context, body io.Reader, events chan<- TurnEvent) {
	emit := func(ev TurnEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 2*1024*1024)
	currentEvent := ""
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			// A blank line ends the frame and its event name.
			currentEvent = ""
			continue
		}
		if strings.HasPrefix(line, "event:") {
			currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}
		ev, ok := mapStreamData(currentEvent, data)
		if !ok {
			continue
		}
		if !emit(ev) {
			return
		}
		if ev.Type == EventDone || ev.Type == EventError {
			return
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		emit(TurnEvent{Type: EventError, Err: fmt.Errorf("read agent stream: %w", err)})
		return
	}
	if ctx.Err() == nil {
		emit(TurnEvent{Type: EventDone})
	}
}

func mapStreamData(eventName, data string) (TurnEvent, bool) {
	if !gjson.Valid(data) {
		return TurnEvent{}, false
	}
	parsed := gjson.Parse(data)
	typ := strings.ToLower(strings.TrimSpace(parsed.Get("type").String()))
	if typ == "" {
		typ = strings.ToLower(eventName)
	}
	switch typ {
	case "text_delta":
		delta := parsed.Get("delta").String()
		if delta == "" {
			return TurnEvent{}, false
		}
		return TurnEvent{Type: EventDelta, Delta: delta}, true
	case "tool_call_start", "progress":
		return TurnEvent{Type: EventProgress, Text: parsed.Get("toolName").String()}, true
	case "agent_end", "done":
		messages := parsed.Get("messages")
		if !messages.Exists() {
			messages = parsed.Get("data.messages")
		}
		return TurnEvent{Type: EventDone, Text: finalAssistantText(messages)}, true
	case "error":
		msg := strings.TrimSpace(parsed.Get("error").String())
		if msg == "" {
			msg = strings.TrimSpace(parsed.Get("message").String())
		}
		if msg == "" {
			msg = "stream error"
		}
		return TurnEvent{Type: EventError, Err: errors.New(msg)}, true
	}
	return TurnEvent{}, false
}

// finalAssistantText returns the text of the last assistant message.
func finalAssistantText(messages gjson.Result) string {
	items := messages.Array()
	for i := len(items) - 1; i >= 0; i-- {
		msg := items[i]
		if msg.Get("role").String() != "assistant" {
			continue
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			return content.String()
		}
		var parts []string
		for _, part := range content.Array() {
			if part.Get("type").String() == "text" {
				parts = append(parts, part.Get("text").String())
			}
		}
		return strings.Join(parts, "")
	}
	return ""
}
