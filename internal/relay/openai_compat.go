package relay

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenAI 兼容层：/openai/... 命名空间下的信封转换。
// 纯语法映射，无状态：角色映射、消息分段 <-> content 数组、
// usage 字段改名。

// openAIMessage OpenAI 形状的消息
type openAIMessage struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// openAIRequest OpenAI chat completions 请求
type openAIRequest struct {
	Model       string          `json:"model"`
	Messages    []openAIMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens,omitempty"`
	Temperature *float64        `json:"temperature,omitempty"`
	TopP        *float64        `json:"top_p,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Stop        []string        `json:"stop,omitempty"`
}

// anthropicMessage Anthropic 形状的消息
type anthropicMessage struct {
	Role    string      `json:"role"`
	Content interface{} `json:"content"`
}

// anthropicRequest Anthropic Messages 请求
type anthropicRequest struct {
	Model         string             `json:"model"`
	System        string             `json:"system,omitempty"`
	Messages      []anthropicMessage `json:"messages"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
}

// contentToText 把 OpenAI 的 content（字符串或分段数组）折叠为文本
func contentToText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var parts []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(raw, &parts); err == nil {
		var sb strings.Builder
		for _, p := range parts {
			if p.Type == "" || p.Type == "text" {
				sb.WriteString(p.Text)
			}
		}
		return sb.String()
	}
	return ""
}

// TranslateOpenAIRequest 把 OpenAI 请求体转换为 Anthropic 请求体
//
// system 角色的消息汇入顶层 system 字段；其余按序保留。
func TranslateOpenAIRequest(body []byte) ([]byte, string, bool, error) {
	var req openAIRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", false, fmt.Errorf("malformed OpenAI request: %w", err)
	}
	if req.Model == "" {
		return nil, "", false, fmt.Errorf("missing model")
	}

	out := anthropicRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		Stream:        req.Stream,
		StopSequences: req.Stop,
	}
	if out.MaxTokens <= 0 {
		out.MaxTokens = 4096
	}

	var systems []string
	for _, msg := range req.Messages {
		text := contentToText(msg.Content)
		switch msg.Role {
		case "system", "developer":
			systems = append(systems, text)
		case "assistant":
			out.Messages = append(out.Messages, anthropicMessage{Role: "assistant", Content: text})
		default:
			out.Messages = append(out.Messages, anthropicMessage{Role: "user", Content: text})
		}
	}
	out.System = strings.Join(systems, "\n")

	translated, err := json.Marshal(out)
	return translated, req.Model, req.Stream, err
}

// TranslateAnthropicResponse 把 Anthropic 非流式响应转换为 OpenAI 形状
func TranslateAnthropicResponse(body []byte) ([]byte, error) {
	var resp struct {
		ID      string `json:"id"`
		Model   string `json:"model"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		StopReason string `json:"stop_reason"`
		Usage      struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	out := map[string]interface{}{
		"id":     resp.ID,
		"object": "chat.completion",
		"model":  resp.Model,
		"choices": []map[string]interface{}{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": text.String()},
			"finish_reason": mapStopReason(resp.StopReason),
		}},
		"usage": map[string]int64{
			"prompt_tokens":     resp.Usage.InputTokens,
			"completion_tokens": resp.Usage.OutputTokens,
			"total_tokens":      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
	return json.Marshal(out)
}

// mapStopReason Anthropic -> OpenAI 终止原因
func mapStopReason(reason string) string {
	switch reason {
	case "max_tokens":
		return "length"
	case "tool_use":
		return "tool_calls"
	default:
		return "stop"
	}
}

// StreamTranslator 把 Anthropic SSE 事件流改写为 OpenAI chunk 流
//
// 包装下游 ResponseWriter：content_block_delta 映射为
// chat.completion.chunk，message_stop 映射为 [DONE]。
type StreamTranslator struct {
	inner   http.ResponseWriter
	lineBuf bytes.Buffer
	dataBuf bytes.Buffer
	model   string
	msgID   string
}

// NewStreamTranslator 创建流式翻译器
func NewStreamTranslator(inner http.ResponseWriter) *StreamTranslator {
	return &StreamTranslator{inner: inner}
}

func (t *StreamTranslator) Header() http.Header { return t.inner.Header() }

func (t *StreamTranslator) WriteHeader(status int) { t.inner.WriteHeader(status) }

// Write 按行缓冲输入，事件完整后翻译写出
func (t *StreamTranslator) Write(p []byte) (int, error) {
	t.lineBuf.Write(p)
	for {
		raw := t.lineBuf.Bytes()
		idx := bytes.IndexByte(raw, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), raw[:idx]...)
		t.lineBuf.Next(idx + 1)
		if err := t.feedLine(line); err != nil {
			return len(p), err
		}
	}
	return len(p), nil
}

func (t *StreamTranslator) feedLine(line []byte) error {
	line = bytes.TrimRight(line, "\r")
	if len(line) == 0 {
		if t.dataBuf.Len() > 0 {
			err := t.translateEvent(t.dataBuf.Bytes())
			t.dataBuf.Reset()
			return err
		}
		return nil
	}
	if bytes.HasPrefix(line, []byte("data:")) {
		t.dataBuf.Write(bytes.TrimSpace(line[len("data:"):]))
	}
	return nil
}

// translateEvent 翻译单个 Anthropic 事件
func (t *StreamTranslator) translateEvent(data []byte) error {
	var ev struct {
		Type    string `json:"type"`
		Message struct {
			ID    string `json:"id"`
			Model string `json:"model"`
		} `json:"message"`
		Delta struct {
			Type       string `json:"type"`
			Text       string `json:"text"`
			StopReason string `json:"stop_reason"`
		} `json:"delta"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil
	}

	switch ev.Type {
	case "message_start":
		t.model = ev.Message.Model
		t.msgID = ev.Message.ID
		return t.emitChunk(map[string]interface{}{"role": "assistant"}, "")
	case "content_block_delta":
		if ev.Delta.Type == "text_delta" && ev.Delta.Text != "" {
			return t.emitChunk(map[string]interface{}{"content": ev.Delta.Text}, "")
		}
	case "message_delta":
		if ev.Delta.StopReason != "" {
			return t.emitChunk(map[string]interface{}{}, mapStopReason(ev.Delta.StopReason))
		}
	case "message_stop":
		_, err := fmt.Fprint(t.inner, "data: [DONE]\n\n")
		t.flush()
		return err
	}
	return nil
}

// emitChunk 写出一个 OpenAI chunk 事件
func (t *StreamTranslator) emitChunk(delta map[string]interface{}, finish string) error {
	chunk := map[string]interface{}{
		"id":     t.msgID,
		"object": "chat.completion.chunk",
		"model":  t.model,
		"choices": []map[string]interface{}{{
			"index": 0,
			"delta": delta,
		}},
	}
	if finish != "" {
		chunk["choices"].([]map[string]interface{})[0]["finish_reason"] = finish
	}
	payload, err := json.Marshal(chunk)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(t.inner, "data: %s\n\n", payload); err != nil {
		return err
	}
	t.flush()
	return nil
}

func (t *StreamTranslator) flush() {
	if f, ok := t.inner.(http.Flusher); ok {
		f.Flush()
	}
}

// Flush 透传 flush 信号
func (t *StreamTranslator) Flush() { t.flush() }
