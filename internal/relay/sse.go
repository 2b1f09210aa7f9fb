package relay

import (
	"bytes"
	"encoding/json"

	"github.com/daymade/claude-relay-service/internal/domain"
)

// sseEvent 解析出的单个 SSE 事件
type sseEvent struct {
	event string
	data  []byte
}

// UsageCollector 从 SSE 流里增量提取用量
//
// 逐行喂入上游字节流：input/cache 计数来自 message_start，
// output 计数取最后一个 message_delta，message_stop 标记流完整结束。
// 喂入不影响原始字节的透传。
type UsageCollector struct {
	usage   domain.TokenUsage
	model   string
	sawStop bool

	curEvent string
	dataBuf  bytes.Buffer
}

// NewUsageCollector 创建用量收集器
func NewUsageCollector() *UsageCollector {
	return &UsageCollector{}
}

// sseUsage 上游事件里的 usage 字段
type sseUsage struct {
	InputTokens         *int64 `json:"input_tokens"`
	OutputTokens        *int64 `json:"output_tokens"`
	CacheCreationTokens *int64 `json:"cache_creation_input_tokens"`
	CacheReadTokens     *int64 `json:"cache_read_input_tokens"`
}

// FeedLine 喂入一行（含或不含行尾换行均可）
func (c *UsageCollector) FeedLine(line []byte) {
	line = bytes.TrimRight(line, "\r\n")

	if len(line) == 0 {
		// 空行结束一个事件
		if c.dataBuf.Len() > 0 || c.curEvent != "" {
			c.handleEvent(sseEvent{event: c.curEvent, data: c.dataBuf.Bytes()})
			c.curEvent = ""
			c.dataBuf.Reset()
		}
		return
	}

	switch {
	case bytes.HasPrefix(line, []byte("event:")):
		c.curEvent = string(bytes.TrimSpace(line[len("event:"):]))
	case bytes.HasPrefix(line, []byte("data:")):
		if c.dataBuf.Len() > 0 {
			c.dataBuf.WriteByte('\n')
		}
		c.dataBuf.Write(bytes.TrimSpace(line[len("data:"):]))
	}
}

// handleEvent 处理完整事件
func (c *UsageCollector) handleEvent(ev sseEvent) {
	if len(ev.data) == 0 {
		return
	}

	var payload struct {
		Type    string `json:"type"`
		Message struct {
			Model string    `json:"model"`
			Usage *sseUsage `json:"usage"`
		} `json:"message"`
		Usage *sseUsage `json:"usage"`
	}
	if err := json.Unmarshal(ev.data, &payload); err != nil {
		return
	}

	eventType := payload.Type
	if eventType == "" {
		eventType = ev.event
	}

	switch eventType {
	case "message_start":
		if payload.Message.Model != "" {
			c.model = payload.Message.Model
		}
		c.applyUsage(payload.Message.Usage)
	case "message_delta":
		c.applyUsage(payload.Usage)
	case "message_stop":
		c.sawStop = true
	}
}

// applyUsage 合并一份 usage 字段（按字段覆盖，不累加：
// 上游的 message_delta 给出的是到目前为止的总量）
func (c *UsageCollector) applyUsage(u *sseUsage) {
	if u == nil {
		return
	}
	if u.InputTokens != nil {
		c.usage.InputTokens = *u.InputTokens
	}
	if u.OutputTokens != nil {
		c.usage.OutputTokens = *u.OutputTokens
	}
	if u.CacheCreationTokens != nil {
		c.usage.CacheCreationTokens = *u.CacheCreationTokens
	}
	if u.CacheReadTokens != nil {
		c.usage.CacheReadTokens = *u.CacheReadTokens
	}
}

// Usage 当前收集到的用量（客户端断连时即为部分用量）
func (c *UsageCollector) Usage() domain.TokenUsage {
	return c.usage
}

// Model 上游报告的模型名
func (c *UsageCollector) Model() string {
	return c.model
}

// Complete 是否看到 message_stop 终止符
func (c *UsageCollector) Complete() bool {
	return c.sawStop
}

// extractJSONUsage 从非流式响应体提取 usage 与 model
func extractJSONUsage(body []byte) (domain.TokenUsage, string) {
	var payload struct {
		Model string    `json:"model"`
		Usage *sseUsage `json:"usage"`
		// Gemini 形状
		UsageMetadata *struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			CachedContentTokenCount int64 `json:"cachedContentTokenCount"`
		} `json:"usageMetadata"`
	}
	var usage domain.TokenUsage
	if err := json.Unmarshal(body, &payload); err != nil {
		return usage, ""
	}
	if payload.Usage != nil {
		if payload.Usage.InputTokens != nil {
			usage.InputTokens = *payload.Usage.InputTokens
		}
		if payload.Usage.OutputTokens != nil {
			usage.OutputTokens = *payload.Usage.OutputTokens
		}
		if payload.Usage.CacheCreationTokens != nil {
			usage.CacheCreationTokens = *payload.Usage.CacheCreationTokens
		}
		if payload.Usage.CacheReadTokens != nil {
			usage.CacheReadTokens = *payload.Usage.CacheReadTokens
		}
	}
	if payload.UsageMetadata != nil {
		usage.InputTokens = payload.UsageMetadata.PromptTokenCount
		usage.OutputTokens = payload.UsageMetadata.CandidatesTokenCount
		usage.CacheReadTokens = payload.UsageMetadata.CachedContentTokenCount
	}
	return usage, payload.Model
}
