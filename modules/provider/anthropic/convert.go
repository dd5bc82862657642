package anthropic

import (
	"encoding/json"
	"log/slog"
	"strings"

	sdkanthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/flemzord/codeclaw/internal/provider"
)

// convertRequest maps a conversation onto Messages API parameters.
// Leading system messages move to the System field.
func convertRequest(req provider.Request, cfg *Config, logger *slog.Logger) sdkanthropic.MessageNewParams {
	system, messages := splitSystemMessages(req.Messages)

	params := sdkanthropic.MessageNewParams{
		Model:     sdkanthropic.Model(cfg.Model),
		MaxTokens: int64(cfg.MaxTokens),
		Messages:  convertMessages(messages, logger),
		System:    system,
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = int64(req.MaxTokens)
	}
	if req.Temperature != nil {
		params.Temperature = sdkanthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params
}

func splitSystemMessages(msgs []provider.Message) ([]sdkanthropic.TextBlockParam, []provider.Message) {
	var system []sdkanthropic.TextBlockParam
	i := 0
	for ; i < len(msgs) && msgs[i].Role == provider.MessageRoleSystem; i++ {
		system = append(system, sdkanthropic.TextBlockParam{Text: msgs[i].Content})
	}
	return system, msgs[i:]
}

// convertMessages groups consecutive tool results into one user message;
// the API wants every result of a turn together.
func convertMessages(msgs []provider.Message, logger *slog.Logger) []sdkanthropic.MessageParam {
	var out []sdkanthropic.MessageParam
	for i := 0; i < len(msgs); {
		msg := msgs[i]
		switch msg.Role {
		case provider.MessageRoleTool:
			var blocks []sdkanthropic.ContentBlockParamUnion
			for ; i < len(msgs) && msgs[i].Role == provider.MessageRoleTool; i++ {
				blocks = append(blocks, sdkanthropic.NewToolResultBlock(msgs[i].ToolCallID, msgs[i].Content, false))
			}
			out = append(out, sdkanthropic.MessageParam{Role: sdkanthropic.MessageParamRoleUser, Content: blocks})
			continue
		case provider.MessageRoleAssistant:
			out = append(out, convertAssistant(msg))
		case provider.MessageRoleUser:
			out = append(out, sdkanthropic.NewUserMessage(sdkanthropic.NewTextBlock(msg.Content)))
		case provider.MessageRoleSystem:
			logger.Warn("dropping mid-conversation system message", "index", i)
		}
		i++
	}
	return out
}

func convertAssistant(msg provider.Message) sdkanthropic.MessageParam {
	var blocks []sdkanthropic.ContentBlockParamUnion
	if msg.Content != "" {
		blocks = append(blocks, sdkanthropic.NewTextBlock(msg.Content))
	}
	for _, tc := range msg.ToolCalls {
		input := tc.Arguments
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		blocks = append(blocks, sdkanthropic.NewToolUseBlock(tc.ID, input, tc.Name))
	}
	return sdkanthropic.NewAssistantMessage(blocks...)
}

func convertTools(tools []provider.ToolDefinition) []sdkanthropic.ToolUnionParam {
	out := make([]sdkanthropic.ToolUnionParam, len(tools))
	for i, t := range tools {
		tool := &sdkanthropic.ToolParam{Name: t.Name}
		if t.Description != "" {
			tool.Description = sdkanthropic.String(t.Description)
		}
		if len(t.Parameters) > 0 {
			tool.InputSchema = convertInputSchema(t.Parameters)
		}
		out[i] = sdkanthropic.ToolUnionParam{OfTool: tool}
	}
	return out
}

// convertInputSchema keeps properties and required as typed fields and
// everything else except "type" as extra fields.
func convertInputSchema(raw json.RawMessage) sdkanthropic.ToolInputSchemaParam {
	var full map[string]any
	if err := json.Unmarshal(raw, &full); err != nil {
		return sdkanthropic.ToolInputSchemaParam{}
	}
	var param sdkanthropic.ToolInputSchemaParam
	if props, ok := full["properties"]; ok {
		param.Properties = props
		delete(full, "properties")
	}
	if req, ok := full["required"].([]any); ok {
		for _, v := range req {
			if s, ok := v.(string); ok {
				param.Required = append(param.Required, s)
			}
		}
	}
	delete(full, "required")
	delete(full, "type")
	if len(full) > 0 {
		param.ExtraFields = full
	}
	return param
}

func convertResponse(msg *sdkanthropic.Message) provider.Response {
	var (
		text  []string
		calls []provider.ToolCall
	)
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case sdkanthropic.TextBlock:
			text = append(text, v.Text)
		case sdkanthropic.ToolUseBlock:
			calls = append(calls, provider.ToolCall{ID: v.ID, Name: v.Name, Arguments: v.Input})
		}
	}
	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return provider.Response{
		Content:      strings.Join(text, "\n"),
		ToolCalls:    calls,
		FinishReason: convertStopReason(msg.StopReason),
		Usage:        provider.TokenUsage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out},
	}
}

func convertStopReason(reason sdkanthropic.StopReason) provider.FinishReason {
	switch reason {
	case sdkanthropic.StopReasonMaxTokens:
		return provider.FinishReasonLength
	case sdkanthropic.StopReasonToolUse:
		return provider.FinishReasonToolUse
	default:
		return provider.FinishReasonStop
	}
}
