package agent

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/flemzord/codeclaw/internal/provider"
	"github.com/google/jsonschema-go/jsonschema"
)

// RunCodeTool is the only tool the model is given.
const RunCodeTool = "run_code"

var errMissingCode = errors.New("run_code requires a non-empty \"code\" string")

var runCodeArgs = &jsonschema.Schema{
	Type: "object",
	Properties: map[string]*jsonschema.Schema{
		"code": {
			Type:        "string",
			Description: "JavaScript function body. Use await for tool calls and return the result.",
		},
	},
	Required: []string{"code"},
}

func runCodeDefinition() provider.ToolDefinition {
	params, err := json.Marshal(runCodeArgs)
	if err != nil {
		panic(fmt.Sprintf("agent: marshal run_code schema: %v", err))
	}
	return provider.ToolDefinition{
		Name:        RunCodeTool,
		Description: "Execute a script in the sandbox. The global `tools` object is the only capability. Returns a summary of every tool call, the return value and console output.",
		Parameters:  params,
	}
}

type runCodeInput struct {
	Code string `json:"code"`
}

func parseRunCode(args json.RawMessage) (string, error) {
	var in runCodeInput
	if err := json.Unmarshal(args, &in); err != nil {
		return "", fmt.Errorf("invalid run_code arguments: %w", err)
	}
	if strings.TrimSpace(in.Code) == "" {
		return "", errMissingCode
	}
	return in.Code, nil
}

func runCodeArguments(code string) json.RawMessage {
	b, _ := json.Marshal(runCodeInput{Code: code})
	return b
}

const basePrompt = "You complete tasks by writing JavaScript and running it with the run_code tool.\n" +
	"The code is the body of an async function: use await for tool calls and return the value you need.\n" +
	"The global `tools` object declared below is the only capability. There is no network, filesystem, process, module loading or timers.\n" +
	"Some tools need human approval. A denied call resolves to undefined and the run is reported as denied; do not retry denied calls.\n" +
	"When the task is done, answer in plain text without calling a tool."

func systemPrompt(declarations, discovery, extra string) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n```ts\n")
	b.WriteString(declarations)
	b.WriteString("```\n")
	if discovery != "" {
		b.WriteString("\n")
		b.WriteString(discovery)
		b.WriteString("\n")
	}
	if extra = strings.TrimSpace(extra); extra != "" {
		b.WriteString("\n")
		b.WriteString(extra)
		b.WriteString("\n")
	}
	return b.String()
}
