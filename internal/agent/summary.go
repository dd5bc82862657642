package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/flemzord/codeclaw/internal/approval"
	"github.com/flemzord/codeclaw/internal/sandbox"
	"github.com/flemzord/codeclaw/internal/typecheck"
)

// receiptLine renders one receipt as
// `[OK|DENIED|FAILED] toolPath(inputPreview) → outputPreview (error)`.
func receiptLine(rc sandbox.Receipt) string {
	var b strings.Builder
	switch rc.Status {
	case sandbox.StatusSucceeded:
		b.WriteString("[OK] ")
	case sandbox.StatusDenied:
		b.WriteString("[DENIED] ")
	default:
		b.WriteString("[FAILED] ")
	}
	fmt.Fprintf(&b, "%s(%s)", rc.ToolPath, rc.InputPreview)
	if rc.OutputPreview != "" {
		b.WriteString(" → ")
		b.WriteString(rc.OutputPreview)
	}
	if rc.Error != "" {
		fmt.Fprintf(&b, " (%s)", rc.Error)
	}
	return b.String()
}

// summarize builds the tool-result message for one run.
func summarize(run CodeRun, previewBytes int) string {
	var b strings.Builder
	if len(run.Diagnostics) > 0 {
		b.WriteString("Typecheck errors (the code ran anyway):\n")
		b.WriteString(typecheck.Format(run.Diagnostics))
		b.WriteString("\n\n")
	}

	res := run.Result
	if len(res.Receipts) == 0 {
		b.WriteString("No tool calls.\n")
	}
	for _, rc := range res.Receipts {
		b.WriteString(receiptLine(rc))
		b.WriteString("\n")
	}

	if res.Value != nil {
		b.WriteString("Return value: ")
		b.WriteString(approval.Truncate(jsonText(res.Value), previewBytes))
		b.WriteString("\n")
	} else if res.OK {
		b.WriteString("No return value.\n")
	}
	if !res.OK {
		b.WriteString("Error: ")
		b.WriteString(res.Error)
		b.WriteString("\n")
	}
	if len(res.Logs) > 0 {
		b.WriteString("Console:\n")
		b.WriteString(strings.Join(res.Logs, "\n"))
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func jsonText(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(data)
}
