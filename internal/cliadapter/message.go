package cliadapter

import (
	"encoding/json"

	"github.com/trafficcontrol/trafficcontrol/internal/domain"
)

// EventKind is the normalized taxonomy emitted for every complete line the
// agent binary prints on stdout.
type EventKind string

const (
	EventToolCall   EventKind = "tool_call"
	EventQuestion   EventKind = "question"
	EventCompletion EventKind = "completion"
	EventError      EventKind = "error"
)

// Event is the adapter's normalized output for one framed stdout line. Only
// the fields relevant to Kind are populated.
type Event struct {
	Kind EventKind

	ToolUseID  string
	ToolName   string
	Input      json.RawMessage
	IsProgress bool

	Question string

	Success    bool
	Result     string
	Usage      domain.TokenUsage
	CostUSD    float64
	NumTurns   int
	DurationMs int64

	Errors []string

	// SessionID is populated from "result" messages; empty otherwise.
	SessionID string
}

// rawContentBlock mirrors one element of an assistant message's content
// array.
type rawContentBlock struct {
	Type  string          `json:"type"`
	Name  string          `json:"name"`
	ID    string          `json:"id"`
	Input json.RawMessage `json:"input"`
}

// rawMessage mirrors the union of stream-json line shapes the agent binary
// can print. Unknown fields are simply ignored by json.Unmarshal.
type rawMessage struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype"`

	Message *struct {
		Content []rawContentBlock `json:"content"`
	} `json:"message"`

	ToolUseID string `json:"tool_use_id"`
	ToolName  string `json:"tool_name"`

	Result       string    `json:"result"`
	Errors       []string  `json:"errors"`
	Error        string    `json:"error"`
	Usage        *rawUsage `json:"usage"`
	TotalCostUSD float64   `json:"total_cost_usd"`
	NumTurns     int       `json:"num_turns"`
	DurationMs   int64     `json:"duration_ms"`
	SessionID    string    `json:"session_id"`
}

type rawUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

const askUserQuestionTool = "AskUserQuestion"

// mapMessage maps one complete, already-JSON-decoded line to an Event per the
// adapter's message taxonomy. ok is false when the line should be silently
// dropped (malformed JSON is handled by the caller before this is reached;
// this function handles well-formed lines that don't match any taxonomy
// entry, e.g. "system" messages).
func mapMessage(raw rawMessage) (Event, bool) {
	switch raw.Type {
	case "assistant":
		if raw.Message == nil {
			return Event{}, false
		}
		for _, block := range raw.Message.Content {
			if block.Type != "tool_use" {
				continue
			}
			if block.Name == askUserQuestionTool {
				return Event{Kind: EventQuestion, ToolUseID: block.ID, Question: extractQuestion(block.Input)}, true
			}
			return Event{Kind: EventToolCall, ToolUseID: block.ID, ToolName: block.Name, Input: block.Input}, true
		}
		return Event{}, false

	case "tool_progress":
		return Event{Kind: EventToolCall, ToolUseID: raw.ToolUseID, ToolName: raw.ToolName, IsProgress: true}, true

	case "result":
		switch raw.Subtype {
		case "success":
			usage, cost := extractUsage(raw)
			return Event{
				Kind:       EventCompletion,
				Success:    true,
				Result:     raw.Result,
				Usage:      usage,
				CostUSD:    cost,
				NumTurns:   raw.NumTurns,
				DurationMs: raw.DurationMs,
				SessionID:  raw.SessionID,
			}, true
		case "error_during_execution":
			usage, cost := extractUsage(raw)
			errs := raw.Errors
			if len(errs) == 0 {
				if raw.Error != "" {
					errs = []string{raw.Error}
				} else {
					errs = []string{"Unknown error"}
				}
			}
			return Event{Kind: EventError, Success: false, Errors: errs, Usage: usage, CostUSD: cost, SessionID: raw.SessionID}, true
		default:
			return Event{}, false
		}

	default:
		// "system" and any unrecognized type are dropped.
		return Event{}, false
	}
}

// extractUsage coalesces the usage sub-object and total_cost_usd into the
// normalized domain.TokenUsage shape. A missing usage sub-object falls back
// to a local token estimate of the result text, so pricing and spend
// tracking still have a non-zero session size to work with.
func extractUsage(raw rawMessage) (domain.TokenUsage, float64) {
	var usage domain.TokenUsage
	if raw.Usage != nil {
		usage = domain.TokenUsage{
			InputTokens:       raw.Usage.InputTokens,
			OutputTokens:      raw.Usage.OutputTokens,
			CacheReadTokens:   raw.Usage.CacheReadInputTokens,
			CacheCreateTokens: raw.Usage.CacheCreationInputTokens,
		}
	} else if raw.Result != "" {
		usage = domain.TokenUsage{OutputTokens: estimateUsageFromResult(raw.Result)}
	}
	return usage, raw.TotalCostUSD
}

// extractQuestion best-effort extracts a human-readable question string from
// an AskUserQuestion tool_use input payload. Falls back to the raw input text
// when the expected shape isn't present.
func extractQuestion(input json.RawMessage) string {
	var payload struct {
		Question string `json:"question"`
	}
	if err := json.Unmarshal(input, &payload); err == nil && payload.Question != "" {
		return payload.Question
	}
	return string(input)
}
