// Package flow holds the quality stages of the pipeline: summary,
// intent detection and task building. These stages never block a
// request; on any failure the caller falls back to a conservative
// default and records the stage as degraded.
package flow

import (
	"encoding/json"
	"regexp"
	"strings"
	"unicode"
)

// Intent classifies what the user is asking the assistant to do.
type Intent string

const (
	IntentPassive      Intent = "passive"
	IntentIntelligence Intent = "intelligence"
	IntentWorkflow     Intent = "workflow"
)

// maxSummaryWords bounds the generated summary.
const maxSummaryWords = 40

// Summarize produces a short summary of the input. Inputs already at
// or under the limit pass through unchanged.
func Summarize(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}
	words := strings.Fields(text)
	if len(words) <= maxSummaryWords {
		return strings.Join(words, " ")
	}
	return strings.Join(words[:maxSummaryWords], " ") + "…"
}

var workflowMarkers = []string{
	"send email", "send an email", "email to", "send mail",
	"send whatsapp", "whatsapp to", "send a message", "message to",
	"remind me", "set a reminder", "schedule",
}

var intelligenceMarkers = []string{
	"why", "how do", "how does", "explain", "what is", "what are",
	"analyze", "compare", "recommend", "should i",
}

// DetectIntent classifies the input by keyword markers. Workflow
// markers win over intelligence markers; anything else is passive.
func DetectIntent(text string) (Intent, float64) {
	lower := strings.ToLower(strings.TrimSpace(text))
	if lower == "" {
		return IntentPassive, 0
	}
	for _, m := range workflowMarkers {
		if strings.Contains(lower, m) {
			return IntentWorkflow, 0.9
		}
	}
	for _, m := range intelligenceMarkers {
		if strings.Contains(lower, m) {
			return IntentIntelligence, 0.7
		}
	}
	return IntentPassive, 0.5
}

// Task is the workflow description handed to the executor once a
// verdict allows it.
type Task struct {
	ActionType string            `json:"action_type"`
	Params     map[string]string `json:"params,omitempty"`
}

func (t Task) JSON() json.RawMessage {
	b, _ := json.Marshal(t)
	return b
}

var emailRe = regexp.MustCompile(`[a-zA-Z0-9._%+\-]+@[a-zA-Z0-9.\-]+\.[a-zA-Z]{2,}`)

// BuildTask extracts a workflow task from the input. Non-workflow
// intents and unrecognized phrasings yield a zero task; the caller
// treats that as "nothing to execute".
func BuildTask(text string, intent Intent) Task {
	if intent != IntentWorkflow {
		return Task{}
	}
	lower := strings.ToLower(text)
	switch {
	case strings.Contains(lower, "whatsapp"):
		return Task{ActionType: "whatsapp", Params: messageParams(text)}
	case strings.Contains(lower, "email") || strings.Contains(lower, "mail"):
		return Task{ActionType: "email", Params: emailParams(text)}
	case strings.Contains(lower, "remind") || strings.Contains(lower, "schedule"):
		return Task{ActionType: "reminder", Params: map[string]string{"text": strings.TrimSpace(text)}}
	default:
		return Task{}
	}
}

func emailParams(text string) map[string]string {
	params := map[string]string{}
	if addr := emailRe.FindString(text); addr != "" {
		params["recipient"] = addr
	}
	if subject := extractQuoted(text); subject != "" {
		params["subject"] = subject
	}
	if body := afterMarker(text, "saying", "that says", "with body"); body != "" {
		params["body"] = body
	}
	return params
}

func messageParams(text string) map[string]string {
	params := map[string]string{}
	if to := afterMarker(text, "to"); to != "" {
		params["recipient"] = firstToken(to)
	}
	if body := afterMarker(text, "saying", "that says"); body != "" {
		params["body"] = body
	}
	return params
}

func extractQuoted(text string) string {
	start := strings.IndexAny(text, `"'`)
	if start < 0 {
		return ""
	}
	quote := text[start]
	rest := text[start+1:]
	end := strings.IndexByte(rest, quote)
	if end < 0 {
		return ""
	}
	return rest[:end]
}

func afterMarker(text string, markers ...string) string {
	lower := strings.ToLower(text)
	for _, m := range markers {
		idx := strings.Index(lower, " "+m+" ")
		if idx < 0 {
			continue
		}
		return strings.TrimSpace(text[idx+len(m)+2:])
	}
	return ""
}

func firstToken(s string) string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return unicode.IsSpace(r) || r == ',' || r == '.'
	})
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}
