// Package directive extracts machine-readable instructions from free-text
// task descriptions: inline {{key: value}} markup, colon-delimited native
// labels and the execute/continue execution triggers.
package directive

import (
	"regexp"
	"strings"
	"unicode"
)

// Trigger is the execution command found in a task description.
type Trigger int

const (
	// TriggerNone means the task is not ready for automated pickup.
	TriggerNone Trigger = iota

	// TriggerExecute means the description ends with the word "execute".
	TriggerExecute

	// TriggerContinue means a "continue - <prompt>" line asks for a follow-up run.
	TriggerContinue
)

// String returns the string representation of the trigger.
func (t Trigger) String() string {
	switch t {
	case TriggerExecute:
		return "execute"
	case TriggerContinue:
		return "continue"
	default:
		return "none"
	}
}

var (
	// inlinePattern matches {{ ... }} with no nested braces.
	inlinePattern = regexp.MustCompile(`\{\{([^{}]*)\}\}`)

	// inlineStripPattern matches only occurrences that look like directives (contain a colon).
	inlineStripPattern = regexp.MustCompile(`\{\{[^{}]*:[^{}]*\}\}`)

	// executePattern matches a trailing standalone "execute" token.
	executePattern = regexp.MustCompile(`(?i)(?:^|\s)execute$`)

	// executeStripPattern removes the trailing token along with the whitespace before it.
	executeStripPattern = regexp.MustCompile(`(?i)(?:^|\s+)execute\s*$`)

	// continuePattern matches a line that starts with "continue" followed by a dash.
	continuePattern = regexp.MustCompile(`(?im)^[ \t]*continue[ \t]*-`)
)

// ExtractInline returns every well-formed {{key: value}} directive in text.
// Keys are trimmed and lower-cased, values trimmed. Occurrences with an empty
// key or value are skipped; later duplicates overwrite earlier ones.
func ExtractInline(text string) map[string]string {
	out := make(map[string]string)
	for _, m := range inlinePattern.FindAllStringSubmatch(text, -1) {
		key, value, ok := splitPair(m[1])
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// ParseNative converts tracker-native labels of the form "key:value" into a
// directive map. Only the first colon separates key from value; labels
// without a colon are ignored.
func ParseNative(labels []string) map[string]string {
	out := make(map[string]string)
	for _, label := range labels {
		key, value, ok := splitPair(label)
		if !ok {
			continue
		}
		out[key] = value
	}
	return out
}

// Merge combines inline and native directives. Native labels win on conflict.
func Merge(inline, native map[string]string) map[string]string {
	out := make(map[string]string, len(inline)+len(native))
	for k, v := range inline {
		out[k] = v
	}
	for k, v := range native {
		out[k] = v
	}
	return out
}

// DetectTrigger finds the execution trigger in text.
// A trailing standalone "execute" wins over a "continue -" line. For
// TriggerContinue the returned prompt is everything after the dash, including
// all following lines, trimmed.
func DetectTrigger(text string) (Trigger, string) {
	trimmed := strings.TrimRightFunc(text, unicode.IsSpace)
	if executePattern.MatchString(trimmed) {
		return TriggerExecute, ""
	}

	if loc := continuePattern.FindStringIndex(text); loc != nil {
		return TriggerContinue, strings.TrimSpace(text[loc[1]:])
	}

	return TriggerNone, ""
}

// CleanDescription removes inline directives and the execution trigger from
// text, leaving the human-readable task description.
func CleanDescription(text string) string {
	out := inlineStripPattern.ReplaceAllString(text, "")

	if loc := continuePattern.FindStringIndex(out); loc != nil {
		out = out[:loc[0]]
	}

	out = strings.TrimRightFunc(out, unicode.IsSpace)
	out = executeStripPattern.ReplaceAllString(out, "")

	return strings.TrimSpace(out)
}

// ResolvePrompt returns the prompt handed to the dispatched workflow.
func ResolvePrompt(text string, trigger Trigger, continuePrompt string) string {
	if trigger == TriggerContinue && continuePrompt != "" {
		return continuePrompt
	}
	return CleanDescription(text)
}

// Parsed is the structured view of a task description plus its native labels.
type Parsed struct {
	Directives     map[string]string
	Trigger        Trigger
	ContinuePrompt string
	Prompt         string
}

// Parse runs every extractor over a description and its native labels.
func Parse(description string, labels []string) Parsed {
	trigger, cont := DetectTrigger(description)
	return Parsed{
		Directives:     Merge(ExtractInline(description), ParseNative(labels)),
		Trigger:        trigger,
		ContinuePrompt: cont,
		Prompt:         ResolvePrompt(description, trigger, cont),
	}
}

func splitPair(s string) (string, string, bool) {
	key, value, found := strings.Cut(s, ":")
	if !found {
		return "", "", false
	}
	key = strings.ToLower(strings.TrimSpace(key))
	value = strings.TrimSpace(value)
	if key == "" || value == "" {
		return "", "", false
	}
	return key, value, true
}
