package generation

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dotsetgreg/dotmemory/pkg/logger"
	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

const truncationMarker = "[memory context truncated]"

const defaultBasePrompt = `# dotmemory

You are a helpful assistant with long-term memory of the user.

## Rules

1. **Use what you remember** - Weave remembered details into your answer when they are relevant. Do not list them back unprompted.
2. **Stay honest** - Never claim to remember something that is not in the memory context or the conversation.
3. **Conflicts** - Remembered items may disagree with each other. Do not pick one silently; mention the uncertainty or ask.
4. **Answer the message** - Address what the user actually asked.`

// LoadBasePrompt reads AGENT.md or AGENTS.md from dir, falling back to the
// built-in prompt.
func LoadBasePrompt(dir string) string {
	if dir == "" {
		return defaultBasePrompt
	}
	for _, name := range []string{"AGENT.md", "AGENTS.md"} {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if text := strings.TrimSpace(string(data)); text != "" {
			return text
		}
	}
	return defaultBasePrompt
}

var toneDirectives = map[string]string{
	"professional": "Keep a professional, polished tone.",
	"casual":       "Keep the tone casual and relaxed.",
	"friendly":     "Be warm and friendly.",
	"formal":       "Use formal language and avoid slang.",
}

var verbosityDirectives = map[string]string{
	"concise":  "Keep answers short and to the point.",
	"detailed": "Give thorough answers with supporting detail.",
	"balanced": "Balance brevity with enough detail to be useful.",
}

// personalityDirectives turns a profile personality into prompt lines.
// Unknown tone or verbosity values are ignored.
func personalityDirectives(p memory.Personality) []string {
	out := []string{}
	if d, ok := toneDirectives[strings.ToLower(strings.TrimSpace(p.Tone))]; ok {
		out = append(out, d)
	}
	if d, ok := verbosityDirectives[strings.ToLower(strings.TrimSpace(p.Verbosity))]; ok {
		out = append(out, d)
	}
	if p.Humor {
		out = append(out, "Light humor is welcome where it fits.")
	}
	if p.Empathy {
		out = append(out, "Acknowledge the user's feelings when they share them.")
	}
	return out
}

func (g *Generator) systemPrompt(p memory.Personality) string {
	parts := []string{g.basePrompt}
	if custom := strings.TrimSpace(p.CustomSystemPrompt); custom != "" {
		parts = append(parts, "## Profile Instructions\n\n"+custom)
	}
	if lines := personalityDirectives(p); len(lines) > 0 {
		parts = append(parts, "## Personality\n\n- "+strings.Join(lines, "\n- "))
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// truncateContext cuts text to at most max runes, preferring a line
// boundary, and appends a visible marker when anything was dropped.
func truncateContext(text string, max int) string {
	text = strings.TrimSpace(text)
	if max <= 0 || utf8.RuneCountInString(text) <= max {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:max])
	if i := strings.LastIndex(cut, "\n"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " \n") + "\n" + truncationMarker
}

// recentHistory keeps the last n user/assistant entries, oldest first.
func recentHistory(history []providers.Message, n int) []providers.Message {
	kept := make([]providers.Message, 0, len(history))
	for _, m := range history {
		if m.Role != providers.RoleUser && m.Role != providers.RoleAssistant {
			continue
		}
		if strings.TrimSpace(m.Content) == "" {
			continue
		}
		kept = append(kept, m)
	}
	if n > 0 && len(kept) > n {
		kept = kept[len(kept)-n:]
	}
	return kept
}

// BuildMessages assembles the chat request for one turn.
func (g *Generator) BuildMessages(req Request) []providers.Message {
	system := g.systemPrompt(req.Personality)
	logger.DebugCF("generation", "System prompt built", map[string]interface{}{
		"total_chars":   len(system),
		"section_count": strings.Count(system, "\n\n---\n\n") + 1,
	})

	messages := []providers.Message{{Role: providers.RoleSystem, Content: system}}
	if ctx := truncateContext(req.MemoryContext, g.cfg.MaxMemoryContextChars); ctx != "" {
		messages = append(messages, providers.Message{Role: providers.RoleSystem, Content: ctx})
	}
	messages = append(messages, recentHistory(req.History, g.cfg.HistoryTurns)...)
	messages = append(messages, providers.Message{Role: providers.RoleUser, Content: req.UserMessage})
	return messages
}

// retryMessages asks the model to fix the problems found in its first reply.
func retryMessages(base []providers.Message, report QualityReport) []providers.Message {
	out := make([]providers.Message, 0, len(base)+1)
	out = append(out, base...)
	out = append(out, providers.Message{
		Role: providers.RoleSystem,
		Content: fmt.Sprintf("Your previous draft was rejected: %s. Write a new reply that fixes this and answers the user's last message directly.",
			strings.Join(report.Failures, "; ")),
	})
	return out
}
