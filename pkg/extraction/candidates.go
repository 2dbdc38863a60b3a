package extraction

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/m-mizutani/goerr/v2"

	"github.com/dotsetgreg/dotmemory/pkg/memory"
	"github.com/dotsetgreg/dotmemory/pkg/providers"
)

// candidate is one statement proposed for long-term storage.
type candidate struct {
	Content    string
	Type       memory.MemoryType
	Tags       []string
	Entities   []string
	Emphasized bool
}

const extractionPrompt = `You extract durable facts about the user from one conversation turn.
Only keep information worth remembering in later conversations: preferences, facts about the user's life, relationships, and notable events.
Ignore small talk, questions, and anything the assistant said about itself.
Write each memory as a short third-person statement starting with "User", e.g. "User prefers Python for scripting".
Reply with a JSON array only, no prose:
[{"content": "...", "memory_type": "preference|fact|event|relationship|other", "tags": ["..."], "entities": ["..."]}]
Reply with [] when there is nothing worth remembering.`

// stringList accepts either a JSON array of strings or a single
// comma-separated string.
type stringList []string

func (l *stringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	parts := []string{}
	for _, p := range strings.Split(one, ",") {
		if p = strings.TrimSpace(p); p != "" {
			parts = append(parts, p)
		}
	}
	*l = parts
	return nil
}

type llmCandidate struct {
	Content    string     `json:"content"`
	MemoryType string     `json:"memory_type"`
	Type       string     `json:"type"`
	Tags       stringList `json:"tags"`
	Entities   stringList `json:"entities"`
}

func turnTranscript(req Request) string {
	var b strings.Builder
	history := req.History
	if len(history) > 4 {
		history = history[len(history)-4:]
	}
	if len(history) > 0 {
		b.WriteString("Earlier in the conversation:\n")
		for _, m := range history {
			fmt.Fprintf(&b, "%s: %s\n", m.Role, truncate(m.Content, 300))
		}
		b.WriteString("\n")
	}
	fmt.Fprintf(&b, "Current turn:\nuser: %s\nassistant: %s\n", req.UserMessage, truncate(req.AssistantResponse, 1200))
	return b.String()
}

// llmCandidates asks the model for structured candidates. It returns the
// tokens spent alongside any error so the caller can account for failed
// calls.
func (e *Extractor) llmCandidates(ctx context.Context, req Request) ([]candidate, int, error) {
	msgs := []providers.Message{
		{Role: providers.RoleSystem, Content: extractionPrompt},
		{Role: providers.RoleUser, Content: turnTranscript(req)},
	}
	opts := map[string]interface{}{"temperature": e.cfg.Temperature}
	if e.cfg.MaxTokens > 0 {
		opts["max_tokens"] = e.cfg.MaxTokens
	}
	resp, err := e.llm.Chat(ctx, msgs, "", opts)
	if err != nil {
		return nil, providers.EstimateMessagesTokens(msgs), goerr.Wrap(err, "extraction call", goerr.V("kind", string(providers.ClassifyError(err))))
	}
	tokens := resp.Tokens(msgs)
	cands, discarded, err := parseCandidates(resp.Content)
	if err != nil {
		return nil, tokens, err
	}
	if discarded > 0 {
		e.debug("Discarded unparseable extraction candidates", map[string]interface{}{"discarded": discarded})
	}
	return cands, tokens, nil
}

// parseCandidates decodes the model reply item by item. Items that fail to
// decode or carry no content are discarded and counted; only a reply with no
// JSON at all is an error.
func parseCandidates(raw string) ([]candidate, int, error) {
	body, ok := providers.ExtractJSON(raw)
	if !ok {
		return nil, 0, goerr.New("no JSON in extraction reply", goerr.V("reply", truncate(raw, 120)))
	}

	var items []json.RawMessage
	if err := json.Unmarshal([]byte(body), &items); err != nil {
		var wrapped struct {
			Memories []json.RawMessage `json:"memories"`
		}
		if werr := json.Unmarshal([]byte(body), &wrapped); werr != nil || wrapped.Memories == nil {
			return nil, 0, goerr.Wrap(err, "decode extraction reply")
		}
		items = wrapped.Memories
	}

	out := []candidate{}
	discarded := 0
	for _, item := range items {
		var c llmCandidate
		if err := json.Unmarshal(item, &c); err != nil {
			discarded++
			continue
		}
		content := normalizePhrase(c.Content)
		if len(content) < 8 {
			discarded++
			continue
		}
		typ := c.MemoryType
		if typ == "" {
			typ = c.Type
		}
		mt := memory.ParseMemoryType(typ)
		if mt == memory.MemoryOther {
			mt = Categorize(content)
		}
		out = append(out, candidate{Content: content, Type: mt, Tags: c.Tags, Entities: c.Entities})
	}
	return out, discarded, nil
}
