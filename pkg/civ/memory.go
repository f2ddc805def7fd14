package civ

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentciv/agentciv/pkg/llm"
)

// Memory limits. Conversation compaction triggers at twice the turn
// cap so the window shrinks in batches rather than on every turn.
const (
	defaultMaxConversationTurns = 50
	defaultMaxEpisodic          = 200
	promptEpisodicLimit         = 10
	promptKnowledgeLimit        = 10
	promptRoleNotesLimit        = 5
)

// EpisodicEntry is one remembered experience, scored so the least
// important entries can be evicted first.
type EpisodicEntry struct {
	Content    string    `json:"content"`
	Importance float64   `json:"importance"`
	Timestamp  time.Time `json:"timestamp"`
}

// Memory is an agent's layered state: the working conversation window,
// scored episodic entries, a semantic knowledge map, and role notes
// appended as the agent's understanding of its purpose evolves. All of
// it serializes with the agent.
type Memory struct {
	Conversation         []llm.Message   `json:"conversation"`
	MaxConversationTurns int             `json:"max_conversation_turns"`
	Episodic             []EpisodicEntry `json:"episodic"`
	MaxEpisodic          int             `json:"max_episodic"`
	Knowledge            map[string]any  `json:"knowledge"`
	RoleNotes            []string        `json:"role_notes"`
}

// NewMemory creates an empty memory with default limits.
func NewMemory() *Memory {
	return &Memory{
		MaxConversationTurns: defaultMaxConversationTurns,
		MaxEpisodic:          defaultMaxEpisodic,
		Knowledge:            make(map[string]any),
	}
}

// AddTurn appends a conversation message and compacts the window when
// it grows past twice the turn cap. Compaction keeps the first two
// messages (the task framing) and the most recent MaxConversationTurns.
func (m *Memory) AddTurn(msg llm.Message) {
	m.Conversation = append(m.Conversation, msg)
	if len(m.Conversation) <= 2*m.MaxConversationTurns {
		return
	}
	head := m.Conversation[:2]
	tail := m.Conversation[len(m.Conversation)-m.MaxConversationTurns:]
	compacted := make([]llm.Message, 0, len(head)+len(tail))
	compacted = append(compacted, head...)
	compacted = append(compacted, tail...)
	m.Conversation = compacted
}

// AddEpisodic records an experience. When over capacity the lowest
// importance entries are evicted.
func (m *Memory) AddEpisodic(content string, importance float64) {
	m.Episodic = append(m.Episodic, EpisodicEntry{
		Content:    content,
		Importance: importance,
		Timestamp:  time.Now().UTC(),
	})
	if len(m.Episodic) <= m.MaxEpisodic {
		return
	}
	sort.SliceStable(m.Episodic, func(i, j int) bool {
		return m.Episodic[i].Importance > m.Episodic[j].Importance
	})
	m.Episodic = m.Episodic[:m.MaxEpisodic]
}

// SetKnowledge stores a semantic fact under a key, replacing any prior
// value.
func (m *Memory) SetKnowledge(key string, value any) {
	if m.Knowledge == nil {
		m.Knowledge = make(map[string]any)
	}
	m.Knowledge[key] = value
}

// AddRoleNote appends a note about how the agent's role has evolved.
func (m *Memory) AddRoleNote(note string) {
	m.RoleNotes = append(m.RoleNotes, note)
}

// PromptContext renders the non-conversation layers as a system prompt
// fragment: recent role notes, the most important episodic entries, and
// a deterministic sample of the knowledge map. Returns "" when there is
// nothing to say.
func (m *Memory) PromptContext() string {
	var b strings.Builder

	if len(m.RoleNotes) > 0 {
		notes := m.RoleNotes
		if len(notes) > promptRoleNotesLimit {
			notes = notes[len(notes)-promptRoleNotesLimit:]
		}
		b.WriteString("## Role evolution\n")
		for _, n := range notes {
			b.WriteString("- " + n + "\n")
		}
	}

	if len(m.Episodic) > 0 {
		top := make([]EpisodicEntry, len(m.Episodic))
		copy(top, m.Episodic)
		sort.SliceStable(top, func(i, j int) bool {
			return top[i].Importance > top[j].Importance
		})
		if len(top) > promptEpisodicLimit {
			top = top[:promptEpisodicLimit]
		}
		b.WriteString("## Important experiences\n")
		for _, e := range top {
			b.WriteString("- " + e.Content + "\n")
		}
	}

	if len(m.Knowledge) > 0 {
		keys := make([]string, 0, len(m.Knowledge))
		for k := range m.Knowledge {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		if len(keys) > promptKnowledgeLimit {
			keys = keys[:promptKnowledgeLimit]
		}
		b.WriteString("## Knowledge\n")
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s: %v\n", k, m.Knowledge[k])
		}
	}

	return strings.TrimSpace(b.String())
}
