// Package toolify mines the tool execution log for repeated agent
// behavior and proposes formalizing it as a reusable tool.
//
// Two independent detectors, both threshold-gated:
//   - code patterns: successful sandbox code executions grouped by a
//     structural skeleton (literals replaced with placeholders)
//   - sequence patterns: consecutive tool-name pairs (bigrams),
//     excluding self-repeats
//
// The engine never creates a tool itself; candidates are handed back to
// the originating agent's decision loop as a proposal message.
package toolify

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/agentciv/agentciv/pkg/tool"
)

// Candidate is a detected pattern that could become a tool.
type Candidate struct {
	PatternDescription      string           `json:"pattern_description"`
	Skeleton                string           `json:"skeleton,omitempty"`
	AgentID                 string           `json:"agent_id"`
	Frequency               int              `json:"frequency"`
	ExampleInvocations      []map[string]any `json:"example_invocations,omitempty"`
	SuggestedName           string           `json:"suggested_name"`
	SuggestedDescription    string           `json:"suggested_description"`
	SuggestedSchema         map[string]any   `json:"suggested_schema"`
	SuggestedImplementation string           `json:"suggested_implementation"`
}

// Agent is the slice of an agent's behavior the engine needs: the
// ability to drive its decision loop with a proposal message.
type Agent interface {
	Process(ctx context.Context, message string) (string, error)
}

// Engine analyzes execution history for toolification candidates.
type Engine struct {
	registry  *tool.Registry
	threshold int
}

// NewEngine creates an engine over the registry's execution log. A
// pattern must occur at least threshold times to become a candidate.
func NewEngine(registry *tool.Registry, threshold int) *Engine {
	if threshold <= 0 {
		threshold = 3
	}
	return &Engine{registry: registry, threshold: threshold}
}

// Analyze returns all toolification candidates for one agent.
func (e *Engine) Analyze(agentID, agentName string) []Candidate {
	var candidates []Candidate
	candidates = append(candidates, e.detectCodePatterns(agentID, agentName)...)
	candidates = append(candidates, e.detectSequencePatterns(agentID)...)
	return candidates
}

func (e *Engine) detectCodePatterns(agentID, agentName string) []Candidate {
	var codeExecs []tool.ExecutionRecord
	for _, r := range e.registry.Log() {
		if r.AgentID == agentID && r.ToolName == "sandbox" && r.Success &&
			r.Input["action"] == "exec_python" {
			codeExecs = append(codeExecs, r)
		}
	}
	if len(codeExecs) < e.threshold {
		return nil
	}

	groups := make(map[string][]tool.ExecutionRecord)
	for _, r := range codeExecs {
		code, _ := r.Input["code"].(string)
		skeleton := ExtractSkeleton(code)
		if skeleton == "" {
			continue
		}
		groups[skeleton] = append(groups[skeleton], r)
	}

	var candidates []Candidate
	for skeleton, records := range groups {
		if len(records) < e.threshold {
			continue
		}
		examples := make([]map[string]any, 0, 3)
		for _, r := range records[:min(3, len(records))] {
			examples = append(examples, r.Input)
		}
		impl, _ := records[0].Input["code"].(string)
		candidates = append(candidates, Candidate{
			PatternDescription:      fmt.Sprintf("Repeated code pattern detected (%d occurrences)", len(records)),
			Skeleton:                skeleton,
			AgentID:                 agentID,
			Frequency:               len(records),
			ExampleInvocations:      examples,
			SuggestedName:           suggestedCodeToolName(agentName, len(e.registry.All())),
			SuggestedDescription:    "Auto-detected repeated code pattern - refine before use",
			SuggestedSchema:         map[string]any{"type": "object", "properties": map[string]any{}},
			SuggestedImplementation: impl,
		})
	}
	sortCandidates(candidates)
	return candidates
}

func (e *Engine) detectSequencePatterns(agentID string) []Candidate {
	var records []tool.ExecutionRecord
	for _, r := range e.registry.Log() {
		if r.AgentID == agentID && r.Success {
			records = append(records, r)
		}
	}
	if len(records) < e.threshold*2 {
		return nil
	}

	type bigram struct{ first, second string }
	counts := make(map[bigram]int)
	for i := 0; i+1 < len(records); i++ {
		b := bigram{records[i].ToolName, records[i+1].ToolName}
		if b.first == b.second {
			continue
		}
		counts[b]++
	}

	var candidates []Candidate
	for b, count := range counts {
		if count < e.threshold {
			continue
		}
		seq := b.first + " -> " + b.second
		candidates = append(candidates, Candidate{
			PatternDescription:      fmt.Sprintf("Repeated tool sequence: %s (%d occurrences)", seq, count),
			AgentID:                 agentID,
			Frequency:               count,
			SuggestedName:           fmt.Sprintf("workflow_%s_then_%s", b.first, b.second),
			SuggestedDescription:    "Automated workflow: " + seq,
			SuggestedSchema:         map[string]any{"type": "object", "properties": map[string]any{}},
			SuggestedImplementation: "# Composite workflow - needs refinement",
		})
	}
	sortCandidates(candidates)
	return candidates
}

var (
	doubleQuoted = regexp.MustCompile(`"[^"]*"`)
	singleQuoted = regexp.MustCompile(`'[^']*'`)
	numberLit    = regexp.MustCompile(`\b\d+\.?\d*\b`)
	whitespace   = regexp.MustCompile(`\s+`)
)

// ExtractSkeleton reduces code to its structural skeleton: string
// literals become a single placeholder, numeric literals another, and
// whitespace is collapsed. Two invocations differing only in literal
// values produce identical skeletons.
func ExtractSkeleton(code string) string {
	s := doubleQuoted.ReplaceAllString(code, `"<STR>"`)
	s = singleQuoted.ReplaceAllString(s, `'<STR>'`)
	s = numberLit.ReplaceAllString(s, "<NUM>")
	s = whitespace.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// Propose hands a candidate back to its agent as a proposal message
// and returns the agent's response. The agent decides whether to
// materialize the pattern via the registry's create path.
func (e *Engine) Propose(ctx context.Context, agent Agent, c Candidate) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "I've detected a repeated pattern in your work:\n\n**%s**\n\n", c.PatternDescription)
	if len(c.ExampleInvocations) > 0 {
		b.WriteString("Examples:\n")
		for i, ex := range c.ExampleInvocations {
			if i >= 3 {
				break
			}
			fmt.Fprintf(&b, "  %d. %v\n", i+1, ex)
		}
	}
	fmt.Fprintf(&b, "\nSuggested tool name: `%s`\n\n", c.SuggestedName)
	b.WriteString("Would you like to create a reusable tool from this pattern? " +
		"If so, use the `create_tool` function to formalize it with proper " +
		"parameters, description, and implementation.")

	return agent.Process(ctx, b.String())
}

func suggestedCodeToolName(agentName string, toolCount int) string {
	base := strings.ToLower(strings.ReplaceAll(agentName, " ", "_"))
	return fmt.Sprintf("auto_%s_tool_%d", base, toolCount)
}

func sortCandidates(cs []Candidate) {
	sort.Slice(cs, func(i, j int) bool {
		if cs[i].Frequency != cs[j].Frequency {
			return cs[i].Frequency > cs[j].Frequency
		}
		return cs[i].SuggestedName < cs[j].SuggestedName
	})
}
