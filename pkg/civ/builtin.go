package civ

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agentciv/agentciv/pkg/tool"
)

// Builtin tool handlers run on the goroutine of the calling agent's
// decision loop, which already holds that agent's lock. They may touch
// the calling agent's state directly but must never re-enter Process
// for the same agent.

func (c *Civilization) registerBuiltins() error {
	type builtin struct {
		name        string
		description string
		schema      map[string]any
		handler     tool.HandlerFunc
	}

	builtins := []builtin{
		{
			name:        "create_agent",
			description: "Create a new agent in the civilization with a name, role, and system prompt. The new agent becomes your sub-agent.",
			schema: objectSchema(map[string]any{
				"name":          stringProp("Short unique name for the agent"),
				"role":          stringProp("One-line description of the agent's specialty"),
				"system_prompt": stringProp("System prompt framing the agent's behavior"),
			}, "name", "role", "system_prompt"),
			handler: c.handleCreateAgent,
		},
		{
			name:        "delegate_task",
			description: "Delegate a task to another agent by name or id and wait for its result. Circular delegation is refused.",
			schema: objectSchema(map[string]any{
				"agent": stringProp("Target agent name or id"),
				"task":  stringProp("The task to perform"),
			}, "agent", "task"),
			handler: c.handleDelegate,
		},
		{
			name:        "broadcast",
			description: "Send a message to every other agent, or to an alliance's members, and collect their responses.",
			schema: objectSchema(map[string]any{
				"message":     stringProp("The message to broadcast"),
				"alliance_id": stringProp("Restrict recipients to this alliance"),
			}, "message"),
			handler: c.handleBroadcast,
		},
		{
			name:        "create_tool",
			description: "Create a reusable tool backed by Python code. The code runs in your sandbox with parameters bound to a `params` dict; print the result to stdout.",
			schema: objectSchema(map[string]any{
				"name":         stringProp("Tool name (letters, digits, underscore, hyphen)"),
				"description":  stringProp("What the tool does and when to use it"),
				"input_schema": map[string]any{"type": "object", "description": "JSON schema for the tool's parameters"},
				"source_code":  stringProp("Python implementation"),
				"scope":        enumProp("Tool visibility", "shared", "private"),
				"tags":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Optional tags for discovery"},
			}, "name", "description", "source_code"),
			handler: c.handleCreateTool,
		},
		{
			name:        "edit_tool",
			description: "Modify an existing tool you are allowed to edit. Only the fields you pass are changed; the version increments.",
			schema: objectSchema(map[string]any{
				"tool_id":      stringProp("Id of the tool to edit (or its name)"),
				"name":         stringProp("New name"),
				"description":  stringProp("New description"),
				"input_schema": map[string]any{"type": "object", "description": "Replacement JSON schema"},
				"source_code":  stringProp("Replacement Python implementation"),
				"tags":         map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			}, "tool_id"),
			handler: c.handleEditTool,
		},
		{
			name:        "delete_tool",
			description: "Delete a tool you are allowed to delete.",
			schema: objectSchema(map[string]any{
				"tool_id": stringProp("Id of the tool to delete (or its name)"),
			}, "tool_id"),
			handler: c.handleDeleteTool,
		},
		{
			name:        "sandbox",
			description: "Operate your personal sandboxed environment: run Python or shell, read/write/list files under /workspace, install packages, snapshot or restore the environment.",
			schema: objectSchema(map[string]any{
				"action":  enumProp("What to do", "exec_python", "exec_shell", "read_file", "write_file", "list_files", "install_package", "snapshot", "restore"),
				"code":    stringProp("Python code for exec_python"),
				"command": stringProp("Shell command for exec_shell"),
				"path":    stringProp("File path for read_file/write_file, relative to /workspace"),
				"content": stringProp("File content for write_file"),
				"package": stringProp("Package name for install_package"),
				"tag":     stringProp("Image tag for restore (defaults to your latest snapshot)"),
			}, "action"),
			handler: c.handleSandbox,
		},
		{
			name:        "evolve",
			description: "Update your own memory: append a role note, store a knowledge fact, or record an important experience.",
			schema: objectSchema(map[string]any{
				"role_note":       stringProp("Note about how your role has evolved"),
				"knowledge_key":   stringProp("Key for a knowledge fact"),
				"knowledge_value": stringProp("Value for the knowledge fact"),
				"experience":      stringProp("An experience worth remembering"),
				"importance":      map[string]any{"type": "number", "description": "Importance of the experience, 0 to 1"},
			}),
			handler: c.handleEvolve,
		},
		{
			name:        "query_civilization",
			description: "Inspect the civilization: list agents, tools, alliances, recent history, usage, or search what other agents know.",
			schema: objectSchema(map[string]any{
				"topic":  enumProp("What to inspect", "agents", "tools", "alliances", "history", "usage", "knowledge_search"),
				"search": stringProp("Search term, used by tools and knowledge_search"),
			}, "topic"),
			handler: c.handleQuery,
		},
		{
			name:        "form_alliance",
			description: "Form an alliance of agents around a shared purpose. You are always a member.",
			schema: objectSchema(map[string]any{
				"name":      stringProp("Alliance name"),
				"purpose":   stringProp("What the alliance is for"),
				"agent_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Member agent ids"},
			}, "name", "purpose"),
			handler: c.handleFormAlliance,
		},
	}

	for _, b := range builtins {
		def := &tool.Definition{
			Name:        b.name,
			Description: b.description,
			InputSchema: b.schema,
		}
		if err := c.registry.RegisterBuiltin(def, b.handler); err != nil {
			return fmt.Errorf("failed to register builtin %q: %w", b.name, err)
		}
	}
	return nil
}

func (c *Civilization) handleCreateAgent(ctx context.Context, agentID string, input map[string]any) (string, error) {
	name, err := requireString(input, "name")
	if err != nil {
		return "", err
	}
	role, err := requireString(input, "role")
	if err != nil {
		return "", err
	}
	prompt, err := requireString(input, "system_prompt")
	if err != nil {
		return "", err
	}
	state, err := c.CreateAgent(name, role, prompt, agentID)
	if err != nil {
		return "", err
	}
	if creator, lookupErr := c.agent(agentID); lookupErr == nil {
		creator.countAgentCreated()
	}
	return fmt.Sprintf("Created agent %q (id %s) at depth %d.", state.Name, state.ID, state.Depth), nil
}

func (c *Civilization) handleDelegate(ctx context.Context, agentID string, input map[string]any) (string, error) {
	target, err := requireString(input, "agent")
	if err != nil {
		return "", err
	}
	task, err := requireString(input, "task")
	if err != nil {
		return "", err
	}
	return c.Delegate(ctx, agentID, target, task)
}

func (c *Civilization) handleBroadcast(ctx context.Context, agentID string, input map[string]any) (string, error) {
	message, err := requireString(input, "message")
	if err != nil {
		return "", err
	}
	allianceID, _ := input["alliance_id"].(string)
	results, err := c.Broadcast(ctx, agentID, message, allianceID)
	if err != nil {
		return "", err
	}
	if len(results) == 0 {
		return "No other agents to broadcast to.", nil
	}
	var b strings.Builder
	for _, r := range results {
		if r.Err != "" {
			fmt.Fprintf(&b, "%s: (failed: %s)\n", r.AgentName, r.Err)
			continue
		}
		fmt.Fprintf(&b, "%s: %s\n", r.AgentName, r.Response)
	}
	return strings.TrimSpace(b.String()), nil
}

func (c *Civilization) handleCreateTool(ctx context.Context, agentID string, input map[string]any) (string, error) {
	name, err := requireString(input, "name")
	if err != nil {
		return "", err
	}
	description, err := requireString(input, "description")
	if err != nil {
		return "", err
	}
	source, err := requireString(input, "source_code")
	if err != nil {
		return "", err
	}

	scope := tool.ScopeShared
	if s, _ := input["scope"].(string); s == string(tool.ScopePrivate) {
		scope = tool.ScopePrivate
	}
	schema, _ := input["input_schema"].(map[string]any)
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}

	def := &tool.Definition{
		Name:             name,
		Description:      description,
		InputSchema:      schema,
		Scope:            scope,
		CreatedByAgentID: agentID,
		SourceCode:       source,
		Tags:             stringSlice(input["tags"]),
	}
	if err := c.registry.Register(def); err != nil {
		return "", err
	}
	if creator, lookupErr := c.agent(agentID); lookupErr == nil {
		creator.countToolCreated()
		creator.addToolID(def.ID)
	}

	c.events.Emit("tool_created", map[string]any{
		"tool_id":   def.ID,
		"tool_name": def.Name,
		"scope":     string(def.Scope),
		"agent_id":  agentID,
	})
	return fmt.Sprintf("Created %s tool %q (id %s).", def.Scope, def.Name, def.ID), nil
}

func (c *Civilization) handleEditTool(ctx context.Context, agentID string, input map[string]any) (string, error) {
	id, err := c.resolveToolID(input)
	if err != nil {
		return "", err
	}

	var changes tool.Update
	if v, ok := input["name"].(string); ok {
		changes.Name = &v
	}
	if v, ok := input["description"].(string); ok {
		changes.Description = &v
	}
	if v, ok := input["input_schema"].(map[string]any); ok {
		changes.InputSchema = v
	}
	if v, ok := input["source_code"].(string); ok {
		changes.SourceCode = &v
	}
	if tags := stringSlice(input["tags"]); tags != nil {
		changes.Tags = tags
	}

	def, err := c.registry.Update(id, changes, agentID)
	if err != nil {
		return "", err
	}
	c.events.Emit("tool_updated", map[string]any{
		"tool_id":   def.ID,
		"tool_name": def.Name,
		"version":   def.Version,
		"agent_id":  agentID,
	})
	return fmt.Sprintf("Updated tool %q to version %d.", def.Name, def.Version), nil
}

func (c *Civilization) handleDeleteTool(ctx context.Context, agentID string, input map[string]any) (string, error) {
	id, err := c.resolveToolID(input)
	if err != nil {
		return "", err
	}
	ownerID := ""
	if def, ok := c.registry.Get(id); ok {
		ownerID = def.CreatedByAgentID
	}
	name, err := c.registry.Delete(id, agentID)
	if err != nil {
		return "", err
	}
	if owner, lookupErr := c.agent(ownerID); lookupErr == nil {
		owner.removeToolID(id)
	}
	c.events.Emit("tool_deleted", map[string]any{
		"tool_id":  id,
		"agent_id": agentID,
	})
	return fmt.Sprintf("Deleted tool %q.", name), nil
}

// resolveToolID accepts a tool id or, as a convenience, a tool name.
func (c *Civilization) resolveToolID(input map[string]any) (string, error) {
	ref, err := requireString(input, "tool_id")
	if err != nil {
		return "", err
	}
	if _, ok := c.registry.Get(ref); ok {
		return ref, nil
	}
	if def, ok := c.registry.GetByName(ref); ok {
		return def.ID, nil
	}
	return "", fmt.Errorf("tool %q: %w", ref, tool.ErrNotFound)
}

func (c *Civilization) handleSandbox(ctx context.Context, agentID string, input map[string]any) (string, error) {
	action, err := requireString(input, "action")
	if err != nil {
		return "", err
	}

	switch action {
	case "exec_python":
		code, err := requireString(input, "code")
		if err != nil {
			return "", err
		}
		res, err := c.sandbox.ExecPython(ctx, agentID, code)
		if err != nil {
			return "", err
		}
		return formatExecResult(res.Stdout, res.Stderr, res.ExitCode, res.TimedOut), nil

	case "exec_shell":
		command, err := requireString(input, "command")
		if err != nil {
			return "", err
		}
		res, err := c.sandbox.ExecShell(ctx, agentID, command)
		if err != nil {
			return "", err
		}
		return formatExecResult(res.Stdout, res.Stderr, res.ExitCode, res.TimedOut), nil

	case "read_file":
		path, err := requireString(input, "path")
		if err != nil {
			return "", err
		}
		return c.sandbox.ReadFile(ctx, agentID, path)

	case "write_file":
		path, err := requireString(input, "path")
		if err != nil {
			return "", err
		}
		content, err := requireString(input, "content")
		if err != nil {
			return "", err
		}
		if err := c.sandbox.WriteFile(ctx, agentID, path, content); err != nil {
			return "", err
		}
		return fmt.Sprintf("Wrote %d bytes to %s.", len(content), path), nil

	case "list_files":
		path, _ := input["path"].(string)
		files, err := c.sandbox.ListFiles(ctx, agentID, path)
		if err != nil {
			return "", err
		}
		if len(files) == 0 {
			return "(no files)", nil
		}
		return strings.Join(files, "\n"), nil

	case "install_package":
		pkg, err := requireString(input, "package")
		if err != nil {
			return "", err
		}
		res, err := c.sandbox.InstallPackage(ctx, agentID, pkg)
		if err != nil {
			return "", err
		}
		if res.ExitCode != 0 {
			return "", fmt.Errorf("package install failed: %s", strings.TrimSpace(res.Stderr))
		}
		return fmt.Sprintf("Installed %s.", pkg), nil

	case "snapshot":
		tag, err := c.sandbox.Snapshot(ctx, agentID)
		if err != nil {
			return "", err
		}
		c.mu.Lock()
		c.state.SnapshotTags[agentID] = tag
		c.mu.Unlock()
		return fmt.Sprintf("Snapshot saved as %s.", tag), nil

	case "restore":
		tag, _ := input["tag"].(string)
		if tag == "" {
			c.mu.Lock()
			tag = c.state.SnapshotTags[agentID]
			c.mu.Unlock()
		}
		if tag == "" {
			return "", fmt.Errorf("no snapshot to restore; take one with action=snapshot first")
		}
		if err := c.sandbox.Restore(ctx, agentID, tag); err != nil {
			return "", err
		}
		return fmt.Sprintf("Environment restored from %s.", tag), nil

	default:
		return "", fmt.Errorf("unknown sandbox action %q", action)
	}
}

func (c *Civilization) handleEvolve(ctx context.Context, agentID string, input map[string]any) (string, error) {
	agent, err := c.agent(agentID)
	if err != nil {
		return "", err
	}
	mem := agent.state.Memory

	var applied []string
	if note, _ := input["role_note"].(string); note != "" {
		mem.AddRoleNote(note)
		applied = append(applied, "role note recorded")
	}
	if key, _ := input["knowledge_key"].(string); key != "" {
		mem.SetKnowledge(key, input["knowledge_value"])
		applied = append(applied, fmt.Sprintf("knowledge %q stored", key))
	}
	if exp, _ := input["experience"].(string); exp != "" {
		importance, _ := input["importance"].(float64)
		if importance <= 0 {
			importance = 0.5
		}
		mem.AddEpisodic(exp, importance)
		applied = append(applied, "experience recorded")
	}
	if len(applied) == 0 {
		return "", fmt.Errorf("nothing to apply: pass role_note, knowledge_key, or experience")
	}

	c.events.Emit("agent_evolved", map[string]any{
		"agent_id": agentID,
		"changes":  applied,
	})
	return "Evolved: " + strings.Join(applied, ", ") + ".", nil
}

func (c *Civilization) handleQuery(ctx context.Context, agentID string, input map[string]any) (string, error) {
	topic, err := requireString(input, "topic")
	if err != nil {
		return "", err
	}

	switch topic {
	case "agents":
		var b strings.Builder
		for _, st := range c.Agents() {
			fmt.Fprintf(&b, "- %s (id %s, depth %d, %s): %s\n", st.Name, st.ID, st.Depth, st.Status, st.Role)
		}
		return strings.TrimSpace(b.String()), nil

	case "tools":
		defs := c.registry.All()
		if search, _ := input["search"].(string); search != "" {
			defs = c.registry.Search(search)
		}
		if len(defs) == 0 {
			return "No tools found.", nil
		}
		var b strings.Builder
		for _, d := range defs {
			fmt.Fprintf(&b, "- %s [%s, v%d, used %d times]: %s\n", d.Name, d.Scope, d.Version, d.UsageCount, d.Description)
		}
		return strings.TrimSpace(b.String()), nil

	case "alliances":
		alliances := c.Alliances()
		if len(alliances) == 0 {
			return "No alliances formed yet.", nil
		}
		var b strings.Builder
		for _, al := range alliances {
			fmt.Fprintf(&b, "- %s (%d members): %s\n", al.Name, len(al.AgentIDs), al.Purpose)
		}
		return strings.TrimSpace(b.String()), nil

	case "history", "events":
		events := c.events.Recent(20)
		if len(events) == 0 {
			return "No events recorded.", nil
		}
		var b strings.Builder
		for _, ev := range events {
			data, _ := json.Marshal(ev.Data)
			fmt.Fprintf(&b, "- [%s] %s %s\n", ev.Timestamp.Format("15:04:05"), ev.Type, data)
		}
		return strings.TrimSpace(b.String()), nil

	case "knowledge_search":
		search, err := requireString(input, "search")
		if err != nil {
			return "", err
		}
		q := strings.ToLower(search)
		var b strings.Builder
		for _, st := range c.Agents() {
			for k, v := range st.Memory.Knowledge {
				line := fmt.Sprintf("%s: %v", k, v)
				if strings.Contains(strings.ToLower(line), q) {
					fmt.Fprintf(&b, "- %s knows %s\n", st.Name, line)
				}
			}
			for _, note := range st.Memory.RoleNotes {
				if strings.Contains(strings.ToLower(note), q) {
					fmt.Fprintf(&b, "- %s: %s\n", st.Name, note)
				}
			}
		}
		if b.Len() == 0 {
			return "No matching knowledge found.", nil
		}
		return strings.TrimSpace(b.String()), nil

	case "usage":
		u := c.Usage()
		return fmt.Sprintf("API calls: %d, input tokens: %d, output tokens: %d, estimated cost: $%.4f",
			u.Calls, u.InputTokens, u.OutputTokens, u.EstimatedCostUSD), nil

	default:
		return "", fmt.Errorf("unknown topic %q", topic)
	}
}

func (c *Civilization) handleFormAlliance(ctx context.Context, agentID string, input map[string]any) (string, error) {
	name, err := requireString(input, "name")
	if err != nil {
		return "", err
	}
	purpose, err := requireString(input, "purpose")
	if err != nil {
		return "", err
	}
	al, err := c.CreateAlliance(name, purpose, stringSlice(input["agent_ids"]), agentID)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Alliance %q formed with %d members (id %s).", al.Name, len(al.AgentIDs), al.ID), nil
}

func formatExecResult(stdout, stderr string, exitCode int, timedOut bool) string {
	if timedOut {
		return "Execution timed out and was terminated."
	}
	var b strings.Builder
	if s := strings.TrimSpace(stdout); s != "" {
		b.WriteString(s)
	}
	if s := strings.TrimSpace(stderr); s != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr: " + s)
	}
	if exitCode != 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "(exit code %d)", exitCode)
	}
	if b.Len() == 0 {
		return "(no output)"
	}
	return b.String()
}

func requireString(input map[string]any, key string) (string, error) {
	v, ok := input[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing required parameter %q", key)
	}
	return v, nil
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		req := make([]any, len(required))
		for i, r := range required {
			req[i] = r
		}
		schema["required"] = req
	}
	return schema
}

func stringProp(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

func enumProp(description string, values ...string) map[string]any {
	vals := make([]any, len(values))
	for i, v := range values {
		vals[i] = v
	}
	return map[string]any{"type": "string", "description": description, "enum": vals}
}
