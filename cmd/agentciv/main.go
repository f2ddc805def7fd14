// agentciv runs an agent civilization with a terminal chat attached to
// the primary agent.
//
// Usage:
//
//	export GEMINI_API_KEY="your-api-key"
//	go run cmd/agentciv/main.go [-config path.toml] [-resume civilization-id]
//
// Commands:
//
//	/exit    - Exit (asks whether to save first)
//	/save    - Persist the civilization
//	/status  - Show usage and population summary
//	/agents  - List agents
//	/toolify - Mine the primary agent's history for tool candidates
//	<message> - Send a message to the primary agent
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"

	"github.com/agentciv/agentciv/pkg/civ"
	"github.com/agentciv/agentciv/pkg/config"
	"github.com/agentciv/agentciv/pkg/llm/gemini"
	"github.com/agentciv/agentciv/pkg/sandbox/docker"
	"github.com/agentciv/agentciv/pkg/server"
	"github.com/agentciv/agentciv/pkg/store"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(lipgloss.Color("#25A065")).
			Padding(0, 1)

	agentStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("5")).
			Bold(true)

	userStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("2")).
			Bold(true)

	infoStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true).Padding(0, 1)
)

type state int

const (
	stateChatting state = iota
	stateWaiting
	stateConfirmExit
)

type errMsg struct{ err error }
type responseMsg struct{ text string }
type infoMsg struct{ text string }
type savedMsg struct{}

type model struct {
	ctx context.Context
	civ *civ.Civilization

	state  state
	width  int
	height int
	err    error

	viewport viewport.Model
	textarea textarea.Model
	renderer *glamour.TermRenderer

	transcript strings.Builder
}

func initialModel(ctx context.Context, c *civ.Civilization) model {
	ta := textarea.New()
	ta.Placeholder = "Send a message..."
	ta.Focus()
	ta.Prompt = "┃ "
	ta.CharLimit = 2000
	ta.SetWidth(80)
	ta.SetHeight(3)
	ta.FocusedStyle.CursorLine = lipgloss.NewStyle()
	ta.ShowLineNumbers = false

	vp := viewport.New(80, 20)
	vp.SetContent("Civilization ready. Talk to your primary agent, or /agents, /status, /toolify, /save, /exit.")

	// Use "light" style to avoid terminal queries that leak into input
	r, _ := glamour.NewTermRenderer(
		glamour.WithStandardStyle("light"),
		glamour.WithWordWrap(80),
	)

	return model{
		ctx:      ctx,
		civ:      c,
		state:    stateChatting,
		viewport: vp,
		textarea: ta,
		renderer: r,
	}
}

func (m model) Init() tea.Cmd {
	return textarea.Blink
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	var tiCmd, vpCmd tea.Cmd
	if m.state == stateChatting {
		m.textarea, tiCmd = m.textarea.Update(msg)
		cmds = append(cmds, tiCmd)
	}
	m.viewport, vpCmd = m.viewport.Update(msg)
	cmds = append(cmds, vpCmd)

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.viewport.Width = msg.Width
		m.textarea.SetWidth(msg.Width)
		m.viewport.Height = msg.Height - m.textarea.Height() - 2
		if m.viewport.Height < 0 {
			m.viewport.Height = 0
		}
		m.renderer, _ = glamour.NewTermRenderer(
			glamour.WithStandardStyle("light"),
			glamour.WithWordWrap(m.width-4),
		)

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			if m.state == stateConfirmExit {
				m.state = stateChatting
				return m, nil
			}
			m.state = stateConfirmExit
			return m, nil
		case tea.KeyEnter:
			if m.state == stateChatting {
				m.err = nil
				return m.sendMessage()
			}
		default:
			if m.state == stateConfirmExit {
				switch msg.String() {
				case "y", "Y":
					return m, tea.Sequence(m.saveCmd(), tea.Quit)
				case "n", "N":
					return m, tea.Quit
				}
			}
		}

	case responseMsg:
		m.state = stateChatting
		m.appendEntry(agentStyle.Render("Agent: "), m.renderMarkdown(msg.text))
		m.textarea.Focus()

	case infoMsg:
		m.state = stateChatting
		m.appendEntry(infoStyle.Render("* "), msg.text)
		m.textarea.Focus()

	case savedMsg:
		m.state = stateChatting
		m.appendEntry(infoStyle.Render("* "), "Civilization saved.")
		m.textarea.Focus()

	case errMsg:
		m.state = stateChatting
		m.err = msg.err
		m.textarea.Focus()
	}

	return m, tea.Batch(cmds...)
}

func (m *model) appendEntry(prefix, content string) {
	m.transcript.WriteString(prefix + "\n" + content + "\n")
	m.viewport.SetContent(m.transcript.String())
	m.viewport.GotoBottom()
}

func (m *model) renderMarkdown(text string) string {
	if m.renderer == nil {
		return text
	}
	rendered, err := m.renderer.Render(text)
	if err != nil {
		return text
	}
	return rendered
}

func (m model) View() string {
	var errorView string
	if m.err != nil {
		errorView = errorStyle.Width(m.width).Render(fmt.Sprintf("\nError: %v", m.err))
	}

	if m.state == stateConfirmExit {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			titleStyle.Render("Confirm Exit"),
			"",
			"Save civilization before exiting? (y/n)",
			infoStyle.Render("Sandboxes are removed either way."),
			errorView,
		)
	}

	header := titleStyle.Render(m.civ.Name())
	if m.state == stateWaiting {
		header += infoStyle.Render("  thinking...")
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		header,
		"",
		m.viewport.View(),
		"",
		errorView,
		m.textarea.View(),
	)
}

func (m model) sendMessage() (model, tea.Cmd) {
	v := strings.TrimSpace(m.textarea.Value())
	if v == "" {
		return m, nil
	}
	m.textarea.Reset()

	if strings.HasPrefix(v, "/") {
		return m.runCommand(v)
	}

	m.appendEntry(userStyle.Render("You: "), v)
	m.state = stateWaiting
	m.textarea.Blur()

	c, ctx, primary := m.civ, m.ctx, m.civ.PrimaryAgentID()
	return m, func() tea.Msg {
		reply, err := c.Process(ctx, primary, v)
		if err != nil {
			return errMsg{err}
		}
		return responseMsg{reply}
	}
}

func (m model) runCommand(v string) (model, tea.Cmd) {
	switch v {
	case "/exit":
		m.state = stateConfirmExit
		return m, nil

	case "/save":
		m.state = stateWaiting
		return m, m.saveCmd()

	case "/status":
		u := m.civ.Usage()
		text := fmt.Sprintf("Agents: %d | Tools: %d | API calls: %d | Est. cost: $%.4f",
			len(m.civ.Agents()), len(m.civ.Registry().All()), u.Calls, u.EstimatedCostUSD)
		m.appendEntry(infoStyle.Render("* "), text)
		return m, nil

	case "/agents":
		var b strings.Builder
		for _, st := range m.civ.Agents() {
			fmt.Fprintf(&b, "%s (depth %d, %s): %s\n", st.Name, st.Depth, st.Status, st.Role)
		}
		m.appendEntry(infoStyle.Render("* "), b.String())
		return m, nil

	case "/toolify":
		m.state = stateWaiting
		m.textarea.Blur()
		c, ctx, primary := m.civ, m.ctx, m.civ.PrimaryAgentID()
		return m, func() tea.Msg {
			n, err := c.Toolify(ctx, primary)
			if err != nil {
				return errMsg{err}
			}
			return infoMsg{fmt.Sprintf("Toolification pass complete: %d candidate(s) proposed.", n)}
		}

	default:
		m.err = fmt.Errorf("unknown command %q", v)
		return m, nil
	}
}

func (m model) saveCmd() tea.Cmd {
	c := m.civ
	return func() tea.Msg {
		if err := c.Save(); err != nil {
			return errMsg{err}
		}
		return savedMsg{}
	}
}

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	resumeID := flag.String("resume", "", "civilization id to resume")
	name := flag.String("name", "agentciv", "name for a new civilization")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	if cfg.GeminiAPIKey == "" {
		fmt.Println("Error: GEMINI_API_KEY environment variable not set.")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f, err := os.OpenFile("agentciv.log", os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer f.Close()

	logLevel := slog.LevelInfo
	switch strings.ToUpper(cfg.LogLevel) {
	case "TRACE":
		logLevel = gemini.LevelTrace
	case "DEBUG":
		logLevel = slog.LevelDebug
	case "WARN":
		logLevel = slog.LevelWarn
	case "ERROR":
		logLevel = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: logLevel})))
	slog.Info("Logging initialized", "level", logLevel)

	client, err := gemini.New(ctx, cfg.GeminiAPIKey, cfg.Model)
	if err != nil {
		slog.Error("Failed to initialize Gemini client", "error", err)
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	sb, err := docker.New(cfg.SandboxLimits())
	if err != nil {
		slog.Error("Failed to initialize sandbox manager", "error", err)
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	st, err := store.NewFileStore(cfg.DataDir)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	var c *civ.Civilization
	if *resumeID != "" {
		c, err = civ.Resume(&cfg, client, sb, st, *resumeID)
	} else {
		c, err = civ.New(&cfg, client, sb, st, *name)
	}
	if err != nil {
		slog.Error("Failed to start civilization", "error", err)
		fmt.Println("fatal:", err)
		os.Exit(1)
	}
	defer c.Shutdown(context.Background())

	api := server.New(c, fmt.Sprintf("%s:%d", cfg.Web.Host, cfg.Web.Port))
	go func() {
		if err := api.Start(); err != nil {
			slog.Error("Dashboard API stopped", "error", err)
		}
	}()
	defer api.Shutdown(context.Background())

	p := tea.NewProgram(initialModel(ctx, c))
	if _, err := p.Run(); err != nil {
		fmt.Printf("Alas, there's been an error: %v", err)
		os.Exit(1)
	}
}
