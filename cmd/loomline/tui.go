package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/loomline/loomline/runtime/artifact"
	"github.com/loomline/loomline/runtime/client"
	"github.com/loomline/loomline/runtime/hooks"
	"github.com/loomline/loomline/runtime/session"
	"github.com/loomline/loomline/runtime/transcript"
	"github.com/loomline/loomline/runtime/transport"
)

type (
	// chatModel is the bubbletea model for the interactive session. All
	// conversation state lives in the runtime client; the model holds what
	// the current frame needs.
	chatModel struct {
		cfg    config
		cli    *client.Client
		attach func() tea.Msg

		notices chan tea.Msg

		sessionID string
		attached  bool
		attachErr error

		status   transport.State
		msgs     []transcript.Message
		artifact *artifact.Snapshot
		usage    session.Usage
		pending  *inputPrompt
		finished bool

		showArtifact bool
		statusLine   string
		lastFault    string
		busySince    time.Time

		width  int
		height int

		input    textinput.Model
		timeline viewport.Model
		spin     spinner.Model
		theme    uiTheme
	}

	// inputPrompt is one outstanding engine input request.
	inputPrompt struct {
		id     string
		prompt string
	}

	uiTheme struct {
		title       lipgloss.Style
		statusGood  lipgloss.Style
		statusWarn  lipgloss.Style
		statusErr   lipgloss.Style
		panel       lipgloss.Style
		inputPanel  lipgloss.Style
		user        lipgloss.Style
		agent       lipgloss.Style
		system      lipgloss.Style
		muted       lipgloss.Style
		errorText   lipgloss.Style
		artifactTag lipgloss.Style
	}

	noticeMsg struct {
		n hooks.Notice
	}

	attachDoneMsg struct {
		sessionID string
	}

	attachFailedMsg struct {
		err error
	}

	tickMsg time.Time
)

func newTheme() uiTheme {
	accent := lipgloss.Color("39")
	mint := lipgloss.Color("42")
	rose := lipgloss.Color("170")
	gray := lipgloss.Color("245")
	red := lipgloss.Color("203")
	amber := lipgloss.Color("214")

	return uiTheme{
		title:      lipgloss.NewStyle().Bold(true).Foreground(accent),
		statusGood: lipgloss.NewStyle().Foreground(mint).Bold(true),
		statusWarn: lipgloss.NewStyle().Foreground(amber).Bold(true),
		statusErr:  lipgloss.NewStyle().Foreground(red).Bold(true),
		panel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(gray).
			Padding(0, 1),
		inputPanel: lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(accent).
			Padding(0, 1),
		user:        lipgloss.NewStyle().Foreground(mint).Bold(true),
		agent:       lipgloss.NewStyle().Foreground(rose).Bold(true),
		system:      lipgloss.NewStyle().Foreground(gray).Bold(true),
		muted:       lipgloss.NewStyle().Foreground(gray),
		errorText:   lipgloss.NewStyle().Foreground(red),
		artifactTag: lipgloss.NewStyle().Foreground(amber).Bold(true),
	}
}

func newChatModel(cfg config, cli *client.Client, notices chan tea.Msg, attach func() tea.Msg) chatModel {
	input := textinput.New()
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Placeholder = "waiting for the workflow..."

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("39"))

	return chatModel{
		cfg:        cfg,
		cli:        cli,
		attach:     attach,
		notices:    notices,
		status:     transport.StateDisconnected,
		statusLine: "attaching...",
		busySince:  time.Now(),
		input:      input,
		timeline:   viewport.New(0, 0),
		spin:       sp,
		theme:      newTheme(),
	}
}

func (m chatModel) Init() tea.Cmd {
	return tea.Batch(
		m.spin.Tick,
		textinput.Blink,
		m.attach,
		waitNotice(m.notices),
		tickEvery(),
	)
}

// waitNotice hands the next runtime notice to the program. The model re-arms
// it after every receipt.
func waitNotice(ch <-chan tea.Msg) tea.Cmd {
	return func() tea.Msg {
		return <-ch
	}
}

func tickEvery() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case attachDoneMsg:
		m.attached = true
		m.sessionID = msg.sessionID
		m.statusLine = "attached"
		m.msgs = m.cli.Messages()
		m.artifact = m.cli.Artifact()
		m.renderPanes()
	case attachFailedMsg:
		m.attachErr = msg.err
	case noticeMsg:
		m.applyNotice(msg.n)
		m.renderPanes()
		cmds = append(cmds, waitNotice(m.notices))
	case tickMsg:
		cmds = append(cmds, tickEvery())
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		cmds = append(cmds, cmd)
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderPanes()
	case tea.KeyMsg:
		if key := msg.String(); key == "ctrl+c" {
			return m, tea.Quit
		}
		if m.attachErr != nil {
			if key := msg.String(); key == "q" || key == "esc" {
				return m, tea.Quit
			}
			return m, nil
		}
		switch msg.String() {
		case "ctrl+a":
			if m.artifact != nil {
				m.showArtifact = !m.showArtifact
				m.renderPanes()
			}
			return m, tea.Batch(cmds...)
		case "enter":
			m.submitInput()
			m.renderPanes()
			return m, tea.Batch(cmds...)
		case "pgup":
			m.timeline.LineUp(8)
			return m, tea.Batch(cmds...)
		case "pgdown":
			m.timeline.LineDown(8)
			return m, tea.Batch(cmds...)
		case "home":
			m.timeline.GotoTop()
			return m, tea.Batch(cmds...)
		case "end":
			m.timeline.GotoBottom()
			return m, tea.Batch(cmds...)
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// applyNotice folds one runtime notice into the frame state. Message notices
// re-read the transcript from the client, which self-heals any notice the
// pump dropped under load.
func (m *chatModel) applyNotice(n hooks.Notice) {
	switch v := n.(type) {
	case *hooks.MessageAppended, *hooks.MessageUpdated:
		m.msgs = m.cli.Messages()
	case *hooks.StatusChanged:
		m.status = v.State
		switch v.State {
		case transport.StateReconnecting:
			m.statusLine = "connection lost, reconnecting..."
		case transport.StateConnected:
			m.statusLine = "connected"
		case transport.StateError:
			m.statusLine = "connection failed"
		}
	case *hooks.ArtifactChanged:
		m.artifact = v.Snapshot
		if v.Snapshot == nil {
			m.showArtifact = false
			m.statusLine = "artifact closed"
		} else {
			m.statusLine = fmt.Sprintf("artifact %s updated (ctrl+a to view)", v.Snapshot.ToolID)
		}
	case *hooks.ToolInvoked:
		m.statusLine = fmt.Sprintf("tool %s invoked", v.Invocation.ToolID)
	case *hooks.InputRequested:
		m.pending = &inputPrompt{id: v.RequestID, prompt: v.Prompt}
		if v.Prompt != "" {
			m.input.Placeholder = v.Prompt
		} else {
			m.input.Placeholder = "your reply..."
		}
		m.input.Focus()
		m.statusLine = "your turn"
	case *hooks.UsageUpdated:
		m.usage = v.Usage
	case *hooks.RunFinished:
		m.finished = true
		m.pending = nil
		m.statusLine = "run complete, ctrl+c to exit"
	case *hooks.Fault:
		m.lastFault = v.Err.Error()
	}
}

// submitInput answers the outstanding input request with the typed text.
func (m *chatModel) submitInput() {
	if m.pending == nil {
		m.statusLine = "no input requested yet"
		return
	}
	text := strings.TrimSpace(m.input.Value())
	if text == "" {
		return
	}
	if !m.cli.SubmitInput(m.pending.id, text) {
		m.statusLine = "send failed: not connected"
		return
	}
	m.input.SetValue("")
	m.input.Placeholder = "waiting for the workflow..."
	m.pending = nil
	m.busySince = time.Now()
	m.statusLine = "sent"
	m.msgs = m.cli.Messages()
}

func (m *chatModel) resize() {
	contentWidth := max(40, m.width-2)
	m.input.Width = max(20, contentWidth-8)
	m.timeline.Width = max(20, contentWidth-4)
	m.timeline.Height = max(5, m.height-8)
}

// renderPanes refreshes the viewport, keeping it pinned to the bottom unless
// the user scrolled away.
func (m *chatModel) renderPanes() {
	atBottom := m.timeline.AtBottom()
	offset := m.timeline.YOffset
	if m.showArtifact && m.artifact != nil {
		m.timeline.SetContent(m.renderArtifact())
	} else {
		m.timeline.SetContent(m.renderTimeline())
	}
	if atBottom {
		m.timeline.GotoBottom()
	} else {
		m.timeline.SetYOffset(offset)
	}
}

func (m *chatModel) renderTimeline() string {
	if len(m.msgs) == 0 {
		if m.attached {
			return m.theme.muted.Render("No messages yet.")
		}
		return m.theme.muted.Render("Attaching...")
	}
	wrapWidth := max(24, m.timeline.Width-2)
	var b strings.Builder
	for _, msg := range m.msgs {
		b.WriteString(m.renderMessageHeader(msg))
		b.WriteString("\n")
		content := msg.Content
		if msg.Streaming {
			content += " ▌"
		}
		b.WriteString(lipgloss.NewStyle().Width(wrapWidth).Render(content))
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *chatModel) renderMessageHeader(msg transcript.Message) string {
	ts := msg.CreatedAt.Local().Format("15:04")
	switch msg.Sender {
	case transcript.SenderUser:
		return m.theme.muted.Render(ts) + " " + m.theme.user.Render("you")
	case transcript.SenderSystem:
		return m.theme.muted.Render(ts) + " " + m.theme.system.Render("system")
	default:
		name := msg.AgentName
		if name == "" {
			name = "agent"
		}
		return m.theme.muted.Render(ts) + " " + m.theme.agent.Render(name)
	}
}

func (m *chatModel) renderArtifact() string {
	snap := m.artifact
	header := m.theme.artifactTag.Render("artifact "+snap.ToolID) +
		m.theme.muted.Render(fmt.Sprintf(" · %s · %s", snap.WorkflowName, snap.Timestamp.Local().Format("15:04:05")))
	payload, err := json.MarshalIndent(snap.Payload, "", "  ")
	if err != nil {
		payload = []byte(fmt.Sprintf("unrenderable payload: %v", err))
	}
	return header + "\n\n" + string(payload)
}

func (m chatModel) View() string {
	if m.attachErr != nil {
		panel := m.theme.panel.Width(max(20, m.width-4)).Render(
			m.theme.statusErr.Render("Attach failed") + "\n\n" +
				m.theme.errorText.Render(m.attachErr.Error()) + "\n\n" +
				m.theme.muted.Render("Press q or ctrl+c to exit."),
		)
		return "\n" + panel
	}
	if !m.attached {
		return "\n  " + m.spin.View() + " " +
			m.theme.muted.Render(fmt.Sprintf("attaching to %s...", m.cfg.WorkflowName))
	}
	header := m.renderTuiHeader()
	body := m.theme.panel.Render(m.timeline.View())
	input := m.theme.inputPanel.Render(m.input.View())
	footer := m.renderFooter()
	return lipgloss.JoinVertical(lipgloss.Left, header, body, input, footer)
}

func (m chatModel) renderTuiHeader() string {
	title := m.theme.title.Render("loomline") + m.theme.muted.Render(" · "+m.cfg.WorkflowName)
	state := string(m.status)
	var badge string
	switch m.status {
	case transport.StateConnected:
		badge = m.theme.statusGood.Render("● " + state)
	case transport.StateConnecting, transport.StateReconnecting:
		badge = m.theme.statusWarn.Render("● " + state)
	default:
		badge = m.theme.statusErr.Render("● " + state)
	}
	parts := []string{title, badge}
	if m.sessionID != "" {
		parts = append(parts, m.theme.muted.Render("session "+shortID(m.sessionID)))
	}
	if m.usage.TotalTokens > 0 {
		parts = append(parts, m.theme.muted.Render(fmt.Sprintf("tokens %d", m.usage.TotalTokens)))
	}
	return " " + strings.Join(parts, "  ")
}

func (m chatModel) renderFooter() string {
	var left string
	switch {
	case m.finished:
		left = m.theme.statusGood.Render(m.statusLine)
	case m.pending != nil:
		left = m.theme.statusGood.Render("your turn") + m.theme.muted.Render(" · enter to send")
	default:
		elapsed := time.Since(m.busySince).Truncate(time.Second)
		left = m.spin.View() + m.theme.muted.Render(fmt.Sprintf("%s · %s", m.statusLine, elapsed))
	}
	hints := m.theme.muted.Render("ctrl+a artifact · ctrl+c quit")
	line := " " + left + "  " + hints
	if m.lastFault != "" {
		line += "\n " + m.theme.errorText.Render("fault: "+m.lastFault)
	}
	return line
}

// shortID trims an engine chat id down to something a header can carry.
func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
