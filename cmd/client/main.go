// linechat TUI client.
//
// Screens
// -------
//   stateName – the server's prompt with a single name field
//   stateChat – full-screen room view with a scrollable viewport
//
// Concurrency
// -----------
//   A single goroutine reads lines from the connection through the stream
//   codec and forwards them to the lines channel.  The Bubbletea event loop
//   consumes one line at a time via waitForLine (a tea.Cmd), queuing the
//   next read after each line is processed.
//
//   The server never echoes a participant's own lines, so messages typed
//   here are appended to the view locally once written.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"linechat/internal/codec"
	"linechat/internal/protocol"
)

// ---------------------------------------------------------------------------
// Styles
// ---------------------------------------------------------------------------

var (
	purple = lipgloss.Color("99")
	cyan   = lipgloss.Color("86")
	red    = lipgloss.Color("196")
	yellow = lipgloss.Color("220")
	gray   = lipgloss.Color("241")
	white  = lipgloss.Color("255")
	orange = lipgloss.Color("214")
	blue   = lipgloss.Color("75")

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Background(purple).
			Foreground(white).
			Padding(0, 1)

	footerBorderStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), true, false, false, false).
				BorderForeground(gray).
				Padding(0, 1)

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(purple).
			Padding(0, 2)

	promptStyle = lipgloss.NewStyle().Foreground(cyan)
	hintStyle   = lipgloss.NewStyle().Foreground(gray).Italic(true)
	errorStyle  = lipgloss.NewStyle().Foreground(red)
	sysStyle    = lipgloss.NewStyle().Foreground(yellow).Italic(true)
	tsStyle     = lipgloss.NewStyle().Foreground(gray)
	myNameStyle = lipgloss.NewStyle().Bold(true).Foreground(orange)
	peerStyle   = lipgloss.NewStyle().Bold(true).Foreground(blue)
)

// ---------------------------------------------------------------------------
// Bubbletea message types
// ---------------------------------------------------------------------------

type serverLineMsg string     // one line arrived from the server
type disconnectedMsg struct{} // server closed the connection

// ---------------------------------------------------------------------------
// Application state
// ---------------------------------------------------------------------------

type appState int

const (
	stateName appState = iota
	stateChat
)

// ---------------------------------------------------------------------------
// Model
// ---------------------------------------------------------------------------

type model struct {
	conn  codec.LineConn
	lines chan string // goroutine → bubbletea bridge
	addr  string

	state  appState
	me     string
	prompt string

	nameInput textinput.Model
	statusMsg string

	ready       bool
	viewport    viewport.Model
	chatInput   textinput.Model
	chatLines   []string
	othersCount int // peers seen joining minus leaving since we joined

	width, height int
}

func newModel(conn codec.LineConn, lines chan string, addr string) model {
	ni := textinput.New()
	ni.Placeholder = "your name"
	ni.Focus()
	ni.CharLimit = 64
	ni.Width = 32

	ci := textinput.New()
	ci.Placeholder = "Type a message…"
	ci.CharLimit = 500

	return model{
		conn:      conn,
		lines:     lines,
		addr:      addr,
		state:     stateName,
		nameInput: ni,
		chatInput: ci,
	}
}

// ---------------------------------------------------------------------------
// Tea interface – Init / Update
// ---------------------------------------------------------------------------

func (m model) Init() tea.Cmd {
	return tea.Batch(textinput.Blink, waitForLine(m.lines))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if !m.ready {
			m.viewport = viewport.New(msg.Width, m.vpHeight())
			m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = m.vpHeight()
		}
		m.chatInput.Width = msg.Width - 4
		return m, nil

	case serverLineMsg:
		m = m.handleServerLine(string(msg))
		return m, waitForLine(m.lines)

	case disconnectedMsg:
		m.statusMsg = "disconnected from server"
		return m, tea.Quit

	case tea.KeyMsg:
		switch m.state {
		case stateName:
			return m.handleNameKey(msg)
		case stateChat:
			return m.handleChatKey(msg)
		}
	}
	return m, nil
}

// vpHeight returns the number of lines available for the chat viewport.
func (m model) vpHeight() int {
	// header (1) + footer border (1) + footer input (1)
	h := m.height - 3
	if h < 1 {
		h = 1
	}
	return h
}

// ---------------------------------------------------------------------------
// Key handlers
// ---------------------------------------------------------------------------

func (m model) handleNameKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return m, tea.Quit

	case tea.KeyEnter:
		name := strings.TrimSpace(m.nameInput.Value())
		if name == "" {
			m.statusMsg = "a name is required"
			return m, nil
		}
		if err := m.conn.WriteLine(name); err != nil {
			m.statusMsg = err.Error()
			return m, nil
		}
		m.me = name
		m.state = stateChat
		m.statusMsg = ""
		m.nameInput.Blur()
		m.chatInput.Focus()
		m.appendChat(sysStyle.Render("⚡ joined as " + name))
		return m, textinput.Blink
	}

	var cmd tea.Cmd
	m.nameInput, cmd = m.nameInput.Update(msg)
	return m, cmd
}

func (m model) handleChatKey(msg tea.KeyMsg) (model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC, tea.KeyCtrlQ:
		return m, tea.Quit

	case tea.KeyEnter:
		text := m.chatInput.Value()
		if strings.TrimSpace(text) == "" {
			return m, nil
		}
		if err := m.conn.WriteLine(text); err != nil {
			m.appendChat(errorStyle.Render("⚠ " + err.Error()))
			return m, nil
		}
		m.appendChat(stamp() + " " + myNameStyle.Render(m.me) + ": " + text)
		m.chatInput.Reset()
		return m, nil

	case tea.KeyPgUp:
		m.viewport.HalfViewUp()
		return m, nil

	case tea.KeyPgDown:
		m.viewport.HalfViewDown()
		return m, nil
	}

	var cmd tea.Cmd
	m.chatInput, cmd = m.chatInput.Update(msg)
	return m, cmd
}

// ---------------------------------------------------------------------------
// Server line handler
// ---------------------------------------------------------------------------

func (m model) handleServerLine(line string) model {
	if m.state == stateName && m.prompt == "" {
		m.prompt = line
		return m
	}

	kind, name, text, ok := protocol.ParseLine(line)
	if !ok {
		m.appendChat(hintStyle.Render(line))
		return m
	}
	switch kind {
	case protocol.KindJoined:
		m.othersCount++
		m.appendChat(sysStyle.Render("⚡ " + name + " joined"))
	case protocol.KindLeft:
		if m.othersCount > 0 {
			m.othersCount--
		}
		m.appendChat(sysStyle.Render("⚡ " + name + " left"))
	case protocol.KindSaid:
		m.appendChat(stamp() + " " + peerStyle.Render(name) + ": " + text)
	}
	return m
}

// appendChat adds a rendered line and scrolls the viewport to the bottom.
func (m *model) appendChat(line string) {
	m.chatLines = append(m.chatLines, line)
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.chatLines, "\n"))
	m.viewport.GotoBottom()
}

// ---------------------------------------------------------------------------
// Tea interface – View
// ---------------------------------------------------------------------------

func (m model) View() string {
	switch m.state {
	case stateName:
		return m.viewName()
	case stateChat:
		return m.viewChat()
	}
	return ""
}

func (m model) viewName() string {
	if m.width == 0 || m.prompt == "" {
		return "\n  Connecting to " + m.addr + "…"
	}

	form := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("  linechat  "),
		"",
		promptStyle.Render(m.prompt),
		m.nameInput.View(),
		"",
		hintStyle.Render("Enter: join   Ctrl+C: quit"),
		"",
		errorStyle.Render(m.statusMsg),
	)
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, form)
}

func (m model) viewChat() string {
	if !m.ready {
		return "\n  Connecting…"
	}

	hdr := headerStyle.
		Width(m.width).
		Render(fmt.Sprintf(" linechat  ·  %s  ·  %s  ·  +%d seen  ·  PgUp/Dn: Scroll  Ctrl+C: Quit",
			m.addr, m.me, m.othersCount))

	footer := footerBorderStyle.
		Width(m.width - 2).
		Render(m.chatInput.View())

	return lipgloss.JoinVertical(lipgloss.Left, hdr, m.viewport.View(), footer)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// waitForLine returns a tea.Cmd that blocks until the next line arrives on ch.
// When ch is closed (server disconnected), it returns disconnectedMsg.
func waitForLine(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		line, ok := <-ch
		if !ok {
			return disconnectedMsg{}
		}
		return serverLineMsg(line)
	}
}

func stamp() string {
	return tsStyle.Render("[" + time.Now().Format("15:04:05") + "]")
}

// ---------------------------------------------------------------------------
// Main
// ---------------------------------------------------------------------------

func main() {
	addr := flag.String("addr", "localhost:8080", "server address")
	flag.Parse()

	raw, err := net.Dial("tcp", *addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	conn := codec.NewStream(raw, codec.Options{})
	defer conn.Close()

	lines := make(chan string, 64)

	// Reader goroutine: connection → lines channel.
	go func() {
		defer close(lines)
		for {
			line, err := conn.ReadLine()
			if err != nil {
				return
			}
			lines <- line
		}
	}()

	p := tea.NewProgram(
		newModel(conn, lines, *addr),
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
	)
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
