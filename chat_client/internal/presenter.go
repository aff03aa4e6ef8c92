package internal

import (
	"fmt"
	"io"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"chatrelay/tools"
)

// Presenter shows what the client receives. The client core never formats output itself.
type Presenter interface {
	// ShowLine shows a line relayed by the server.
	ShowLine(line string)
	// ShowNotice shows a message generated locally by the client.
	ShowNotice(text string)
}

// ConsolePresenter prints lines as they are.
type ConsolePresenter struct {
	mu  sync.Mutex
	out io.Writer
}

// NewConsolePresenter creates a presenter writing to out.
func NewConsolePresenter(out io.Writer) *ConsolePresenter {
	return &ConsolePresenter{out: out}
}

func (p *ConsolePresenter) ShowLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, line)
}

func (p *ConsolePresenter) ShowNotice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, text)
}

var (
	senderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#8BC34A"))
	ownStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4FC3F7"))
	noticeStyle = lipgloss.NewStyle().Italic(true).Foreground(lipgloss.Color("#9E9E9E"))
)

// StyledPresenter highlights sender names and dims local notices.
type StyledPresenter struct {
	mu   sync.Mutex
	out  io.Writer
	self string
}

// NewStyledPresenter creates a styled presenter writing to out.
// Lines sent under self get their own color.
func NewStyledPresenter(out io.Writer, self string) *StyledPresenter {
	return &StyledPresenter{out: out, self: self}
}

// SetSelf changes the name treated as the local user.
func (p *StyledPresenter) SetSelf(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.self = name
}

func (p *StyledPresenter) ShowLine(line string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	name, payload, ok := tools.SplitMessage(line)
	if !ok {
		fmt.Fprintln(p.out, line)
		return
	}
	style := senderStyle
	if name == p.self {
		style = ownStyle
	}
	fmt.Fprintln(p.out, style.Render(name)+tools.Separator+payload)
}

func (p *StyledPresenter) ShowNotice(text string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.out, noticeStyle.Render(text))
}
