// Package prompt resolves archive conflicts by asking the operator.
package prompt

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
	lipgloss "github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/dhcgn/eml-to-mbox/archive"
)

const question = "[A]ppend  [O]verwrite  [S]kip (default)"

// Console asks on out and reads one answer line per conflict from in.
func Console(in io.Reader, out io.Writer) archive.Policy {
	var (
		mu sync.Mutex
		br = bufio.NewReader(in)
	)
	return func(path string) (archive.Mode, error) {
		mu.Lock()
		defer mu.Unlock()

		fmt.Fprintf(out, "Archive %s already exists. %s: ", path, question)
		answer, err := br.ReadString('\n')
		fmt.Fprintln(out)
		if err != nil && !errors.Is(err, io.EOF) {
			return archive.ModeSkip, fmt.Errorf("read answer: %w", err)
		}
		return archive.ParseMode(answer), nil
	}
}

// TUI shows a small Bubble Tea dialog for every conflict.
func TUI() archive.Policy {
	return func(path string) (archive.Mode, error) {
		m := newChoiceModel(path)
		if _, err := tea.NewProgram(m).Run(); err != nil {
			return archive.ModeSkip, fmt.Errorf("conflict dialog: %w", err)
		}
		return m.mode(), nil
	}
}

// Interactive picks the dialog when stdin is a terminal and falls back to
// plain line input otherwise, so answers can be piped in.
func Interactive() archive.Policy {
	if term.IsTerminal(int(os.Stdin.Fd())) && term.IsTerminal(int(os.Stdout.Fd())) {
		return TUI()
	}
	return Console(os.Stdin, os.Stdout)
}

// FromName maps an --on-conflict value to a policy.
func FromName(name string) (archive.Policy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "ask":
		return Interactive(), nil
	case "append":
		return archive.Fixed(archive.ModeAppend), nil
	case "overwrite":
		return archive.Fixed(archive.ModeOverwrite), nil
	case "skip":
		return archive.Fixed(archive.ModeSkip), nil
	}
	return nil, fmt.Errorf("unknown conflict policy %q", name)
}

type choiceModel struct {
	path   string
	choice *archive.Mode
}

func newChoiceModel(path string) *choiceModel {
	return &choiceModel{path: path}
}

func (m *choiceModel) Init() tea.Cmd { return nil }

func (m *choiceModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	mode := archive.ModeSkip
	switch key.String() {
	case "a", "A":
		mode = archive.ModeAppend
	case "o", "O":
		mode = archive.ModeOverwrite
	}
	m.choice = &mode
	return m, tea.Quit
}

func (m *choiceModel) View() string {
	if m.choice != nil {
		return ""
	}
	title := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63")).Render("Archive already exists")
	box := lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1).Render(m.path)
	hint := lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Render(question)
	return fmt.Sprintf("%s\n%s\n%s\n", title, box, hint)
}

func (m *choiceModel) mode() archive.Mode {
	if m.choice == nil {
		return archive.ModeSkip
	}
	return *m.choice
}
