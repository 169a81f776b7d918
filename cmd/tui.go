package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/blacktop/go-termimg"
	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"

	"github.com/blacktop/sdxly/internal/assemble"
	"github.com/blacktop/sdxly/internal/controller"
	"github.com/blacktop/sdxly/internal/session"
)

// generator is the part of the controller the TUI drives.
type generator interface {
	Submit(ctx context.Context, prompt string) error
	Cancel()
	Updates() <-chan controller.View
}

var (
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("204")).Bold(true)
	noticeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("86"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

type model struct {
	ctx       context.Context
	gen       generator
	config    *tuiConfig
	textInput textinput.Model
	spinner   spinner.Model
	progress  progress.Model
	viewport  viewport.Model
	view      controller.View
	selected  int // image shown in the preview panel
	example   int
	notice    string
	width     int
	height    int
}

func newModel(ctx context.Context, gen generator, c *tuiConfig) model {
	ti := textinput.New()
	ti.Placeholder = "Enter prompt"
	ti.SetValue(c.Prompt)
	ti.Focus()

	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	return model{
		ctx:       ctx,
		gen:       gen,
		config:    c,
		textInput: ti,
		spinner:   s,
		progress:  progress.New(progress.WithDefaultGradient(), progress.WithoutPercentage()),
		viewport:  viewport.New(0, 0),
		example:   -1,
	}
}

func (m model) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink, m.spinner.Tick, waitForView(m.gen.Updates())}
	if m.config.Prompt != "" {
		cmds = append(cmds, submit(m.ctx, m.gen, m.config.Prompt))
	}
	return tea.Batch(cmds...)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmd tea.Cmd
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.textInput.Width = int(float64(m.width)*0.4) - 4
		m.progress.Width = int(float64(m.width)*0.4) - 4
		m.viewport.Width = m.width - int(float64(m.width)*0.4)
		m.viewport.Height = m.height
		m.renderPreview()
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.gen.Cancel()
			return m, tea.Quit
		case "esc":
			if m.view.Busy {
				log.Debug("Cancelling generation")
				return m, cancel(m.gen)
			}
			return m, nil
		case "enter":
			m.notice = ""
			return m, submit(m.ctx, m.gen, m.textInput.Value())
		case "tab":
			if !m.view.Busy {
				m.example = (m.example + 1) % len(examplePrompts)
				m.textInput.SetValue(examplePrompts[m.example])
				m.textInput.CursorEnd()
			}
			return m, nil
		case "ctrl+left":
			if m.selected > 0 {
				m.selected--
				m.renderPreview()
			}
			return m, nil
		case "ctrl+right":
			if m.selected < len(m.view.Images)-1 {
				m.selected++
				m.renderPreview()
			}
			return m, nil
		case "ctrl+s":
			if len(m.view.Images) == 0 {
				m.notice = "Nothing to save yet"
				return m, nil
			}
			return m, save(m.view.Images, m.view.Prompt, m.config.OutputFolder)
		}
	case viewMsg:
		imagesChanged := !sameImages(m.view.Images, msg.Images)
		m.view = controller.View(msg)
		if imagesChanged {
			if m.selected >= len(m.view.Images) {
				m.selected = 0
			}
			m.renderPreview()
		}
		if m.view.Phase == session.Completed {
			m.notice = fmt.Sprintf("Done in %s", m.view.Elapsed.Round(10*time.Millisecond))
		}
		return m, waitForView(m.gen.Updates())
	case submittedMsg:
		switch {
		case errors.Is(msg.err, controller.ErrBusy):
			m.notice = "Still generating, press esc to cancel"
		case msg.err != nil:
			m.notice = msg.err.Error()
		}
		return m, nil
	case savedMsg:
		if msg.err != nil {
			m.notice = msg.err.Error()
		} else {
			m.notice = fmt.Sprintf("Saved %d image(s) to %s", len(msg.paths), filepath.Dir(msg.paths[0]))
		}
		return m, nil
	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m model) View() string {
	if m.width == 0 {
		return "Initializing..."
	}

	leftWidth := int(float64(m.width) * 0.4)
	rightWidth := m.width - leftWidth

	return lipgloss.JoinHorizontal(lipgloss.Top, m.leftPanelView(leftWidth), m.rightPanelView(rightWidth))
}

func (m model) leftPanelView(width int) string {
	style := lipgloss.NewStyle().
		Width(width).
		Height(m.height).
		BorderStyle(lipgloss.NormalBorder()).
		BorderRight(true)

	var b strings.Builder
	fmt.Fprintf(&b, "Enter prompt:\n\n%s\n\n", m.textInput.View())

	v := m.view
	switch {
	case v.Busy:
		fmt.Fprintf(&b, "%s %s", m.spinner.View(), v.Phase)
		if v.Phase == session.Streaming {
			fmt.Fprintf(&b, " step %d/%d", v.Step+1, v.Steps)
		}
		b.WriteString("\n")
		b.WriteString(m.progress.ViewAs(v.Progress / 100))
		b.WriteString("\n")
	case v.Phase == session.Failed:
		b.WriteString(errorStyle.Render(fmt.Sprintf("%s: %s", v.ErrorKind, v.ErrorMessage)))
		b.WriteString("\n")
	}
	if v.Status != "" {
		b.WriteString(dimStyle.Render("status: " + v.Status))
		b.WriteString("\n")
	}
	if v.Prompt != "" {
		b.WriteString(dimStyle.Render(fmt.Sprintf("seed: %d", v.Seed)))
		b.WriteString("\n")
	}
	if len(v.Images) > 0 {
		fmt.Fprintf(&b, "\nimage %d of %d\n", m.selected+1, len(v.Images))
	}
	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render("enter generate • esc cancel • tab example • ctrl+←/→ browse • ctrl+s save • ctrl+c quit"))

	return style.Render(b.String())
}

func (m model) rightPanelView(width int) string {
	style := lipgloss.NewStyle().
		Width(width).
		Height(m.height)

	if len(m.view.Images) > 0 {
		centeredContent := lipgloss.Place(width, m.height,
			lipgloss.Center, lipgloss.Center,
			m.viewport.View())
		return style.Render(centeredContent)
	}

	placeholderStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("240")).
		Align(lipgloss.Center, lipgloss.Center).
		Width(width).
		Height(m.height)

	return placeholderStyle.Render("Images will be displayed here")
}

func (m *model) renderPreview() {
	if len(m.view.Images) == 0 || m.viewport.Width <= 0 {
		m.viewport.SetContent("")
		return
	}
	rendered, err := renderImage(m.view.Images[m.selected], m.viewport.Width, m.viewport.Height)
	if err != nil {
		log.Debug("Error rendering image", "err", err)
		rendered = dimStyle.Render("(preview unavailable)")
	}
	m.viewport.SetContent(rendered)
}

func renderImage(img assemble.Image, width, height int) (string, error) {
	decoded, _, err := image.Decode(bytes.NewReader(img.Data))
	if err != nil {
		return "", fmt.Errorf("error decoding image: %w", err)
	}
	return termimg.New(decoded).Width(width).Height(height).Render()
}

func sameImages(a, b []assemble.Image) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].URI != b[i].URI {
			return false
		}
	}
	return true
}

func waitForView(updates <-chan controller.View) tea.Cmd {
	return func() tea.Msg {
		return viewMsg(<-updates)
	}
}

func submit(ctx context.Context, gen generator, prompt string) tea.Cmd {
	return func() tea.Msg {
		return submittedMsg{err: gen.Submit(ctx, prompt)}
	}
}

func cancel(gen generator) tea.Cmd {
	return func() tea.Msg {
		gen.Cancel()
		return nil
	}
}

func save(images []assemble.Image, prompt, folder string) tea.Cmd {
	return func() tea.Msg {
		paths, err := saveImages(images, prompt, folder)
		return savedMsg{paths: paths, err: err}
	}
}

var extensions = map[string]string{
	"image/jpeg": "jpg",
	"image/png":  "png",
	"image/webp": "webp",
}

func saveImages(images []assemble.Image, prompt, folder string) ([]string, error) {
	// Sanitize the prompt for use in a filename
	sanitizedPrompt := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsNumber(r) || r == '-' || r == '_' {
			return r
		}
		return '_'
	}, prompt)

	// Truncate the sanitized prompt if it's too long
	if len(sanitizedPrompt) > 50 {
		sanitizedPrompt = sanitizedPrompt[:50]
	}

	if folder != "" {
		if err := os.MkdirAll(folder, 0755); err != nil {
			return nil, fmt.Errorf("error creating output folder: %w", err)
		}
	}

	now := time.Now().Unix()
	paths := make([]string, 0, len(images))
	for i, img := range images {
		ext, ok := extensions[img.MIMEType]
		if !ok {
			ext = "bin"
		}
		filename := filepath.Join(folder, fmt.Sprintf("%s_%d_%d.%s", sanitizedPrompt, now, i, ext))
		if err := os.WriteFile(filename, img.Data, 0644); err != nil {
			return paths, fmt.Errorf("error saving image: %w", err)
		}
		log.Debug("Image saved", "path", filename)
		paths = append(paths, filename)
	}
	return paths, nil
}
