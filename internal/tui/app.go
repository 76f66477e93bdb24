// Package tui provides the terminal dashboard for a running pipeline.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	bar "github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ronak4/Ronak-Raisingani-RAG/internal/controlplane"
	"github.com/ronak4/Ronak-Raisingani-RAG/internal/models"
)

// DefaultRefresh is the default poll interval.
const DefaultRefresh = 2 * time.Second

const requestTimeout = 10 * time.Second

var (
	primaryColor = lipgloss.Color("#7C3AED")
	successColor = lipgloss.Color("#10B981")
	warningColor = lipgloss.Color("#F59E0B")
	errorColor   = lipgloss.Color("#EF4444")
	mutedColor   = lipgloss.Color("#6B7280")
	fgColor      = lipgloss.Color("#F9FAFB")

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(0, 1)

	mutedStyle   = lipgloss.NewStyle().Foreground(mutedColor)
	onlineStyle  = lipgloss.NewStyle().Foreground(successColor).Bold(true)
	offlineStyle = lipgloss.NewStyle().Foreground(errorColor)
	headingStyle = lipgloss.NewStyle().Bold(true)
)

const (
	modeItems   = "items"
	modeWorkers = "workers"
	modeDetail  = "detail"
)

// App is the dashboard model.
type App struct {
	src      Source
	interval time.Duration

	snap    Snapshot
	err     error
	mode    string
	loading bool
	message string
	width   int
	height  int

	items   table.Model
	workers table.Model
	detail  viewport.Model
	current *controlplane.ItemDetail
	spinner spinner.Model
	bar     bar.Model
}

// New creates a dashboard polling src every interval.
func New(src Source, interval time.Duration) *App {
	if interval <= 0 {
		interval = DefaultRefresh
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(primaryColor)

	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(mutedColor).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(fgColor).
		Background(primaryColor)

	items := table.New(
		table.WithColumns([]table.Column{
			{Title: "Bill", Width: 14},
			{Title: "Status", Width: 12},
			{Title: "Answers", Width: 8},
			{Title: "Article", Width: 8},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	items.SetStyles(styles)

	workers := table.New(
		table.WithColumns([]table.Column{
			{Title: "Worker", Width: 24},
			{Title: "Kind", Width: 11},
			{Title: "Status", Width: 8},
			{Title: "Done", Width: 6},
			{Title: "Errors", Width: 6},
			{Title: "Heartbeat", Width: 10},
		}),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	workers.SetStyles(styles)

	return &App{
		src:      src,
		interval: interval,
		mode:     modeItems,
		loading:  true,
		items:    items,
		workers:  workers,
		detail:   viewport.New(80, 20),
		spinner:  sp,
		bar:      bar.New(bar.WithDefaultGradient(), bar.WithWidth(40)),
	}
}

// Run starts the dashboard.
func (a *App) Run() error {
	p := tea.NewProgram(a, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// Init implements tea.Model
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.spinner.Tick, a.fetch())
}

func (a *App) fetch() tea.Cmd {
	src := a.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		snap, err := Fetch(ctx, src)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (a *App) fetchDetail(id string) tea.Cmd {
	src := a.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		item, err := src.Item(ctx, id)
		return detailMsg{item: item, err: err}
	}
}

func (a *App) reseed(id string, aggregate bool) tea.Cmd {
	src := a.src
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		resp, err := src.Reseed(ctx, id, aggregate)
		return reseedMsg{resp: resp, err: err}
	}
}

func (a *App) tick() tea.Cmd {
	return tea.Tick(a.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (a *App) selectedItem() string {
	row := a.items.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

// Update implements tea.Model
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "esc":
			if a.mode != modeItems {
				a.mode = modeItems
				a.current = nil
			}
			return a, nil
		case "tab", "w":
			if a.mode == modeWorkers {
				a.mode = modeItems
			} else {
				a.mode = modeWorkers
			}
			return a, nil
		case "r":
			a.loading = true
			return a, a.fetch()
		case "enter":
			if a.mode == modeItems {
				if id := a.selectedItem(); id != "" {
					a.mode = modeDetail
					return a, a.fetchDetail(id)
				}
			}
			return a, nil
		case "s", "g":
			id := a.selectedItem()
			if a.mode == modeDetail && a.current != nil {
				id = a.current.ItemID
			}
			if id != "" && a.mode != modeWorkers {
				return a, a.reseed(id, msg.String() == "g")
			}
			return a, nil
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		h := msg.Height - 12
		if h < 5 {
			h = 5
		}
		a.items.SetHeight(h)
		a.workers.SetHeight(h)
		a.detail.Width = msg.Width - 4
		a.detail.Height = h
		a.bar.Width = min(60, max(10, msg.Width-30))
		return a, nil

	case snapshotMsg:
		a.loading = false
		a.err = msg.err
		a.snap = msg.snap
		a.items.SetRows(itemRows(msg.snap))
		a.workers.SetRows(workerRows(msg.snap))
		return a, a.tick()

	case tickMsg:
		return a, a.fetch()

	case detailMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			a.mode = modeItems
			return a, nil
		}
		a.current = msg.item
		a.detail.SetContent(renderDetail(msg.item))
		a.detail.GotoTop()
		return a, nil

	case reseedMsg:
		if msg.err != nil {
			a.message = "Error: " + msg.err.Error()
			return a, nil
		}
		what := "sub-tasks"
		if msg.resp.Aggregate {
			what = "aggregation"
		}
		a.message = fmt.Sprintf("Reseeded %s: %d %s message(s)", msg.resp.ItemID, msg.resp.Published, what)
		return a, a.fetch()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd
	}

	var cmd tea.Cmd
	switch a.mode {
	case modeItems:
		a.items, cmd = a.items.Update(msg)
	case modeWorkers:
		a.workers, cmd = a.workers.Update(msg)
	case modeDetail:
		a.detail, cmd = a.detail.Update(msg)
	}
	return a, cmd
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	status := onlineStyle.Render("● API")
	if !a.snap.Online {
		status = offlineStyle.Render("○ API")
	}
	header := titleStyle.Render("Bill News Pipeline") + "  " + status
	if a.loading {
		header += "  " + a.spinner.View()
	}
	b.WriteString(header + "\n")

	done := 0
	for _, it := range a.snap.Items {
		if it.Status == models.ItemStatusCompleted {
			done++
		}
	}
	b.WriteString(fmt.Sprintf(" %s  %d/%d bills\n", a.bar.ViewAs(a.snap.Completion()), done, len(a.snap.Items)))
	b.WriteString(mutedStyle.Render(" "+queueLine(a.snap)) + "\n\n")

	switch a.mode {
	case modeItems:
		b.WriteString(panelStyle.Render(a.items.View()))
	case modeWorkers:
		b.WriteString(panelStyle.Render(a.workers.View()))
	case modeDetail:
		if a.current == nil {
			b.WriteString("\n  Loading...\n")
		} else {
			b.WriteString(panelStyle.Render(a.detail.View()))
		}
	}
	b.WriteString("\n")

	switch {
	case a.err != nil:
		b.WriteString(offlineStyle.Render("Error: "+a.err.Error()) + "\n")
	case a.message != "":
		style := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			style = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString(style.Render(a.message) + "\n")
	case a.snap.Progress != nil:
		b.WriteString(mutedStyle.Render(a.snap.Progress.String()) + "\n")
	default:
		b.WriteString("\n")
	}

	var help string
	switch a.mode {
	case modeItems:
		help = " ↑↓:nav | Enter:detail | s:reseed | g:aggregate | w:workers | r:refresh | q:quit"
	case modeWorkers:
		help = fmt.Sprintf(" Workers: %d | ↑↓:nav | w:items | r:refresh | q:quit", len(a.snap.Workers))
	default:
		help = " ↑↓:scroll | s:reseed | g:aggregate | Esc:back | q:quit"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(help))
	return b.String()
}

func itemRows(snap Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Items))
	for _, it := range snap.Items {
		status := string(it.Status)
		if status == "" {
			status = "-"
		}
		rows = append(rows, table.Row{
			it.ItemID,
			status,
			fmt.Sprintf("%d/%d", it.Stored, models.SubTaskCount),
			yesNo(it.Artifact),
		})
	}
	return rows
}

func workerRows(snap Snapshot) []table.Row {
	rows := make([]table.Row, 0, len(snap.Workers))
	for _, ws := range snap.Workers {
		rows = append(rows, table.Row{
			ws.WorkerID,
			ws.Kind,
			ws.Status,
			fmt.Sprintf("%d", ws.TasksProcessed),
			fmt.Sprintf("%d", ws.ErrorsCount),
			since(snap.FetchedAt, ws.LastHeartbeat),
		})
	}
	return rows
}

func queueLine(snap Snapshot) string {
	if snap.Stats == nil {
		return "queues: -"
	}
	parts := make([]string, 0, len(models.AllChannels()))
	for _, ch := range models.AllChannels() {
		d := snap.Stats.Queues[ch]
		parts = append(parts, fmt.Sprintf("%s %d+%d", ch, d.Visible, d.InFlight))
	}
	return strings.Join(parts, " · ")
}

func renderDetail(d *controlplane.ItemDetail) string {
	var b strings.Builder
	b.WriteString(headingStyle.Render(d.ItemID) + "\n")
	if d.Status != nil {
		b.WriteString(fmt.Sprintf("Status: %s (%s)\n", d.Status.Status, d.Status.Timestamp.Format(time.RFC3339)))
	}

	b.WriteString("\n" + headingStyle.Render(fmt.Sprintf("Answers %d/%d", len(d.Results), models.SubTaskCount)) + "\n")
	for _, r := range d.Results {
		text := strings.Join(strings.Fields(r.ResultText), " ")
		if len(text) > 100 {
			text = text[:100] + "..."
		}
		b.WriteString(fmt.Sprintf("  Q%d [%.2f] %s\n", r.SubTaskID, r.Confidence, text))
	}

	if v := d.Validation; v != nil {
		b.WriteString("\n" + headingStyle.Render("References") + "\n")
		b.WriteString(fmt.Sprintf("  %d valid, %d invalid\n", v.ValidCount, v.InvalidCount))
		for _, c := range v.Results {
			mark := lipgloss.NewStyle().Foreground(successColor).Render("✓")
			if !c.IsValid {
				mark = lipgloss.NewStyle().Foreground(warningColor).Render("✗")
			}
			b.WriteString(fmt.Sprintf("  %s %s\n", mark, c.Reference))
		}
	}

	if a := d.Artifact; a != nil {
		b.WriteString("\n" + headingStyle.Render("Article") + "\n")
		b.WriteString(fmt.Sprintf("  %s\n  %d words, %d links\n", a.Title, a.WordCount, a.LinkCount))
	}

	if len(d.History) > 0 {
		b.WriteString("\n" + headingStyle.Render("History") + "\n")
		for _, e := range d.History {
			b.WriteString(fmt.Sprintf("  %s  %-22s %s\n", e.Timestamp.Format("15:04:05"), e.Action, e.Outcome))
		}
	}
	return b.String()
}
