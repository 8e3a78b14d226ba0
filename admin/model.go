package admin

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/deemkeen/courier/activitypub"
	"github.com/deemkeen/courier/domain"
	"github.com/deemkeen/courier/util"
)

// jobRows is how many queued jobs the console lists.
const jobRows = 50

// Store is what the console reads. It never writes.
type Store interface {
	CountRemoteActors() (int, error)
	CountRemoteProfiles() (int, error)
	CountPendingFollows() (int, error)
	CountJobs(transport string) (int, error)
	ReadNextJobs(limit int) ([]domain.Job, error)
	ReadLocalProfiles() ([]domain.Profile, error)
}

type Stats struct {
	LocalProfiles    int
	RemoteProfiles   int
	RemoteActors     int
	PendingFollows   int
	Deliveries       int
	FailedDeliveries int
}

type loadedMsg struct {
	stats Stats
	jobs  []domain.Job
	at    time.Time
	err   error
}

type Model struct {
	store    Store
	table    table.Model
	stats    Stats
	loadedAt time.Time
	err      error
	width    int
	height   int
}

func NewModel(store Store, width, height int) Model {
	width = DefaultWindowWidth(width)
	height = DefaultWindowHeight(height)

	t := table.New(
		table.WithColumns(columns(width)),
		table.WithFocused(true),
		table.WithHeight(tableHeight(height)),
	)
	t.SetStyles(tableStyles())
	return Model{store: store, table: t, width: width, height: height}
}

func columns(width int) []table.Column {
	errWidth := width - 20 - 9 - 20 - 10
	if errWidth < 20 {
		errWidth = 20
	}
	return []table.Column{
		{Title: "transport", Width: 20},
		{Title: "tries", Width: 5},
		{Title: "next retry", Width: 20},
		{Title: "last error", Width: errWidth},
	}
}

func tableHeight(height int) int {
	if h := height - 12; h > 3 {
		return h
	}
	return 3
}

func (m Model) Init() tea.Cmd {
	return load(m.store)
}

func load(store Store) tea.Cmd {
	return func() tea.Msg {
		msg := loadedMsg{at: time.Now()}
		var err error
		count := func(dst *int, f func() (int, error)) {
			if err != nil {
				return
			}
			*dst, err = f()
		}
		count(&msg.stats.RemoteActors, store.CountRemoteActors)
		count(&msg.stats.RemoteProfiles, store.CountRemoteProfiles)
		count(&msg.stats.PendingFollows, store.CountPendingFollows)
		count(&msg.stats.Deliveries, func() (int, error) { return store.CountJobs(activitypub.TransportDelivery) })
		count(&msg.stats.FailedDeliveries, func() (int, error) { return store.CountJobs(activitypub.TransportFailed) })
		if err == nil {
			var locals []domain.Profile
			locals, err = store.ReadLocalProfiles()
			msg.stats.LocalProfiles = len(locals)
		}
		if err == nil {
			msg.jobs, err = store.ReadNextJobs(jobRows)
		}
		if err != nil {
			adminLog.Error("loading console data", "err", err)
			msg.err = err
		}
		return msg
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = DefaultWindowWidth(msg.Width)
		m.height = DefaultWindowHeight(msg.Height)
		m.table.SetColumns(columns(m.width))
		m.table.SetHeight(tableHeight(m.height))
		return m, nil

	case loadedMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		m.stats = msg.stats
		m.loadedAt = msg.at
		rows := make([]table.Row, 0, len(msg.jobs))
		for _, j := range msg.jobs {
			rows = append(rows, table.Row{
				j.Transport,
				fmt.Sprint(j.Attempts),
				j.NextRetryAt.Local().Format(util.DateTimeFormat()),
				j.LastError,
			})
		}
		m.table.SetRows(rows)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, load(m.store)
		}
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m Model) View() string {
	var s strings.Builder

	s.WriteString(CaptionStyle.Render(util.GetNameAndVersion() + " admin"))
	s.WriteString("\n")

	stat := func(label string, n int) string {
		return statStyle.Render(label + " " + statValueStyle.Render(fmt.Sprint(n)))
	}
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		stat("local profiles", m.stats.LocalProfiles),
		stat("remote profiles", m.stats.RemoteProfiles),
		stat("remote actors", m.stats.RemoteActors),
		stat("pending follows", m.stats.PendingFollows),
		stat("deliveries", m.stats.Deliveries),
		stat("failed", m.stats.FailedDeliveries),
	))
	s.WriteString("\n\n")

	if len(m.table.Rows()) == 0 {
		s.WriteString(emptyStyle.Render("The delivery queue is empty."))
	} else {
		s.WriteString(m.table.View())
	}
	s.WriteString("\n\n")

	if m.err != nil {
		s.WriteString(errorStyle.Render("Error: " + m.err.Error()))
		s.WriteString("\n")
	}

	help := "r: refresh  q: quit  ↑/↓: navigate"
	if !m.loadedAt.IsZero() {
		help += "  (updated " + m.loadedAt.Local().Format(util.DateTimeFormat()) + ")"
	}
	s.WriteString(HelpStyle.Render(help))
	return s.String()
}
