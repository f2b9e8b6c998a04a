package main

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/rickgao/marketsim/internal/control"
	"github.com/rickgao/marketsim/internal/engine"
	"github.com/rickgao/marketsim/internal/subscriber"
)

var (
	keyQuit  = key.NewBinding(key.WithKeys("q", "ctrl+c"))
	keyStart = key.NewBinding(key.WithKeys("s"))
	keyPause = key.NewBinding(key.WithKeys("p"))
	keyRun   = key.NewBinding(key.WithKeys("r"))
	keyPerf  = key.NewBinding(key.WithKeys("v"))

	// perfPrinter formats phase-timing sample counts and millisecond
	// totals with locale-aware digit grouping for the perf panel.
	perfPrinter = message.NewPrinter(language.English)
)

type pricePoint struct {
	Timepoint uint64 `json:"timepoint"`
	Price     string `json:"price"`
}

// model is the simtop dashboard's bubbletea model: it polls the
// control surface on a fixed interval and renders whatever it last
// saw, the same tea.Tick-driven refresh shape the pack's own TUI uses
// for its market snapshot.
type model struct {
	client   *control.Client
	interval time.Duration

	width  int
	height int
	ready  bool

	prices      []float64
	agents      []engine.AgentSummary
	subscribers []subscriber.SubscriberSummary
	perf        map[string][]float64
	showPerf    bool

	statusMsg string
	err       error
}

func newModel(client *control.Client, interval time.Duration) *model {
	return &model{client: client, interval: interval}
}

func (m *model) Init() tea.Cmd {
	return tea.Batch(m.refresh(), m.tick())
}

type refreshMsg struct {
	prices      []float64
	agents      []engine.AgentSummary
	subscribers []subscriber.SubscriberSummary
	perf        map[string][]float64
	err         error
}

type tickMsg struct{}

type actionResultMsg struct {
	action string
	err    error
}

func (m *model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg { return tickMsg{} })
}

func (m *model) refresh() tea.Cmd {
	client := m.client
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()

		priceEnv, err := client.GetPriceHistory(ctx, false)
		if err != nil {
			return refreshMsg{err: fmt.Errorf("get_price_history: %w", err)}
		}
		prices, err := decodePrices(priceEnv)
		if err != nil {
			return refreshMsg{err: err}
		}

		agentsEnv, err := client.ListAgents(ctx)
		if err != nil {
			return refreshMsg{err: fmt.Errorf("list_agents: %w", err)}
		}
		agents, err := decodeInto[[]engine.AgentSummary](agentsEnv)
		if err != nil {
			return refreshMsg{err: err}
		}

		subsEnv, err := client.ListSubscribers(ctx)
		if err != nil {
			return refreshMsg{err: fmt.Errorf("list_subscribers: %w", err)}
		}
		subs, err := decodeInto[[]subscriber.SubscriberSummary](subsEnv)
		if err != nil {
			return refreshMsg{err: err}
		}

		perfEnv, err := client.ShowPerf(ctx)
		if err != nil {
			return refreshMsg{err: fmt.Errorf("market/showperf: %w", err)}
		}
		perf, err := decodeInto[map[string][]float64](perfEnv)
		if err != nil {
			return refreshMsg{err: err}
		}

		return refreshMsg{prices: prices, agents: agents, subscribers: subs, perf: perf}
	}
}

func decodeInto[T any](env control.Envelope) (T, error) {
	var out T
	raw, err := json.Marshal(env.Data)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}

func decodePrices(env control.Envelope) ([]float64, error) {
	rows, err := decodeInto[[]pricePoint](env)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(rows))
	for _, r := range rows {
		v, err := strconv.ParseFloat(r.Price, 64)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out, nil
}

func (m *model) runAction(name string, fn func(ctx context.Context) (control.Envelope, error)) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 4*time.Second)
		defer cancel()
		env, err := fn(ctx)
		if err == nil && env.ErrorCode != control.NoError {
			err = fmt.Errorf("%s: %s", env.ErrorCode, env.Message)
		}
		return actionResultMsg{action: name, err: err}
	}
}

func (m *model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.ready = true

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keyQuit):
			return m, tea.Quit
		case key.Matches(msg, keyStart):
			return m, m.runAction("start", m.client.Start)
		case key.Matches(msg, keyPause):
			return m, m.runAction("pause", m.client.Pause)
		case key.Matches(msg, keyRun):
			return m, m.runAction("run", func(ctx context.Context) (control.Envelope, error) {
				return m.client.Run(ctx, nil)
			})
		case key.Matches(msg, keyPerf):
			m.showPerf = !m.showPerf
		}

	case tickMsg:
		return m, tea.Batch(m.refresh(), m.tick())

	case refreshMsg:
		if msg.err != nil {
			m.err = msg.err
		} else {
			m.err = nil
			m.prices = msg.prices
			m.agents = msg.agents
			m.subscribers = msg.subscribers
			m.perf = msg.perf
		}

	case actionResultMsg:
		if msg.err != nil {
			m.statusMsg = fmt.Sprintf("%s failed: %v", msg.action, msg.err)
		} else {
			m.statusMsg = fmt.Sprintf("%s ok", msg.action)
		}
	}
	return m, nil
}

func (m *model) View() string {
	if !m.ready {
		return "connecting..."
	}

	priceWidth := m.width - 4
	if priceWidth < 10 {
		priceWidth = 10
	}

	var current string
	if len(m.prices) > 0 {
		current = fmt.Sprintf("%.4f", m.prices[len(m.prices)-1])
	} else {
		current = "-"
	}

	priceBody := lipgloss.JoinVertical(lipgloss.Left,
		fmt.Sprintf("last: %s   points: %d", current, len(m.prices)),
		renderSparkline(m.prices, priceWidth),
	)
	pricePanel := panelStyle.Width(m.width - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, renderTitle("price"), priceBody),
	)

	agentsPanel := panelStyle.Width(m.width - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, renderTitle("agents"), m.renderAgents()),
	)

	subsPanel := panelStyle.Width(m.width - 2).Render(
		lipgloss.JoinVertical(lipgloss.Left, renderTitle("subscribers"), m.renderSubscribers()),
	)

	panels := []string{pricePanel, agentsPanel, subsPanel}
	if m.showPerf {
		panels = append(panels, panelStyle.Width(m.width-2).Render(
			lipgloss.JoinVertical(lipgloss.Left, renderTitle("perf"), m.renderPerf()),
		))
	}

	statusBar := statusBarStyle.Width(m.width).Render(m.renderStatusBar())
	panels = append(panels, statusBar)

	return lipgloss.JoinVertical(lipgloss.Left, panels...)
}

func (m *model) renderAgents() string {
	if m.err != nil {
		return errorStyle.Render(m.err.Error())
	}
	if len(m.agents) == 0 {
		return rowStyle.Render("no agents")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s %-12s %-14s %-8s", "id", "created", "history", "ignores")))
	for _, a := range m.agents {
		b.WriteString("\n")
		b.WriteString(rowStyle.Render(fmt.Sprintf("%-8d %-12d %-14d %-8t", a.ID, a.CreatedAt, a.HistoryCount, a.IgnoreInfo)))
	}
	return b.String()
}

func (m *model) renderSubscribers() string {
	if len(m.subscribers) == 0 {
		return rowStyle.Render("no subscribers")
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-8s %-10s %-10s", "id", "kind", "pending")))
	for _, s := range m.subscribers {
		b.WriteString("\n")
		b.WriteString(rowStyle.Render(fmt.Sprintf("%-8d %-10s %-10d", s.ID, s.Subject.Kind.String(), s.Pending)))
	}
	return b.String()
}

// renderPerf summarizes each recorded phase's sample count and total
// milliseconds, grouped with the locale's digit separators so a
// long-running instance's six- and seven-figure totals stay readable.
func (m *model) renderPerf() string {
	if len(m.perf) == 0 {
		return rowStyle.Render("no perf samples")
	}
	phases := make([]string, 0, len(m.perf))
	for phase := range m.perf {
		phases = append(phases, phase)
	}
	sort.Strings(phases)

	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-16s %-10s %-14s", "phase", "samples", "total_ms")))
	for _, phase := range phases {
		samples := m.perf[phase]
		var total float64
		for _, v := range samples {
			total += v
		}
		row := perfPrinter.Sprintf("%-16s %-10d %-14.1f", phase, len(samples), total)
		b.WriteString("\n")
		b.WriteString(rowStyle.Render(row))
	}
	return b.String()
}

func (m *model) renderStatusBar() string {
	help := statusKeyStyle.Render("s") + " start  " +
		statusKeyStyle.Render("p") + " pause  " +
		statusKeyStyle.Render("r") + " run  " +
		statusKeyStyle.Render("v") + " perf  " +
		statusKeyStyle.Render("q") + " quit"
	if m.statusMsg != "" {
		help += "  │  " + m.statusMsg
	}
	return help
}
