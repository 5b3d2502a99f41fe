package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/sync/errgroup"

	"github.com/ChrisGriffithPSU/research-agent/health"
	"github.com/ChrisGriffithPSU/research-agent/internal/config"
	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
	"github.com/ChrisGriffithPSU/research-agent/messaging"
)

const (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	selectedColor  = lipgloss.Color("#374151")
)

var (
	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFFFF")).
			Background(primaryColor).
			Bold(true).
			Padding(0, 1).
			Margin(0, 0, 1, 0)

	tabStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	activeTabStyle = lipgloss.NewStyle().
			Foreground(primaryColor).
			Background(selectedColor).
			Bold(true).
			Padding(0, 2).
			Margin(0, 1, 0, 0)

	statusHealthyStyle = lipgloss.NewStyle().Foreground(secondaryColor).Bold(true)
	statusWarningStyle = lipgloss.NewStyle().Foreground(warningColor).Bold(true)
	statusErrorStyle   = lipgloss.NewStyle().Foreground(errorColor).Bold(true)

	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(mutedColor).
			Padding(1, 2).
			Margin(1, 0)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Margin(1, 0)
)

const refreshInterval = 5 * time.Second

type tab int

const (
	queuesTab tab = iota
	healthTab
	metricsTab
	tabCount
)

// source is what the dashboard samples; the messaging client provides both.
type source interface {
	QueueDepths(ctx context.Context) (map[string]int, error)
	Check(ctx context.Context) health.Report
}

type clientSource struct {
	topology *rabbitmq.Topology
	health   *health.Service
}

func (s clientSource) QueueDepths(ctx context.Context) (map[string]int, error) {
	return s.topology.QueueDepths(ctx)
}

func (s clientSource) Check(ctx context.Context) health.Report {
	return s.health.Check(ctx)
}

type model struct {
	source      source
	queues      []rabbitmq.QueueDescriptor
	activeTab   tab
	width       int
	autoRefresh bool
	lastUpdate  time.Time

	depths map[string]int
	report *health.Report

	selectedQueue int
	err           error
}

type tickMsg struct{}

type dataMsg struct {
	depths map[string]int
	report health.Report
	err    error
}

func newModel(src source, queues []rabbitmq.QueueDescriptor) model {
	return model{
		source:      src,
		queues:      queues,
		activeTab:   queuesTab,
		autoRefresh: true,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetchData(), tickCmd())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return m, tea.Quit

		case "tab", "right":
			m.activeTab = (m.activeTab + 1) % tabCount
		case "shift+tab", "left":
			m.activeTab = (m.activeTab + tabCount - 1) % tabCount

		case "r":
			return m, m.fetchData()

		case " ":
			m.autoRefresh = !m.autoRefresh
			if m.autoRefresh {
				return m, tickCmd()
			}

		case "up":
			if m.activeTab == queuesTab && m.selectedQueue > 0 {
				m.selectedQueue--
			}
		case "down":
			if m.activeTab == queuesTab && m.selectedQueue < len(m.queues)-1 {
				m.selectedQueue++
			}
		}
		return m, nil

	case tickMsg:
		if m.autoRefresh {
			return m, tea.Batch(m.fetchData(), tickCmd())
		}

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.depths = msg.depths
			report := msg.report
			m.report = &report
			m.lastUpdate = time.Now()
		}
		return m, nil
	}

	return m, nil
}

func (m model) View() string {
	if m.width == 0 {
		return "Loading..."
	}

	header := headerStyle.Width(m.width - 2).Render("Research Pipeline Messaging")

	var content string
	switch m.activeTab {
	case queuesTab:
		content = m.renderQueues()
	case healthTab:
		content = m.renderHealth()
	case metricsTab:
		content = m.renderMetrics()
	}

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		m.renderTabs(),
		content,
		m.renderStatusBar(),
		helpStyle.Render("Tab/→: Next tab | Shift+Tab/←: Previous tab | ↑↓: Navigate | R: Refresh | Space: Toggle auto-refresh | Q: Quit"),
	)
}

func (m model) renderTabs() string {
	titles := []string{"Queues", "Health", "Metrics"}
	rendered := make([]string, len(titles))
	for i, title := range titles {
		if m.activeTab == tab(i) {
			rendered[i] = activeTabStyle.Render(title)
		} else {
			rendered[i] = tabStyle.Render(title)
		}
	}
	return lipgloss.JoinHorizontal(lipgloss.Left, rendered...)
}

func (m model) renderQueues() string {
	if m.depths == nil {
		return cardStyle.Render("Loading queue depths...")
	}

	rows := []string{
		fmt.Sprintf("%-24s %8s %8s %6s %8s", "Name", "Messages", "Max", "Fill", "DLQ"),
		strings.Repeat("─", 58),
	}
	for i, q := range m.queues {
		depth := m.depths[q.Name]
		dlq := m.depths[q.DeadLetterQueue()]

		row := fmt.Sprintf("%-24s %8s %8d %6s %8s",
			truncateString(q.Name, 24),
			formatDepth(depth),
			q.MaxLength,
			formatFill(depth, q.MaxLength),
			formatDepth(dlq))

		style := lipgloss.NewStyle()
		switch {
		case depth < 0:
			style = statusErrorStyle
		case dlq > 0:
			style = statusWarningStyle
		}
		if i == m.selectedQueue {
			style = style.Background(selectedColor)
		}
		rows = append(rows, style.Render(row))
	}

	parts := []string{cardStyle.Render("Queues\n\n" + strings.Join(rows, "\n"))}

	if m.selectedQueue < len(m.queues) {
		q := m.queues[m.selectedQueue]
		ttl := "none"
		if q.MessageTTL > 0 {
			ttl = q.MessageTTL.String()
		}
		details := fmt.Sprintf(
			"Queue: %s\nMax Length: %d\nMessage TTL: %s\nDead-letter Queue: %s (%s)",
			q.Name,
			q.MaxLength,
			ttl,
			q.DeadLetterQueue(),
			formatDepth(m.depths[q.DeadLetterQueue()]))
		if q.MaxRedeliveries > 0 {
			details += fmt.Sprintf("\nMax Redeliveries: %d", q.MaxRedeliveries)
		}
		parts = append(parts, cardStyle.Render("Queue Details\n\n"+details))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) renderHealth() string {
	if m.report == nil {
		return cardStyle.Render("Loading health data...")
	}

	overall := fmt.Sprintf("Overall Status: %s", statusStyle(m.report.Status).Render(strings.ToUpper(string(m.report.Status))))
	parts := []string{cardStyle.Render(overall)}

	names := make([]string, 0, len(m.report.Checks))
	for name := range m.report.Checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		check := m.report.Checks[name]
		content := fmt.Sprintf("%s: %s\n%s",
			name,
			statusStyle(check.Status).Render(strings.ToUpper(string(check.Status))),
			check.Message)
		if check.Error != "" {
			content += "\n" + statusErrorStyle.Render(check.Error)
		}
		parts = append(parts, cardStyle.Render(content))
	}

	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m model) renderMetrics() string {
	if m.report == nil || len(m.report.Metrics) == 0 {
		return cardStyle.Render("No metrics yet")
	}

	keys := make([]string, 0, len(m.report.Metrics))
	for k := range m.report.Metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	rows := make([]string, 0, len(keys))
	for _, k := range keys {
		switch v := m.report.Metrics[k].(type) {
		case float64:
			rows = append(rows, fmt.Sprintf("%-12s %10.4f", k, v))
		default:
			rows = append(rows, fmt.Sprintf("%-12s %10v", k, v))
		}
	}
	return cardStyle.Render("Collector\n\n" + strings.Join(rows, "\n"))
}

func (m model) renderStatusBar() string {
	parts := []string{"Auto-refresh: ON"}
	if !m.autoRefresh {
		parts[0] = "Auto-refresh: OFF"
	}
	if !m.lastUpdate.IsZero() {
		parts = append(parts, "Last update: "+m.lastUpdate.Format("15:04:05"))
	}
	if m.err != nil {
		parts = append(parts, statusErrorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
	}
	return helpStyle.Render(strings.Join(parts, " | "))
}

// fetchData samples depths and health concurrently.
func (m model) fetchData() tea.Cmd {
	src := m.source
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), refreshInterval)
		defer cancel()

		var msg dataMsg
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			depths, err := src.QueueDepths(gctx)
			msg.depths = depths
			return err
		})
		g.Go(func() error {
			msg.report = src.Check(gctx)
			return nil
		})
		msg.err = g.Wait()
		return msg
	}
}

func tickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg {
		return tickMsg{}
	})
}

// Utility functions

func statusStyle(status health.Status) lipgloss.Style {
	switch status {
	case health.StatusHealthy:
		return statusHealthyStyle
	case health.StatusDegraded:
		return statusWarningStyle
	case health.StatusUnhealthy:
		return statusErrorStyle
	default:
		return lipgloss.NewStyle()
	}
}

func formatDepth(n int) string {
	if n < 0 {
		return "missing"
	}
	return fmt.Sprint(n)
}

func formatFill(depth, limit int) string {
	if depth < 0 || limit <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.0f%%", float64(depth)/float64(limit)*100)
}

func truncateString(s string, length int) string {
	if len(s) <= length {
		return s
	}
	return s[:length-3] + "..."
}

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Println("msgtop")
		fmt.Println("")
		fmt.Println("A terminal dashboard for the research pipeline's queues, health checks and metrics.")
		fmt.Println("")
		fmt.Println("Connection settings come from the RABBITMQ_* environment variables.")
		fmt.Println("")
		fmt.Println("Navigation:")
		fmt.Println("  Tab/→                       Next tab")
		fmt.Println("  Shift+Tab/←                 Previous tab")
		fmt.Println("  ↑↓                          Navigate queues")
		fmt.Println("  R                           Refresh data")
		fmt.Println("  Space                       Toggle auto-refresh")
		fmt.Println("  Q                           Quit")
		return
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	// Log output would corrupt the alternate screen.
	logger := config.NewLogger(cfg.Log, io.Discard)

	ctx := context.Background()
	client, err := messaging.NewClient(ctx, cfg, messaging.WithLogger(logger))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer client.Close()

	src := clientSource{topology: client.Topology(), health: client.Health()}
	p := tea.NewProgram(newModel(src, client.Topology().Queues()), tea.WithAltScreen())

	if _, err := p.Run(); err != nil {
		log.Printf("Error running TUI: %v", err)
	}
}
