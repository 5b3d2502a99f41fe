package main

import (
	"context"
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChrisGriffithPSU/research-agent/health"
	"github.com/ChrisGriffithPSU/research-agent/internal/rabbitmq"
)

type stubSource struct {
	depths map[string]int
	err    error
	report health.Report
}

func (s stubSource) QueueDepths(context.Context) (map[string]int, error) {
	return s.depths, s.err
}

func (s stubSource) Check(context.Context) health.Report {
	return s.report
}

var dashboardQueues = []rabbitmq.QueueDescriptor{
	{Name: "content.discovered", MaxLength: 10000, MessageTTL: 24 * time.Hour},
	{Name: "digest.ready", MaxLength: 100, MaxRedeliveries: 5},
}

func loaded(t *testing.T, src stubSource) model {
	t.Helper()

	m := newModel(src, dashboardQueues)
	next, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	msg := next.(model).fetchData()()
	next, _ = next.Update(msg)
	return next.(model)
}

func TestDashboardQueues(t *testing.T) {
	m := loaded(t, stubSource{
		depths: map[string]int{
			"content.discovered":     2500,
			"content.discovered.dlq": 0,
			"digest.ready":           -1,
			"digest.ready.dlq":       3,
		},
		report: health.Report{Status: health.StatusHealthy},
	})

	require.NoError(t, m.err)
	view := m.View()
	assert.Contains(t, view, "content.discovered")
	assert.Contains(t, view, "25%")
	assert.Contains(t, view, "missing")
	assert.Contains(t, view, "Message TTL: 24h0m0s")

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m = next.(model)
	assert.Equal(t, 1, m.selectedQueue)
	assert.Contains(t, m.View(), "Max Redeliveries: 5")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, next.(model).selectedQueue, "selection stops at the last queue")
}

func TestDashboardTabs(t *testing.T) {
	m := loaded(t, stubSource{
		depths: map[string]int{},
		report: health.Report{
			Status: health.StatusDegraded,
			Checks: map[string]health.CheckResult{
				"circuit_breaker": {Status: health.StatusDegraded, Message: "Publisher circuit is open"},
			},
			Metrics: map[string]interface{}{"published": int64(7), "error_rate": 0.25},
		},
	})

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(model)
	assert.Equal(t, healthTab, m.activeTab)
	assert.Contains(t, m.View(), "DEGRADED")
	assert.Contains(t, m.View(), "Publisher circuit is open")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	m = next.(model)
	assert.Equal(t, metricsTab, m.activeTab)
	assert.Contains(t, m.View(), "0.2500")

	next, _ = m.Update(tea.KeyMsg{Type: tea.KeyTab})
	assert.Equal(t, queuesTab, next.(model).activeTab, "tabs wrap around")

	next, _ = next.Update(tea.KeyMsg{Type: tea.KeyShiftTab})
	assert.Equal(t, metricsTab, next.(model).activeTab)
}

func TestDashboardFetchError(t *testing.T) {
	m := loaded(t, stubSource{
		depths: map[string]int{"digest.ready": 4},
		report: health.Report{Status: health.StatusHealthy},
	})

	failing := m
	failing.source = stubSource{err: errors.New("connection lost")}
	next, _ := failing.Update(failing.fetchData()())
	m = next.(model)

	assert.EqualError(t, m.err, "connection lost")
	assert.Equal(t, 4, m.depths["digest.ready"], "last good sample is kept")
	assert.Contains(t, m.View(), "Error: connection lost")
}

func TestDashboardKeys(t *testing.T) {
	m := newModel(stubSource{}, dashboardQueues)

	next, cmd := m.Update(tea.KeyMsg{Type: tea.KeySpace})
	assert.False(t, next.(model).autoRefresh)
	assert.Nil(t, cmd)

	_, cmd = next.Update(tickMsg{})
	assert.Nil(t, cmd, "no refresh while paused")

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{'q'}})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())

	assert.Equal(t, "Loading...", m.View())
}

func TestFormatting(t *testing.T) {
	assert.Equal(t, "missing", formatDepth(-1))
	assert.Equal(t, "12", formatDepth(12))
	assert.Equal(t, "-", formatFill(5, 0))
	assert.Equal(t, "80%", formatFill(80, 100))
	assert.Equal(t, "content.disc...", truncateString("content.discovered.dlq", 15))
}
