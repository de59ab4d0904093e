package tui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"

	"hidtestorch/internal/monitor"
)

func TestView_ShowsWaitingMessageWithNoDevices(t *testing.T) {
	bus := monitor.New(10, false, time.Minute, time.Minute, monitor.Normal)
	defer bus.Stop(time.Second)

	m := NewModel(bus)
	assert.Contains(t, m.View(), "waiting for devices")
}

func TestUpdate_QuitKeyMarksModelDone(t *testing.T) {
	bus := monitor.New(10, false, time.Minute, time.Minute, monitor.Normal)
	defer bus.Stop(time.Second)

	m := NewModel(bus)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	next := updated.(Model)
	assert.True(t, next.done)
	assert.Equal(t, "", next.View())
	assert.NotNil(t, cmd)
}

func TestUpdate_WindowResizeWidensBar(t *testing.T) {
	bus := monitor.New(10, false, time.Minute, time.Minute, monitor.Normal)
	defer bus.Stop(time.Second)

	m := NewModel(bus)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	next := updated.(Model)
	assert.Equal(t, 120, next.width)
	assert.Equal(t, 80, next.bar.Width)
}

func TestView_ListsDeviceRowWithCounts(t *testing.T) {
	bus := monitor.New(100, false, time.Hour, time.Hour, monitor.Normal)
	defer bus.Stop(time.Second)

	bus.SetExpectedTotal("DEV-42", 4)
	m := NewModel(bus)
	out := m.View()
	assert.Contains(t, out, "DEV-42")
	assert.Contains(t, out, "0/4")
}
