package ui

import (
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franksops/filehub/adapter"
)

func TestFormatSpeed(t *testing.T) {
	tests := []struct {
		bytesPerSec float64
		expected    string
	}{
		{500, "500 B/s"},
		{1024, "1.00 KB/s"},
		{2048, "2.00 KB/s"},
		{1048576, "1.00 MB/s"},
		{1572864, "1.50 MB/s"},
		{1073741824, "1.00 GB/s"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatSpeed(tt.bytesPerSec))
	}
}

func TestFormatETA(t *testing.T) {
	tests := []struct {
		remaining   int64
		bytesPerSec float64
		expected    string
	}{
		{10000, 0, "Calculating..."},
		{5000, 1000, "5s"},
		{0, 10, "0s"},
		{1 << 40, 1, "> 1d"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, formatETA(tt.remaining, tt.bytesPerSec), "remaining %d at %v B/s", tt.remaining, tt.bytesPerSec)
	}
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "512 B", formatBytes(512))
	assert.Equal(t, "1.50 KB", formatBytes(1536))
	assert.Equal(t, "2.00 MB", formatBytes(2<<20))
}

func TestProgress_Counts(t *testing.T) {
	p := NewProgress()
	clock := time.Date(2026, 1, 9, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return clock }

	var obs adapter.Observer = p
	for _, name := range []string{"a.xml", "b.xml", "c.xml"} {
		obs.TransferStarted(adapter.StageSend, name)
		obs.TransferFinished(adapter.StageSend, adapter.FileOutcome{Name: name, Size: 100, Status: adapter.StatusReadSuccess}, 0)
	}
	obs.TransferStarted(adapter.StageSend, "bad.xml")
	obs.TransferFinished(adapter.StageSend, adapter.FileOutcome{Name: "bad.xml", Status: adapter.StatusValidationFailed}, 0)

	obs.TransferStarted(adapter.StageReceive, "a.xml")
	obs.TransferFinished(adapter.StageReceive, adapter.FileOutcome{Name: "a.xml", Size: 100, Status: adapter.StatusUploaded}, 0)
	obs.TransferStarted(adapter.StageReceive, "b.xml")
	obs.TransferFinished(adapter.StageReceive, adapter.FileOutcome{Name: "b.xml", Size: 100, Status: adapter.StatusSkipped}, 0)
	obs.TransferStarted(adapter.StageReceive, "c.xml")

	clock = clock.Add(2 * time.Second)
	s := p.Snapshot()
	assert.Equal(t, 3, s.Read)
	assert.Equal(t, 1, s.Delivered)
	assert.Equal(t, 1, s.Failed)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, int64(300), s.ReadBytes)
	assert.Equal(t, int64(100), s.Pending())
	assert.InDelta(t, 50, s.Throughput, 0.001)
	require.Len(t, s.Active, 1)
	assert.Equal(t, "c.xml", s.Active[0].File)
	assert.Equal(t, adapter.StageReceive, s.Active[0].Stage)

	p.RunFinished("payments", false)
	p.Finish()
	s = p.Snapshot()
	assert.Equal(t, 1, s.Runs)
	assert.Equal(t, 1, s.FailedRuns)
	assert.Equal(t, "payments", s.LastFlow)
	assert.True(t, s.Done)
}

func TestModel_View(t *testing.T) {
	p := NewProgress()
	m := NewModel(p, time.Second)
	assert.Contains(t, m.View(), "Initializing...")

	p.TransferStarted(adapter.StageSend, "Payment_001.xml")
	p.TransferFinished(adapter.StageSend, adapter.FileOutcome{Name: "Payment_001.xml", Size: 2048, Status: adapter.StatusReadSuccess}, 0)
	p.TransferStarted(adapter.StageReceive, "Payment_001.xml")

	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	next, _ = next.Update(refreshMsg(p.Snapshot()))
	view := next.View()
	assert.Contains(t, view, "Read: 1")
	assert.Contains(t, view, "Payment_001.xml")
	assert.Contains(t, view, "2.00 KB")
}

func TestModel_QuitsWhenDone(t *testing.T) {
	p := NewProgress()
	p.Finish()
	m := NewModel(p, time.Second)

	_, cmd := m.Update(refreshMsg(p.Snapshot()))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())

	_, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("q")})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.QuitMsg{}, cmd())
}
