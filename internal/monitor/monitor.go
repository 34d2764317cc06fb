// Package monitor composes the stream client, the batcher and the window
// buffer into a single view for dashboards and terminal consumers.
package monitor

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/pscheid92/pricepulse/internal/domain"
	"github.com/pscheid92/pricepulse/internal/stream"
	"github.com/pscheid92/pricepulse/internal/window"
)

const maxSystemLogs = 100

type LogType string

const (
	LogInfo    LogType = "info"
	LogWarning LogType = "warning"
	LogError   LogType = "error"
	LogSuccess LogType = "success"
)

// SystemLog is one entry of the operator-facing event log.
type SystemLog struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
	Type      LogType   `json:"type"`
}

type Config struct {
	Stream         stream.Config
	Window         window.Config
	AlertThreshold float64
}

// Summary is a point-in-time report of the monitor.
type Summary struct {
	Status    stream.Status
	Points    int
	Current   float64
	Min       float64
	Max       float64
	Breached  bool
	Paused    bool
	LastError string
}

type Monitor struct {
	cfg     Config
	clock   clockwork.Clock
	client  *stream.Client
	buffer  *window.Buffer
	batcher *window.Batcher

	mu     sync.RWMutex
	paused bool
	frozen []domain.DisplayPoint
	logs   []SystemLog

	stop     chan struct{}
	watching sync.WaitGroup
	stopOnce sync.Once
}

func New(cfg Config, dialer stream.Dialer, clock clockwork.Clock) *Monitor {
	buffer := window.NewBuffer(cfg.Window)
	batcher := window.NewBatcher(buffer, cfg.Window.FlushInterval, clock)
	m := &Monitor{
		cfg:     cfg,
		clock:   clock,
		buffer:  buffer,
		batcher: batcher,
		stop:    make(chan struct{}),
	}
	m.client = stream.New(cfg.Stream, dialer, batcher.Add, clock)
	return m
}

// Start connects to the stream and begins recording status changes.
func (m *Monitor) Start(ctx context.Context) {
	updates := m.client.Subscribe()
	m.watching.Add(1)
	go m.watch(updates)
	m.client.Start(ctx)
}

// Stop closes the stream and cancels the flush ticker. Safe to call repeatedly.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.client.Close()
		m.batcher.Stop()
		close(m.stop)
	})
	m.watching.Wait()
}

func (m *Monitor) watch(updates <-chan stream.State) {
	defer m.watching.Done()
	var last stream.Status
	for {
		select {
		case <-m.stop:
			return
		case s := <-updates:
			if s.Status == last && s.Status != stream.StatusReconnecting {
				continue
			}
			last = s.Status
			m.logStatus(s)
		}
	}
}

func (m *Monitor) logStatus(s stream.State) {
	switch s.Status {
	case stream.StatusConnecting:
		m.AddLog("Connecting to stream...", LogInfo)
	case stream.StatusConnected:
		m.AddLog("Connected to stream", LogSuccess)
	case stream.StatusReconnecting:
		m.AddLog(fmt.Sprintf("Reconnecting (attempt %d of %d)", s.RetryCount, m.cfg.Stream.MaxReconnectAttempts), LogWarning)
	case stream.StatusError:
		m.AddLog(s.Error, LogError)
	case stream.StatusDisconnected:
		m.AddLog("Disconnected from stream", LogInfo)
	}
}

func (m *Monitor) Disconnect() {
	m.client.Disconnect()
}

func (m *Monitor) Reconnect() {
	m.AddLog("Manual reconnect requested", LogInfo)
	m.client.Reconnect()
}

func (m *Monitor) State() stream.State {
	return m.client.State()
}

// Pause freezes the visible data. Ingestion continues in the background.
func (m *Monitor) Pause() {
	snapshot := m.buffer.Snapshot()
	m.mu.Lock()
	if m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = true
	m.frozen = snapshot
	m.mu.Unlock()
	m.AddLog("Display paused", LogInfo)
}

func (m *Monitor) Resume() {
	m.mu.Lock()
	if !m.paused {
		m.mu.Unlock()
		return
	}
	m.paused = false
	m.frozen = nil
	m.mu.Unlock()
	m.AddLog("Display resumed", LogInfo)
}

func (m *Monitor) IsPaused() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.paused
}

// Data returns the visible points: the frozen snapshot while paused,
// otherwise the live buffer.
func (m *Monitor) Data() []domain.DisplayPoint {
	m.mu.RLock()
	if m.paused {
		defer m.mu.RUnlock()
		return slices.Clone(m.frozen)
	}
	m.mu.RUnlock()
	return m.buffer.Snapshot()
}

// CurrentValue is the latest visible price, or 0 without data.
func (m *Monitor) CurrentValue() float64 {
	data := m.Data()
	if len(data) == 0 {
		return 0
	}
	return data[len(data)-1].Price
}

// ThresholdBreached reports whether the latest visible price exceeds threshold.
func (m *Monitor) ThresholdBreached(threshold float64) bool {
	data := m.Data()
	return len(data) > 0 && data[len(data)-1].Price > threshold
}

// ClearData empties the buffer and drops pending arrivals.
func (m *Monitor) ClearData() {
	m.batcher.Clear()
	m.buffer.Clear()
	m.mu.Lock()
	if m.paused {
		m.frozen = nil
	}
	m.mu.Unlock()
	m.AddLog("Chart data cleared", LogInfo)
}

// AddLog appends an entry, keeping the newest maxSystemLogs.
func (m *Monitor) AddLog(message string, typ LogType) {
	entry := SystemLog{Timestamp: m.clock.Now(), Message: message, Type: typ}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	if len(m.logs) > maxSystemLogs {
		m.logs = slices.Clone(m.logs[len(m.logs)-maxSystemLogs:])
	}
}

// Logs returns the log entries, oldest first.
func (m *Monitor) Logs() []SystemLog {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.logs)
}

func (m *Monitor) Summary() Summary {
	data := m.Data()
	state := m.State()
	s := Summary{
		Status:    state.Status,
		Points:    len(data),
		Paused:    m.IsPaused(),
		LastError: state.Error,
	}
	for i, p := range data {
		if i == 0 || p.Price < s.Min {
			s.Min = p.Price
		}
		if i == 0 || p.Price > s.Max {
			s.Max = p.Price
		}
	}
	if len(data) > 0 {
		s.Current = data[len(data)-1].Price
		s.Breached = s.Current > m.cfg.AlertThreshold
	}
	return s
}
