// Package tui is the interactive terminal dashboard. It drives the display
// refresher on its own tick and maps keys onto the pipeline's operational
// controls.
package tui

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"autobot-telemetry/internal/display"
	"autobot-telemetry/internal/models"
	"autobot-telemetry/internal/pipeline"
)

// Controls is what the dashboard needs from the pipeline
type Controls interface {
	State() pipeline.State
	Tick() bool
	Connect(port string, baud int) error
	Disconnect()
	SetLoggingEnabled(on bool)
	SetCSVEnabled(on bool)
}

type tickMsg time.Time

type linkResultMsg struct{ err error }

// Model is the bubbletea model for the dashboard
type Model struct {
	ctl      Controls
	port     string
	baud     int
	interval time.Duration

	state   pipeline.State
	status  string
	width   int
	pending bool
}

// New creates a dashboard that connects to port at baud on 'c'
func New(ctl Controls, port string, baud int, interval time.Duration) Model {
	if interval <= 0 {
		interval = display.DefaultInterval
	}
	return Model{
		ctl:      ctl,
		port:     port,
		baud:     baud,
		interval: interval,
		state:    ctl.State(),
		width:    100,
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model
func (m Model) Init() tea.Cmd {
	return m.tick()
}

// Update implements tea.Model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.ctl.Tick()
		m.state = m.ctl.State()
		return m, m.tick()

	case linkResultMsg:
		m.pending = false
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = ""
		}
		m.state = m.ctl.State()
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return m, tea.Quit

	case "c":
		if m.port == "" {
			m.status = "no port configured (use --port)"
			return m, nil
		}
		if m.pending {
			return m, nil
		}
		m.pending = true
		m.status = "connecting to " + m.port
		ctl, port, baud := m.ctl, m.port, m.baud
		return m, func() tea.Msg { return linkResultMsg{err: ctl.Connect(port, baud)} }

	case "d":
		ctl := m.ctl
		m.status = "disconnecting"
		return m, func() tea.Msg { ctl.Disconnect(); return linkResultMsg{} }

	case "l":
		on := !m.state.LoggingEnabled
		m.ctl.SetLoggingEnabled(on)
		m.state.LoggingEnabled = on

	case "v":
		on := !m.state.CSVEnabled
		m.ctl.SetCSVEnabled(on)
		m.state.CSVEnabled = on
	}
	return m, nil
}

var (
	titleStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("15")).Background(lipgloss.Color("24")).Padding(0, 1)
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240")).Padding(0, 1)
	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	helpStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
)

// tierColor is the presentation of a battery tier
func tierColor(t display.Tier) lipgloss.Color {
	switch t {
	case display.TierGood:
		return lipgloss.Color("42")
	case display.TierFair:
		return lipgloss.Color("220")
	case display.TierLow:
		return lipgloss.Color("208")
	default:
		return lipgloss.Color("196")
	}
}

func stateColor(s models.ConnectionState) lipgloss.Color {
	switch s {
	case models.Connected:
		return lipgloss.Color("42")
	case models.Connecting:
		return lipgloss.Color("220")
	default:
		return lipgloss.Color("196")
	}
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func vec(v models.Vec3) string {
	return fmt.Sprintf("%8.2f %8.2f %8.2f", v[0], v[1], v[2])
}

func row(label, value string) string {
	return labelStyle.Render(fmt.Sprintf("%-10s", label)) + value
}

// View implements tea.Model
func (m Model) View() string {
	st := m.state
	snap := st.Display

	conn := lipgloss.NewStyle().Foreground(stateColor(st.Link.State)).Bold(true).Render(st.Link.State.String())
	header := titleStyle.Render("AUTOBOT TELEMETRY") + "  " + conn
	if st.Link.Port != "" {
		header += labelStyle.Render(fmt.Sprintf("  %s @ %d", st.Link.Port, st.Link.Baud))
	}

	imu := boxStyle.Render(strings.Join([]string{
		row("Accel", vec(snap.Accel)),
		row("Gyro", vec(snap.Gyro)),
		row("Pitch", fmt.Sprintf("%8.2f°", snap.Pitch)),
		row("Roll", fmt.Sprintf("%8.2f°", snap.Roll)),
		row("Yaw", fmt.Sprintf("%8.2f°", snap.Yaw)),
		row("Yaw hist", Sparkline(snap.YawHistory, -180, 180, 40)),
	}, "\n"))

	enc := boxStyle.Render(strings.Join([]string{
		row("Left", fmt.Sprintf("%10d  %8.1f°", snap.Encoders.LeftTicks, snap.Encoders.LeftDegrees)),
		row("Right", fmt.Sprintf("%10d  %8.1f°", snap.Encoders.RightTicks, snap.Encoders.RightDegrees)),
	}, "\n"))

	batteryStyle := lipgloss.NewStyle().Foreground(tierColor(snap.BatteryTier)).Bold(true)
	battery := boxStyle.Render(strings.Join([]string{
		row("Battery", batteryStyle.Render(fmt.Sprintf("%3d%% %s", snap.BatteryPercent, strings.ToUpper(snap.BatteryTier.String())))),
		row("Voltage", fmt.Sprintf("%.2f V", snap.BatteryVoltage)),
		row("Pickup", snap.Pickup),
		row("Drop", snap.Drop),
	}, "\n"))

	vision := boxStyle.Render(strings.Join([]string{
		row("Tag", fmt.Sprintf("%d", snap.Vision.TagID)),
		row("Y/P/R", fmt.Sprintf("%.1f %.1f %.1f", snap.Vision.Yaw, snap.Vision.Pitch, snap.Vision.Roll)),
		row("Pos", vec(snap.Vision.Position)),
	}, "\n"))

	logBox := boxStyle.Render(strings.Join([]string{
		row("Logging", onOff(st.LoggingEnabled)),
		row("CSV", onOff(st.CSVEnabled)),
		row("Log queue", fmt.Sprintf("%d/%d (evicted %d)", st.LogQueue.Len, st.LogQueue.Cap, st.LogQueue.Evictions)),
		row("Display", fmt.Sprintf("%d/%d (skipped %d)", st.DisplayQueue.Len, st.DisplayQueue.Cap, snap.Dropped)),
	}, "\n"))

	top := lipgloss.JoinHorizontal(lipgloss.Top, imu, lipgloss.JoinVertical(lipgloss.Left, enc, battery))
	bottom := lipgloss.JoinHorizontal(lipgloss.Top, vision, logBox)

	var b strings.Builder
	b.WriteString(header + "\n")
	b.WriteString(top + "\n")
	b.WriteString(bottom + "\n")
	if !snap.HasData {
		b.WriteString(labelStyle.Render("waiting for telemetry") + "\n")
	}
	if m.status != "" {
		b.WriteString(errStyle.Render(m.status) + "\n")
	}
	b.WriteString(helpStyle.Render("c connect • d disconnect • l logging • v csv • q quit"))
	return b.String()
}
