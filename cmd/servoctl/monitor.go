package main

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/samsamfire/gocia402/pkg/cia402"
	"github.com/samsamfire/gocia402/pkg/controller"
	gwhttp "github.com/samsamfire/gocia402/pkg/gateway/http"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const (
	refreshInterval = 100 * time.Millisecond
	torqueStep      = 0.05
)

var (
	remoteURL string
	maxTorque float32
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Interactive drive monitor",
	Long: `Show live drive state and feedback. Up / down change the torque setpoint,
0 zeroes it and q quits.

Without --url, a local controller is started with the current settings.
With --url, a running gateway is monitored through its snapshot stream.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringVarP(&remoteURL, "url", "u", "", "Gateway base URL, e.g. http://localhost:8090")
	monitorCmd.Flags().Float32Var(&maxTorque, "max-torque", 1, "Largest normalized torque reachable with the keys")
	rootCmd.AddCommand(monitorCmd)
}

// Where the monitor reads snapshots from and sends setpoints to
type driveSource interface {
	Snapshot() (controller.Snapshot, error)
	SetTargetTorque(torque float32) error
	Close()
	Describe() string
}

type localSource struct {
	ctrl *controller.Controller
	name string
}

func (l *localSource) Snapshot() (controller.Snapshot, error) {
	return l.ctrl.Snapshot(), nil
}

func (l *localSource) SetTargetTorque(torque float32) error {
	l.ctrl.SetTargetTorque(torque)
	return nil
}

func (l *localSource) Close() {
	l.ctrl.Shutdown()
}

func (l *localSource) Describe() string {
	return l.name
}

type remoteSource struct {
	client *gwhttp.GatewayClient
	stream *gwhttp.StreamClient
	url    string

	mu       sync.Mutex
	snapshot controller.Snapshot
	err      error
}

func newRemoteSource(ctx context.Context, url string, slave int) (*remoteSource, error) {
	url = strings.TrimSuffix(url, "/")
	stream, err := gwhttp.DialStream(ctx, "ws"+strings.TrimPrefix(url, "http")+gwhttp.STREAM_PATH)
	if err != nil {
		return nil, err
	}
	r := &remoteSource{
		client: gwhttp.NewGatewayClient(url, gwhttp.API_VERSION, slave, log.StandardLogger()),
		stream: stream,
		url:    url,
	}
	go r.receive()
	return r, nil
}

func (r *remoteSource) receive() {
	for {
		snapshot, err := r.stream.Next()
		r.mu.Lock()
		if err != nil {
			r.err = err
			r.mu.Unlock()
			return
		}
		r.snapshot = snapshot
		r.mu.Unlock()
	}
}

func (r *remoteSource) Snapshot() (controller.Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshot, r.err
}

func (r *remoteSource) SetTargetTorque(torque float32) error {
	return r.client.SetTorque(torque)
}

func (r *remoteSource) Close() {
	_ = r.stream.Close()
}

func (r *remoteSource) Describe() string {
	return r.url
}

type monitorTickMsg time.Time

type monitorModel struct {
	source   driveSource
	snapshot controller.Snapshot
	torque   float32
	err      error
	quitting bool
}

func monitorTickCmd() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg {
		return monitorTickMsg(t)
	})
}

func (m monitorModel) Init() tea.Cmd {
	return monitorTickCmd()
}

func (m monitorModel) setTorque(torque float32) monitorModel {
	torque = max(-maxTorque, min(maxTorque, torque))
	m.err = m.source.SetTargetTorque(torque)
	if m.err == nil {
		m.torque = torque
	}
	return m
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.quitting = true
			return m, tea.Quit
		case "up", "k", "+":
			m = m.setTorque(m.torque + torqueStep)
		case "down", "j", "-":
			m = m.setTorque(m.torque - torqueStep)
		case "0", " ":
			m = m.setTorque(0)
		}
	case monitorTickMsg:
		m.snapshot, m.err = m.source.Snapshot()
		return m, monitorTickCmd()
	}
	return m, nil
}

func (m monitorModel) View() string {
	if m.quitting {
		return ""
	}
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)
	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Width(18)
	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))
	warnStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))
	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)
	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)
	helpStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	s := m.snapshot
	stateStyle := warnStyle
	switch s.DriveState {
	case cia402.StateOperationEnabled:
		stateStyle = valueStyle
	case cia402.StateFault, cia402.StateFaultReactionActive:
		stateStyle = errorStyle
	}
	row := func(label string, value string, style lipgloss.Style) string {
		return lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render(label), style.Render(value))
	}
	comm := valueStyle.Render("OK")
	if !s.CommunicationOK {
		comm = errorStyle.Render("DEGRADED")
	}
	rows := []string{
		row("Drive state", s.DriveState.String(), stateStyle),
		row("Status word", fmt.Sprintf("x%04x", s.StatusWord), valueStyle),
		lipgloss.JoinHorizontal(lipgloss.Top, labelStyle.Render("Communication"), comm),
		row("Cycles", fmt.Sprintf("%d (%d degraded)", s.Cycles, s.DegradedCycles), valueStyle),
		"",
		row("Target torque", fmt.Sprintf("%+.2f", s.TargetTorque), valueStyle),
		row("Actual torque", fmt.Sprintf("%d", s.TorqueActual), valueStyle),
		row("Position", fmt.Sprintf("%d", s.Position), valueStyle),
		row("Velocity", fmt.Sprintf("%d", s.Velocity), valueStyle),
	}
	body := boxStyle.Render(lipgloss.JoinVertical(lipgloss.Left, rows...))
	view := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("servoctl monitor : "+m.source.Describe()),
		body,
	)
	if m.err != nil {
		view = lipgloss.JoinVertical(lipgloss.Left, view, errorStyle.Render(m.err.Error()))
	}
	return view + "\n" + helpStyle.Render("↑/↓ torque  0 zero  q quit") + "\n"
}

func runMonitor(cmd *cobra.Command, args []string) error {
	s, err := loadSettings(cmd)
	if err != nil {
		return err
	}
	if maxTorque <= 0 {
		return fmt.Errorf("invalid max torque %v", maxTorque)
	}

	var source driveSource
	if remoteURL != "" {
		source, err = newRemoteSource(cmd.Context(), remoteURL, s.Master.Slave)
		if err != nil {
			return err
		}
	} else {
		ctrl, err := newController(s)
		if err != nil {
			return err
		}
		// Logs would tear the terminal UI
		log.SetLevel(log.ErrorLevel)
		err = ctrl.Initialize(context.Background(), s.Master.Interface)
		if err != nil {
			return err
		}
		source = &localSource{ctrl: ctrl, name: fmt.Sprintf("%v:%v slave %d", s.Master.Driver, s.Master.Interface, s.Master.Slave)}
	}
	defer source.Close()

	_, err = tea.NewProgram(monitorModel{source: source}, tea.WithAltScreen()).Run()
	if err != nil {
		return err
	}
	// Leave the drive without torque on exit
	return source.SetTargetTorque(0)
}
