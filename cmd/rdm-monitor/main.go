package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("86"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("170")).
			Bold(true).
			PaddingLeft(2)

	normalStyle = lipgloss.NewStyle().
			PaddingLeft(4)

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196")).
			Bold(true)

	successStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42")).
			Bold(true)

	promptStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("205")).
			Bold(true)

	offlineStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))
)

type step int

const (
	stepEnteringUsername step = iota
	stepEnteringPassword
	stepLoggingIn
	stepDashboard
	stepEnteringCommand
)

type device struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	Status   string `json:"status"`
	LastSeen string `json:"last_seen"`
}

type deviceStats struct {
	DeviceID     string  `json:"device_id"`
	CPUUsage     float64 `json:"cpu_usage"`
	MemoryUsage  float64 `json:"memory_usage"`
	StorageUsage float64 `json:"storage_usage"`
	BatteryLevel float64 `json:"battery_level"`
}

type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

type model struct {
	baseURL      string
	step         step
	username     string
	password     string
	token        string
	currentInput string
	devices      []device
	stats        map[string]deviceStats
	cursor       int
	message      string
	quitting     bool
}

type loginSuccessMsg struct{ token string }
type fleetMsg struct {
	devices []device
	stats   []deviceStats
}
type commandSentMsg struct{ commandID string }
type refreshTickMsg struct{}
type errMsg struct{ err error }

func (e errMsg) Error() string { return e.err.Error() }

func initialModel() model {
	base := os.Getenv("RDM_SERVER_URL")
	if base == "" {
		base = "http://localhost:8443"
	}
	return model{
		baseURL: strings.TrimRight(base, "/"),
		step:    stepEnteringUsername,
		stats:   map[string]deviceStats{},
	}
}

func (m model) Init() tea.Cmd {
	return nil
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKey(msg)

	case loginSuccessMsg:
		m.token = msg.token
		m.step = stepDashboard
		m.message = ""
		return m, tea.Batch(fetchFleet(m.baseURL, m.token), refreshTick())

	case fleetMsg:
		m.devices = msg.devices
		m.stats = map[string]deviceStats{}
		for _, s := range msg.stats {
			m.stats[s.DeviceID] = s
		}
		if m.cursor >= len(m.devices) {
			m.cursor = 0
		}
		return m, nil

	case refreshTickMsg:
		if m.step != stepDashboard && m.step != stepEnteringCommand {
			return m, nil
		}
		return m, tea.Batch(fetchFleet(m.baseURL, m.token), refreshTick())

	case commandSentMsg:
		m.message = successStyle.Render("command " + msg.commandID + " submitted")
		return m, nil

	case errMsg:
		m.message = errorStyle.Render(msg.Error())
		if m.step == stepLoggingIn {
			m.step = stepEnteringUsername
			m.username = ""
			m.currentInput = ""
		}
		return m, nil
	}
	return m, nil
}

func (m model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	}

	switch m.step {
	case stepEnteringUsername:
		switch msg.String() {
		case "enter":
			if m.currentInput != "" {
				m.username = m.currentInput
				m.currentInput = ""
				m.step = stepEnteringPassword
			}
		case "backspace":
			m.currentInput = trimLast(m.currentInput)
		default:
			m.currentInput += msg.String()
		}

	case stepEnteringPassword:
		switch msg.String() {
		case "enter":
			if m.currentInput != "" {
				m.password = m.currentInput
				m.currentInput = ""
				m.step = stepLoggingIn
				return m, login(m.baseURL, m.username, m.password)
			}
		case "backspace":
			m.currentInput = trimLast(m.currentInput)
		default:
			m.currentInput += msg.String()
		}

	case stepDashboard:
		switch msg.String() {
		case "q":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.devices)-1 {
				m.cursor++
			}
		case "c":
			if len(m.devices) > 0 {
				m.step = stepEnteringCommand
				m.currentInput = ""
				m.message = ""
			}
		case "r":
			return m, fetchFleet(m.baseURL, m.token)
		}

	case stepEnteringCommand:
		switch msg.String() {
		case "esc":
			m.step = stepDashboard
			m.currentInput = ""
		case "enter":
			if m.currentInput != "" && m.cursor < len(m.devices) {
				cmdText := m.currentInput
				target := m.devices[m.cursor].ID
				m.currentInput = ""
				m.step = stepDashboard
				return m, sendCommand(m.baseURL, m.token, target, cmdText)
			}
		case "backspace":
			m.currentInput = trimLast(m.currentInput)
		default:
			if msg.String() == "space" {
				m.currentInput += " "
			} else {
				m.currentInput += msg.String()
			}
		}
	}
	return m, nil
}

func (m model) View() string {
	if m.quitting {
		return "bye\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("RDM Fleet Monitor"))
	b.WriteString("\n")

	switch m.step {
	case stepEnteringUsername:
		b.WriteString(promptStyle.Render("Username: "))
		b.WriteString(m.currentInput + "█\n")
	case stepEnteringPassword:
		b.WriteString(promptStyle.Render("Password: "))
		b.WriteString(strings.Repeat("*", len(m.currentInput)) + "█\n")
	case stepLoggingIn:
		b.WriteString("Logging in...\n")
	case stepDashboard, stepEnteringCommand:
		m.renderFleet(&b)
		if m.step == stepEnteringCommand && m.cursor < len(m.devices) {
			b.WriteString("\n")
			b.WriteString(promptStyle.Render(fmt.Sprintf("Command for %s: ", m.devices[m.cursor].ID)))
			b.WriteString(m.currentInput + "█\n")
		} else {
			b.WriteString(offlineStyle.Render("\n[j/k] select  [c] command  [r] refresh  [q] quit\n"))
		}
	}

	if m.message != "" {
		b.WriteString("\n" + m.message + "\n")
	}
	return b.String()
}

func (m model) renderFleet(b *strings.Builder) {
	b.WriteString(headerStyle.Render(fmt.Sprintf("%-24s %-16s %-8s %6s %6s %6s %6s", "DEVICE", "MODEL", "STATUS", "CPU%", "MEM%", "DISK%", "BAT%")))
	b.WriteString("\n")
	if len(m.devices) == 0 {
		b.WriteString(normalStyle.Render("no devices\n"))
		return
	}
	for i, d := range m.devices {
		name := d.Name
		if name == "" {
			name = d.ID
		}
		line := fmt.Sprintf("%-24s %-16s %-8s", clip(name, 24), clip(d.Model, 16), d.Status)
		if s, found := m.stats[d.ID]; found {
			line += fmt.Sprintf(" %6.1f %6.1f %6.1f %6.1f", s.CPUUsage, s.MemoryUsage, s.StorageUsage, s.BatteryLevel)
		} else {
			line += fmt.Sprintf(" %6s %6s %6s %6s", "-", "-", "-", "-")
		}
		switch {
		case i == m.cursor:
			b.WriteString(selectedStyle.Render("> " + line))
		case d.Status != "online":
			b.WriteString(offlineStyle.Render("  " + line))
		default:
			b.WriteString(normalStyle.Render(line))
		}
		b.WriteString("\n")
	}
}

func login(baseURL, username, password string) tea.Cmd {
	return func() tea.Msg {
		body, _ := json.Marshal(map[string]string{"username": username, "password": password})
		resp, err := http.Post(baseURL+"/api/auth/login", "application/json", bytes.NewReader(body))
		if err != nil {
			return errMsg{err}
		}
		defer resp.Body.Close()
		var envelope apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return errMsg{err}
		}
		if !envelope.Success {
			return errMsg{fmt.Errorf("login failed: %s", envelope.Error)}
		}
		var data struct {
			Token string `json:"token"`
		}
		if err := json.Unmarshal(envelope.Data, &data); err != nil {
			return errMsg{err}
		}
		return loginSuccessMsg{token: data.Token}
	}
}

func fetchFleet(baseURL, token string) tea.Cmd {
	return func() tea.Msg {
		var devicesData struct {
			Devices []device `json:"devices"`
		}
		if err := getJSON(baseURL+"/api/v1/devices", token, &devicesData); err != nil {
			return errMsg{err}
		}
		var statsData struct {
			Stats []deviceStats `json:"stats"`
		}
		if err := getJSON(baseURL+"/api/v1/stats", token, &statsData); err != nil {
			return errMsg{err}
		}
		return fleetMsg{devices: devicesData.Devices, stats: statsData.Stats}
	}
}

func sendCommand(baseURL, token, deviceID, command string) tea.Cmd {
	return func() tea.Msg {
		body, _ := json.Marshal(map[string]any{"device_id": deviceID, "command": command, "sudo": false})
		req, err := http.NewRequest(http.MethodPost, baseURL+"/api/v1/commands", bytes.NewReader(body))
		if err != nil {
			return errMsg{err}
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+token)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return errMsg{err}
		}
		defer resp.Body.Close()
		var envelope apiResponse
		if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
			return errMsg{err}
		}
		if !envelope.Success {
			return errMsg{fmt.Errorf("command rejected: %s", envelope.Error)}
		}
		var data struct {
			CommandID string `json:"command_id"`
		}
		_ = json.Unmarshal(envelope.Data, &data)
		return commandSentMsg{commandID: data.CommandID}
	}
}

func getJSON(url, token string, out any) error {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	var envelope apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return err
	}
	if !envelope.Success {
		return fmt.Errorf("request failed: %s", envelope.Error)
	}
	return json.Unmarshal(envelope.Data, out)
}

func refreshTick() tea.Cmd {
	return tea.Tick(2*time.Second, func(time.Time) tea.Msg {
		return refreshTickMsg{}
	})
}

func trimLast(s string) string {
	if s == "" {
		return s
	}
	runes := []rune(s)
	return string(runes[:len(runes)-1])
}

func clip(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

func main() {
	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
