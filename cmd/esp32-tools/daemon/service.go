// Package daemon installs the gateway as a systemd or launchd service.
package daemon

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"text/template"

	"esp32-tools/internal/domain"
)

const launchdPrefix = "io.esp32-tools."

// ServiceConfig holds parameters for service installation.
type ServiceConfig struct {
	Name       string
	BinaryPath string
	ConfigPath string
	Addr       string // gateway listen address; empty = config default
	WorkDir    string
	User       string
	Group      string // supplementary group granting serial access
	LogPath    string
	HomeDir    string
}

// ServiceStatus holds the status of an installed service.
type ServiceStatus struct {
	Running bool
	PID     int
}

// Runner executes a service manager command and returns its combined output.
type Runner func(name string, args ...string) ([]byte, error)

func execRunner(name string, args ...string) ([]byte, error) {
	return exec.Command(name, args...).CombinedOutput()
}

// Manager installs, removes and queries the service.
type Manager struct {
	goos    string
	unitDir string // systemd unit directory
	agents  string // launchd LaunchAgents directory
	run     Runner
}

// NewManager returns a Manager for the running platform.
func NewManager() *Manager {
	home, _ := os.UserHomeDir()
	return &Manager{
		goos:    runtime.GOOS,
		unitDir: "/etc/systemd/system",
		agents:  filepath.Join(home, "Library", "LaunchAgents"),
		run:     execRunner,
	}
}

// DefaultConfig returns a ServiceConfig with auto-detected defaults.
func DefaultConfig() ServiceConfig {
	const name = "esp32-tools"
	binary, _ := os.Executable()
	if binary == "" {
		binary = "/usr/local/bin/" + name
	}

	username, homeDir := "root", "/root"
	if u, err := user.Current(); err == nil {
		username, homeDir = u.Username, u.HomeDir
	}
	group := "dialout"
	if runtime.GOOS == "darwin" {
		group = ""
	}

	return ServiceConfig{
		Name:       name,
		BinaryPath: binary,
		ConfigPath: filepath.Join(homeDir, ".config", name, "esp32-tools.yaml"),
		WorkDir:    filepath.Join(homeDir, ".local", "share", name),
		User:       username,
		Group:      group,
		LogPath:    filepath.Join(homeDir, ".local", "share", name, "logs"),
		HomeDir:    homeDir,
	}
}

// Validate checks the ServiceConfig for correctness.
func (c *ServiceConfig) Validate() error {
	if c.Name == "" {
		return domain.NewDomainError("daemon.Validate", domain.ErrInvalidInput, "service name is required")
	}
	if strings.ContainsAny(c.Name, "/ \t\n") {
		return domain.NewDomainError("daemon.Validate", domain.ErrInvalidInput, fmt.Sprintf("invalid service name %q", c.Name))
	}
	if c.BinaryPath == "" {
		return domain.NewDomainError("daemon.Validate", domain.ErrInvalidInput, "binary path is required")
	}
	info, err := os.Stat(c.BinaryPath)
	if err != nil {
		return fmt.Errorf("binary %q: %w", c.BinaryPath, err)
	}
	if info.Mode()&0o111 == 0 {
		return domain.NewDomainError("daemon.Validate", domain.ErrInvalidInput, fmt.Sprintf("binary %q is not executable", c.BinaryPath))
	}
	return nil
}

// Args returns the command line the service runs.
func (c ServiceConfig) Args() []string {
	args := []string{c.BinaryPath, "--config", c.ConfigPath, "web"}
	if c.Addr != "" {
		args = append(args, "--addr", c.Addr)
	}
	return args
}

// Install writes the service definition and starts it.
func (m *Manager) Install(cfg ServiceConfig) (string, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	for _, dir := range []string{cfg.LogPath, cfg.WorkDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("create %s: %w", dir, err)
		}
	}
	switch m.goos {
	case "linux":
		return m.installSystemd(cfg)
	case "darwin":
		return m.installLaunchd(cfg)
	default:
		return "", fmt.Errorf("unsupported platform: %s", m.goos)
	}
}

// Uninstall stops the service and removes its definition.
func (m *Manager) Uninstall(name string) error {
	switch m.goos {
	case "linux":
		return m.uninstallSystemd(name)
	case "darwin":
		return m.uninstallLaunchd(name)
	default:
		return fmt.Errorf("unsupported platform: %s", m.goos)
	}
}

// Status reports whether the service is running.
func (m *Manager) Status(name string) (*ServiceStatus, error) {
	switch m.goos {
	case "linux":
		return m.statusSystemd(name), nil
	case "darwin":
		return m.statusLaunchd(name), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", m.goos)
	}
}

// Render returns the service definition for the manager's platform.
func (m *Manager) Render(cfg ServiceConfig) (string, error) {
	if m.goos == "darwin" {
		return RenderLaunchdPlist(cfg)
	}
	return RenderSystemdUnit(cfg)
}

// --- systemd ---

var systemdTemplate = template.Must(template.New("systemd").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`[Unit]
Description={{.Name}} ESP32 gateway
After=network-online.target
Wants=network-online.target

[Service]
Type=simple
ExecStart={{join .Args " "}}
WorkingDirectory={{.WorkDir}}
User={{.User}}
{{- if .Group}}
SupplementaryGroups={{.Group}}
{{- end}}
Restart=on-failure
RestartSec=5
StandardOutput=append:{{.LogPath}}/{{.Name}}.log
StandardError=append:{{.LogPath}}/{{.Name}}.log
Environment=HOME={{.HomeDir}}

[Install]
WantedBy=multi-user.target
`))

// RenderSystemdUnit renders the systemd service file content.
func RenderSystemdUnit(cfg ServiceConfig) (string, error) {
	var buf bytes.Buffer
	if err := systemdTemplate.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (m *Manager) installSystemd(cfg ServiceConfig) (string, error) {
	content, err := RenderSystemdUnit(cfg)
	if err != nil {
		return "", err
	}
	unitPath := filepath.Join(m.unitDir, cfg.Name+".service")
	if err := os.WriteFile(unitPath, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write unit file: %w", err)
	}
	for _, args := range [][]string{
		{"systemctl", "daemon-reload"},
		{"systemctl", "enable", cfg.Name},
		{"systemctl", "start", cfg.Name},
	} {
		if out, err := m.run(args[0], args[1:]...); err != nil {
			return "", fmt.Errorf("%s: %s: %w", strings.Join(args, " "), bytes.TrimSpace(out), err)
		}
	}
	return unitPath, nil
}

func (m *Manager) uninstallSystemd(name string) error {
	// best effort: the unit may already be stopped or disabled
	m.run("systemctl", "stop", name)
	m.run("systemctl", "disable", name)

	unitPath := filepath.Join(m.unitDir, name+".service")
	if err := os.Remove(unitPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove unit file: %w", err)
	}
	m.run("systemctl", "daemon-reload")
	return nil
}

func (m *Manager) statusSystemd(name string) *ServiceStatus {
	out, _ := m.run("systemctl", "is-active", name)
	status := &ServiceStatus{Running: strings.TrimSpace(string(out)) == "active"}
	if !status.Running {
		return status
	}
	if pidOut, err := m.run("systemctl", "show", "--property=MainPID", name); err == nil {
		if _, pid, ok := strings.Cut(strings.TrimSpace(string(pidOut)), "="); ok {
			status.PID, _ = strconv.Atoi(pid)
		}
	}
	return status
}

// --- launchd ---

var launchdTemplate = template.Must(template.New("launchd").Parse(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>` + launchdPrefix + `{{.Name}}</string>
    <key>ProgramArguments</key>
    <array>
{{- range .Args}}
        <string>{{.}}</string>
{{- end}}
    </array>
    <key>WorkingDirectory</key>
    <string>{{.WorkDir}}</string>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <true/>
    <key>StandardOutPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>StandardErrorPath</key>
    <string>{{.LogPath}}/{{.Name}}.log</string>
    <key>EnvironmentVariables</key>
    <dict>
        <key>HOME</key>
        <string>{{.HomeDir}}</string>
    </dict>
</dict>
</plist>
`))

// RenderLaunchdPlist renders the launchd plist content.
func RenderLaunchdPlist(cfg ServiceConfig) (string, error) {
	var buf bytes.Buffer
	if err := launchdTemplate.Execute(&buf, cfg); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func (m *Manager) plistPath(name string) string {
	return filepath.Join(m.agents, launchdPrefix+name+".plist")
}

func (m *Manager) installLaunchd(cfg ServiceConfig) (string, error) {
	content, err := RenderLaunchdPlist(cfg)
	if err != nil {
		return "", err
	}
	path := m.plistPath(cfg.Name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create LaunchAgents dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write plist: %w", err)
	}
	if out, err := m.run("launchctl", "load", path); err != nil {
		return "", fmt.Errorf("launchctl load: %s: %w", bytes.TrimSpace(out), err)
	}
	return path, nil
}

func (m *Manager) uninstallLaunchd(name string) error {
	path := m.plistPath(name)
	m.run("launchctl", "unload", path)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove plist: %w", err)
	}
	return nil
}

func (m *Manager) statusLaunchd(name string) *ServiceStatus {
	out, err := m.run("launchctl", "list", launchdPrefix+name)
	if err != nil {
		return &ServiceStatus{}
	}
	status := &ServiceStatus{Running: true}
	for _, line := range strings.Split(string(out), "\n") {
		if !strings.Contains(line, `"PID"`) {
			continue
		}
		// "PID" = 1234;
		if _, v, ok := strings.Cut(line, "="); ok {
			status.PID, _ = strconv.Atoi(strings.Trim(strings.TrimSpace(v), ";"))
		}
	}
	return status
}
