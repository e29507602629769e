// Package autostart registers the forecast watcher to start at login
package autostart

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

const (
	appName        = "cgm-data"
	appDisplayName = "CGM Forecast Watcher"

	// OS constants
	osLinux   = "linux"
	osWindows = "windows"
	osDarwin  = "darwin"
)

// Command returns the command line started at login: the running
// executable followed by args.
func Command(args ...string) ([]string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return nil, err
	}
	return append([]string{execPath}, args...), nil
}

// IsEnabled checks if auto-start is enabled
func IsEnabled() (bool, error) {
	switch runtime.GOOS {
	case osLinux:
		return isEnabledLinux()
	case osWindows:
		return isEnabledWindows()
	case osDarwin:
		return isEnabledMacOS()
	default:
		return false, fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Enable starts command at every login
func Enable(command []string) error {
	if len(command) == 0 {
		return fmt.Errorf("empty autostart command")
	}
	switch runtime.GOOS {
	case osLinux:
		return enableLinux(command)
	case osWindows:
		return enableWindows(command)
	case osDarwin:
		return enableMacOS(command)
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// Disable disables auto-start
func Disable() error {
	switch runtime.GOOS {
	case osLinux:
		return disableLinux()
	case osWindows:
		return disableWindows()
	case osDarwin:
		return disableMacOS()
	default:
		return fmt.Errorf("unsupported platform: %s", runtime.GOOS)
	}
}

// quoteArgs joins a command for Exec= lines and the Run registry key
func quoteArgs(command []string) string {
	parts := make([]string, len(command))
	for i, arg := range command {
		if strings.ContainsAny(arg, " \t\"") {
			arg = `"` + strings.ReplaceAll(arg, `"`, `\"`) + `"`
		}
		parts[i] = arg
	}
	return strings.Join(parts, " ")
}

// Linux implementation using XDG autostart
func getLinuxAutostartPath() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "autostart", appName+".desktop"), nil
}

func isEnabledLinux() (bool, error) {
	path, err := getLinuxAutostartPath()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	return err == nil, nil
}

func desktopEntry(command []string) string {
	return fmt.Sprintf(`[Desktop Entry]
Type=Application
Name=%s
Exec=%s
Comment=Glucose forecast alerts
Categories=Utility;
Terminal=false
StartupNotify=false
X-GNOME-Autostart-enabled=true
`, appDisplayName, quoteArgs(command))
}

func enableLinux(command []string) error {
	path, err := getLinuxAutostartPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(desktopEntry(command)), 0600)
}

func disableLinux() error {
	path, err := getLinuxAutostartPath()
	if err != nil {
		return err
	}
	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// Windows implementation using registry
func isEnabledWindows() (bool, error) {
	cmd := exec.Command("reg", "query",
		`HKCU\Software\Microsoft\Windows\CurrentVersion\Run`,
		"/v", appName)
	err := cmd.Run()
	return err == nil, nil
}

func enableWindows(command []string) error {
	//nolint:gosec // G204: the command is built from os.Executable() and fixed flags
	cmd := exec.Command("reg", "add",
		`HKCU\Software\Microsoft\Windows\CurrentVersion\Run`,
		"/v", appName,
		"/t", "REG_SZ",
		"/d", quoteArgs(command),
		"/f")
	return cmd.Run()
}

func disableWindows() error {
	cmd := exec.Command("reg", "delete",
		`HKCU\Software\Microsoft\Windows\CurrentVersion\Run`,
		"/v", appName,
		"/f")
	err := cmd.Run()
	if err != nil && strings.Contains(err.Error(), "not exist") {
		return nil
	}
	return err
}

// macOS implementation using LaunchAgents
func getMacOSLaunchAgentPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, "Library", "LaunchAgents", "com."+appName+".plist"), nil
}

func isEnabledMacOS() (bool, error) {
	path, err := getMacOSLaunchAgentPath()
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	return err == nil, nil
}

func launchAgentPlist(command []string) string {
	var args strings.Builder
	for _, arg := range command {
		fmt.Fprintf(&args, "        <string>%s</string>\n", arg)
	}
	return fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
    <key>Label</key>
    <string>com.%s</string>
    <key>ProgramArguments</key>
    <array>
%s    </array>
    <key>RunAtLoad</key>
    <true/>
    <key>KeepAlive</key>
    <false/>
</dict>
</plist>
`, appName, args.String())
}

func enableMacOS(command []string) error {
	path, err := getMacOSLaunchAgentPath()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return err
	}

	return os.WriteFile(path, []byte(launchAgentPlist(command)), 0600)
}

func disableMacOS() error {
	path, err := getMacOSLaunchAgentPath()
	if err != nil {
		return err
	}

	// Unload the agent first (ignore errors as the file may not be loaded)
	//nolint:gosec // G204: path comes from getMacOSLaunchAgentPath(), not user input
	_ = exec.Command("launchctl", "unload", path).Run()

	err = os.Remove(path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
