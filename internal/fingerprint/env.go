package fingerprint

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"
)

// AppName and AppVersion identify the hosting application inside the
// fingerprint. Overridden at build time with -ldflags.
var (
	AppName    = "posguard"
	AppVersion = "dev"
)

// hostEnvironment reads attributes from the operating system.
type hostEnvironment struct{}

// HostEnvironment returns the production Environment backed by the OS.
func HostEnvironment() Environment {
	return hostEnvironment{}
}

func (hostEnvironment) DeviceIdentity() map[string]string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "unknown-host"
	}
	return map[string]string{
		"hostname": strings.ToLower(strings.TrimSpace(hostname)),
		"os":       runtime.GOOS,
		"arch":     runtime.GOARCH,
		"cpus":     fmt.Sprintf("%d", runtime.NumCPU()),
	}
}

func (hostEnvironment) AppIdentity() map[string]string {
	return map[string]string{
		"name":    AppName,
		"version": AppVersion,
	}
}

func (hostEnvironment) Locale() map[string]string {
	zone, offset := time.Now().Zone()
	lang := os.Getenv("LANG")
	if lang == "" {
		lang = "unknown"
	}
	return map[string]string{
		"timezone":  zone,
		"utcoffset": fmt.Sprintf("%d", offset),
		"locale":    lang,
	}
}

func (hostEnvironment) BootTime() string {
	// Linux exposes the boot epoch in /proc/stat; other hosts fall back
	// to a stable placeholder so the layer never churns across restarts.
	data, err := os.ReadFile("/proc/stat")
	if err == nil {
		for _, line := range strings.Split(string(data), "\n") {
			if strings.HasPrefix(line, "btime ") {
				return strings.TrimSpace(strings.TrimPrefix(line, "btime "))
			}
		}
	}
	return "boot-unknown"
}

func (hostEnvironment) Display() map[string]string {
	// POS terminals report display characteristics through the host
	// application; headless builds contribute a stable placeholder.
	display := os.Getenv("POSGUARD_DISPLAY")
	if display == "" {
		display = "headless"
	}
	return map[string]string{"display": display}
}
