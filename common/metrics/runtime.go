package metrics

import (
	"os"
	"runtime"
	"strings"
	"time"
)

// RuntimeInfo is a snapshot of the host a service runs on, logged once at
// startup so task timings can be read against the hardware behind them.
type RuntimeInfo struct {
	Hostname         string
	OS               string
	Arch             string
	CPULogical       int
	GoVersion        string
	InContainer      bool
	ContainerRuntime string
}

// CaptureRuntimeInfo gathers host information
func CaptureRuntimeInfo() *RuntimeInfo {
	info := &RuntimeInfo{
		OS:         runtime.GOOS,
		Arch:       runtime.GOARCH,
		CPULogical: runtime.NumCPU(),
		GoVersion:  runtime.Version(),
	}

	if hostname, err := os.Hostname(); err == nil {
		info.Hostname = hostname
	} else {
		info.Hostname = "unknown"
	}

	info.InContainer, info.ContainerRuntime = detectContainer()

	return info
}

// Fields returns the snapshot as logger key-value pairs
func (i *RuntimeInfo) Fields() []any {
	return []any{
		"hostname", i.Hostname,
		"os", i.OS,
		"arch", i.Arch,
		"cpu_logical", i.CPULogical,
		"go_version", i.GoVersion,
		"in_container", i.InContainer,
	}
}

// detectContainer checks if running in a container
func detectContainer() (bool, string) {
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true, "docker"
	}

	if _, err := os.Stat("/var/run/secrets/kubernetes.io"); err == nil {
		return true, "kubernetes"
	}

	if data, err := os.ReadFile("/proc/1/cgroup"); err == nil {
		content := string(data)
		if strings.Contains(content, "docker") {
			return true, "docker"
		}
		if strings.Contains(content, "kubepods") {
			return true, "kubernetes"
		}
		if strings.Contains(content, "containerd") {
			return true, "containerd"
		}
	}

	return false, ""
}

// TaskStats snapshots process load as logger key-value pairs, logged around
// task execution.
func TaskStats() []any {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return []any{
		"goroutines", runtime.NumGoroutine(),
		"heap_alloc_mb", float64(m.HeapAlloc) / (1 << 20),
	}
}

// Timer measures a single operation
type Timer struct {
	start time.Time
}

// StartTimer begins timing an operation
func StartTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ElapsedMs returns elapsed milliseconds since the timer started
func (t *Timer) ElapsedMs() int64 {
	return time.Since(t.start).Milliseconds()
}
