// Package hostinfo collects the agent's periodic identity and
// inventory report: hostname, OS/kernel/arch, CPU count, memory,
// uptime, local IP, and the set of application versions discovered by
// scanning a configured directory.
//
// The raw syscall probing (kernel release via uname(2), memory and
// uptime via sysinfo(2)) goes through golang.org/x/sys/unix rather
// than the standard library's syscall package. Collect never returns
// an error: a heartbeat with a few zero-valued fields is preferable to
// a missed heartbeat.
package hostinfo

import (
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/opsfleet/controlplane/internal/wire"
)

// Collector gathers HostInfo snapshots for one agent across its
// lifetime, tracking the monotonically increasing heartbeat counter.
type Collector struct {
	agentID    string
	appScanDir string
	heartbeat  uint64
}

// New creates a Collector for agentID. appScanDir is scanned for
// application version files on every Collect call; pass "" to disable
// the scan.
func New(agentID, appScanDir string) *Collector {
	return &Collector{agentID: agentID, appScanDir: appScanDir}
}

// Collect returns the next HostInfo snapshot, incrementing the
// heartbeat counter. The first call after New returns heartbeat 1.
func (c *Collector) Collect(now time.Time) wire.HostInfo {
	c.heartbeat++

	hostname, _ := os.Hostname()
	memory, uptime := probeSysinfo()

	return wire.NewHostInfo(wire.HostInfo{
		AgentID:     c.agentID,
		Hostname:    hostname,
		OSKind:      runtime.GOOS,
		OSVersion:   osVersion(),
		Kernel:      kernelRelease(),
		Arch:        runtime.GOARCH,
		CPUCount:    runtime.NumCPU(),
		TotalMemory: memory,
		LocalIP:     localIP(),
		UptimeSecs:  uptime,
		Heartbeat:   c.heartbeat,
		SentAt:      now.UTC().Format(time.RFC3339),
		AppVersions: scanAppVersions(c.appScanDir),
	})
}

// kernelRelease returns the kernel release string from uname(2), or
// "" on platforms where that syscall is unavailable.
func kernelRelease() string {
	var utsname unix.Utsname
	if err := unix.Uname(&utsname); err != nil {
		return ""
	}
	return utsNameToString(utsname.Release)
}

func utsNameToString(field [65]byte) string {
	end := 0
	for end < len(field) && field[end] != 0 {
		end++
	}
	return string(field[:end])
}

// osVersion reads /etc/os-release's PRETTY_NAME when available; it is
// intentionally best-effort and returns "" on any failure.
func osVersion() string {
	data, err := os.ReadFile("/etc/os-release")
	if err != nil {
		return ""
	}
	for _, line := range strings.Split(string(data), "\n") {
		if value, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(value, `"`)
		}
	}
	return ""
}

// probeSysinfo returns total memory in bytes and uptime in seconds
// from sysinfo(2).
func probeSysinfo() (totalMemory uint64, uptimeSecs int64) {
	var info unix.Sysinfo_t
	if err := unix.Sysinfo(&info); err != nil {
		return 0, 0
	}
	unit := uint64(info.Unit)
	if unit == 0 {
		unit = 1
	}
	return uint64(info.Totalram) * unit, int64(info.Uptime)
}

// localIP returns the first non-loopback IPv4 address found on any
// interface, or "" if none is found.
func localIP() string {
	addrs, err := net.InterfaceAddrs()
	if err != nil {
		return ""
	}
	for _, addr := range addrs {
		ipNet, ok := addr.(*net.IPNet)
		if !ok || ipNet.IP.IsLoopback() {
			continue
		}
		if ipv4 := ipNet.IP.To4(); ipv4 != nil {
			return ipv4.String()
		}
	}
	return ""
}

// scanAppVersions walks dir (non-recursively) for VERSION files and
// <name>.version files, each expected to contain a single version
// string on its first line. Entries are opaque {name, version} pairs;
// this function never returns an error, matching the collector's
// never-fail contract, an unreadable or absent directory simply
// yields no entries.
func scanAppVersions(dir string) []wire.AppVersion {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var versions []wire.AppVersion
	for _, entry := range entries {
		if entry.IsDir() {
			versionPath := filepath.Join(dir, entry.Name(), "VERSION")
			if version, ok := readFirstLine(versionPath); ok {
				versions = append(versions, wire.AppVersion{Name: entry.Name(), Version: version})
			}
			continue
		}
		if name, ok := strings.CutSuffix(entry.Name(), ".version"); ok {
			if version, ok := readFirstLine(filepath.Join(dir, entry.Name())); ok {
				versions = append(versions, wire.AppVersion{Name: name, Version: version})
			}
		}
	}
	return versions
}

func readFirstLine(path string) (string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	line := strings.TrimSpace(strings.SplitN(string(data), "\n", 2)[0])
	if line == "" {
		return "", false
	}
	return line, true
}
