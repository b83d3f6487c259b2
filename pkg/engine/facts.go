package engine

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// HostFacts is what the first bootstrap step learns about a host.
type HostFacts struct {
	Architecture string `json:"architecture"`
	OS           string `json:"os"`
	Kernel       string `json:"kernel"`
	Hostname     string `json:"hostname"`
	CPUCores     int    `json:"cpu_cores"`
	MemoryBytes  int64  `json:"memory_bytes"`
}

// factsCommand prints one key=value pair per line. Missing tools leave their
// key out rather than failing the probe.
const factsCommand = `echo "arch=$(uname -m)"; echo "kernel=$(uname -r)"; echo "hostname=$(hostname)"; ` +
	`echo "cores=$(nproc 2>/dev/null || grep -c ^processor /proc/cpuinfo)"; ` +
	`awk '/^MemTotal:/ { printf "memory=%d\n", $2*1024 }' /proc/meminfo; ` +
	`. /etc/os-release 2>/dev/null && echo "os=$ID $VERSION_ID"; true`

// CollectFacts runs the facts probe on host.
func (d *Deps) CollectFacts(ctx context.Context, host *Host, timeout time.Duration) (*HostFacts, error) {
	result, err := d.runStep(ctx, host, command("collecting_facts", "%s", factsCommand), timeout)
	if err != nil {
		return nil, err
	}
	return ParseFacts(result.Stdout), nil
}

// ParseFacts reads the output of the facts probe. Unknown keys and malformed
// lines are ignored.
func ParseFacts(output string) *HostFacts {
	facts := &HostFacts{}
	for _, line := range strings.Split(output, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch key {
		case "arch":
			facts.Architecture = normalizeArchitecture(value)
		case "kernel":
			facts.Kernel = value
		case "hostname":
			facts.Hostname = value
		case "cores":
			facts.CPUCores, _ = strconv.Atoi(value)
		case "memory":
			facts.MemoryBytes, _ = strconv.ParseInt(value, 10, 64)
		case "os":
			facts.OS = value
		}
	}
	return facts
}

// normalizeArchitecture maps uname output to GOARCH names.
func normalizeArchitecture(arch string) string {
	switch arch {
	case "x86_64", "amd64":
		return "amd64"
	case "aarch64", "arm64":
		return "arm64"
	case "i386", "i686", "x86":
		return "386"
	case "armv7l", "armv7":
		return "arm"
	default:
		return arch
	}
}
