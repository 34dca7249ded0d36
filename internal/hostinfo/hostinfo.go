// Package hostinfo describes the machine a host runs on. The description
// feeds owner identities, address book entries and the telemetry resource.
package hostinfo

import (
	"context"
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"go.opentelemetry.io/otel/attribute"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Info is a static description of the local machine.
type Info struct {
	Hostname        string
	OS              string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	Arch            string
	HostID          string
	CPUs            int
	MemoryTotal     uint64
	PID             int
}

// Collect gathers Info. Fields gopsutil cannot resolve fall back to what the
// Go runtime knows, so Collect only fails when even the hostname is missing.
func Collect(ctx context.Context) (Info, error) {
	info := Info{
		OS:   runtime.GOOS,
		Arch: runtime.GOARCH,
		CPUs: runtime.NumCPU(),
		PID:  os.Getpid(),
	}
	if stat, err := host.InfoWithContext(ctx); err == nil && stat != nil {
		info.Hostname = stat.Hostname
		if stat.OS != "" {
			info.OS = stat.OS
		}
		info.Platform = stat.Platform
		info.PlatformVersion = stat.PlatformVersion
		info.KernelVersion = stat.KernelVersion
		if stat.KernelArch != "" {
			info.Arch = stat.KernelArch
		}
		info.HostID = stat.HostID
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil && n > 0 {
		info.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		info.MemoryTotal = vm.Total
	}
	if strings.TrimSpace(info.Hostname) == "" {
		name, err := os.Hostname()
		if err != nil {
			return info, err
		}
		info.Hostname = name
	}
	return info, nil
}

// Attributes renders Info as OpenTelemetry resource attributes.
func (i Info) Attributes() []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.HostName(i.Hostname),
		semconv.HostArchKey.String(i.Arch),
		semconv.OSTypeKey.String(i.OS),
		semconv.ProcessPID(i.PID),
	}
	if i.HostID != "" {
		attrs = append(attrs, semconv.HostID(i.HostID))
	}
	if i.Platform != "" {
		attrs = append(attrs, semconv.OSName(i.Platform))
	}
	if i.PlatformVersion != "" {
		attrs = append(attrs, semconv.OSVersion(i.PlatformVersion))
	}
	return attrs
}
