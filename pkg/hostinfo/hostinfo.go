// Package hostinfo reports the facts about this host that the agent
// registers with the farm: physical resources and how they are split
// between the agent and its computations, processor details, network
// interfaces and platform identification.
package hostinfo

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"golang.org/x/sys/unix"

	"github.com/rendermesh/farmnode/pkg/object"
)

// Processor describes the host CPU as registered with the coordinator.
// Multi-socket hosts report the first processor's model.
type Processor struct {
	ModelNumber int
	ModelName   string
	Flags       []string
}

// Platform identifies the host operating system.
type Platform struct {
	OSVersion         string
	OSRelease         string
	OSDistribution    string
	BriefVersion      string
	BriefDistribution string
}

// Info bundles the host facts that go into the node registration
// document.
type Info struct {
	Hostname  string
	IPAddress string

	// Interfaces maps interface names to their addresses and flags,
	// exactly as serialized for the coordinator.
	Interfaces object.Object

	Processor Processor
	Platform  Platform
}

// Gather collects the host facts. The returned IPAddress is the first
// non-loopback IPv4 address found, the address other farm hosts should
// use to reach this one.
func Gather() (*Info, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("failed to read hostname: %w", err)
	}
	interfaces, defaultIP, err := gatherInterfaces()
	if err != nil {
		return nil, err
	}
	processor, err := describeProcessor()
	if err != nil {
		return nil, err
	}
	platform, err := describePlatform()
	if err != nil {
		return nil, err
	}
	return &Info{
		Hostname:   hostname,
		IPAddress:  defaultIP,
		Interfaces: interfaces,
		Processor:  processor,
		Platform:   platform,
	}, nil
}

func gatherInterfaces() (object.Object, string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, "", fmt.Errorf("failed to list network interfaces: %w", err)
	}

	table := object.Object{}
	defaultIP := ""
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		entry := object.Object{}
		for _, addr := range addrs {
			ipnet, ok := addr.(*net.IPNet)
			if !ok {
				continue
			}
			if v4 := ipnet.IP.To4(); v4 != nil {
				entry["AF_INET"] = v4.String()
				if defaultIP == "" {
					defaultIP = v4.String()
				}
			} else {
				entry["AF_INET6"] = ipnet.IP.String()
			}
		}
		if len(entry) == 0 {
			continue
		}
		entry["broadcast"] = boolString(ifc.Flags&net.FlagBroadcast != 0)
		entry["multicast"] = boolString(ifc.Flags&net.FlagMulticast != 0)
		table[ifc.Name] = entry
	}
	return table, defaultIP, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func describeProcessor() (Processor, error) {
	infos, err := cpu.Info()
	if err != nil {
		return Processor{}, fmt.Errorf("failed to read processor info: %w", err)
	}
	if len(infos) == 0 {
		return Processor{}, errors.New("host reports no processors")
	}
	first := infos[0]
	// gopsutil reports the numeric model as a string
	model, _ := strconv.Atoi(first.Model)
	return Processor{
		ModelNumber: model,
		ModelName:   first.ModelName,
		Flags:       first.Flags,
	}, nil
}

func describePlatform() (Platform, error) {
	hi, err := host.Info()
	if err != nil {
		return Platform{}, fmt.Errorf("failed to read platform info: %w", err)
	}
	p := Platform{
		OSDistribution: strings.TrimSpace(hi.Platform + " " + hi.PlatformVersion),
		BriefVersion:   majorVersion(hi.PlatformVersion),
	}
	p.BriefDistribution = hi.Platform + p.BriefVersion

	var uts unix.Utsname
	if err := unix.Uname(&uts); err == nil {
		p.OSRelease = unix.ByteSliceToString(uts.Release[:])
		p.OSVersion = unix.ByteSliceToString(uts.Version[:])
	}
	return p, nil
}

func majorVersion(version string) string {
	if i := strings.IndexByte(version, '.'); i >= 0 {
		return version[:i]
	}
	return version
}

// RezVersions collects the REZ_*_VERSION variables from the agent's
// environment. They are registered with the coordinator so schedulers
// can match package versions across the farm.
func RezVersions() object.Object {
	out := object.Object{}
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" {
			continue
		}
		if strings.HasPrefix(name, "REZ_") && strings.HasSuffix(name, "_VERSION") {
			out[name] = value
		}
	}
	return out
}

// ResolveIPv4 resolves a hostname to its first IPv4 address. The input
// comes back unchanged when resolution fails, so callers can pass the
// result straight into a URL either way.
func ResolveIPv4(hostname string) string {
	ips, err := net.LookupIP(hostname)
	if err != nil {
		return hostname
	}
	for _, ip := range ips {
		if v4 := ip.To4(); v4 != nil {
			return v4.String()
		}
	}
	return hostname
}
