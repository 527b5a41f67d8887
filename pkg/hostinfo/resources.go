package hostinfo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/rendermesh/farmnode/pkg/logger"
)

// DefaultNodeMemory is reserved for the agent and router processes when
// no override is given. It is not enforced; the computations are the
// real memory consumers.
const DefaultNodeMemory = 1 << 30

// Resources is the host capacity split between the agent itself and the
// computations it hosts.
type Resources struct {
	PhysicalMemory     uint64
	NodeMemory         uint64
	ComputationsMemory uint64

	TotalCores        int
	NodeCores         int
	ComputationsCores int
}

// ComputationsMemoryMB returns the computation memory in whole
// megabytes, the unit the coordinator schedules in.
func (r *Resources) ComputationsMemoryMB() int {
	return int(r.ComputationsMemory >> 20)
}

// ParseMemory converts a memory size string to a byte count. A trailing
// k, m or g (either case) scales by the matching power of two; a bare
// number is bytes.
func ParseMemory(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty memory size")
	}
	num := s
	var shift uint
	switch s[len(s)-1] {
	case 'k', 'K':
		shift, num = 10, s[:len(s)-1]
	case 'm', 'M':
		shift, num = 20, s[:len(s)-1]
	case 'g', 'G':
		shift, num = 30, s[:len(s)-1]
	}
	n, err := strconv.ParseUint(strings.TrimSpace(num), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid memory size %q", s)
	}
	return n << shift, nil
}

// CalcResources reads the host's physical memory and processor count
// and splits them between the agent and its computations. maxNodeMemory
// and memory are size strings ("4g", "512m", empty for the defaults);
// cores caps the computation split when non-zero.
func CalcResources(maxNodeMemory, memory string, cores int) (*Resources, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read host memory: %w", err)
	}
	totalCores, err := cpu.Counts(true)
	if err != nil {
		return nil, fmt.Errorf("failed to count host processors: %w", err)
	}
	r, err := splitResources(vm.Total, totalCores, maxNodeMemory, memory, cores)
	if err != nil {
		return nil, err
	}
	logger.Infof("Node memory %d bytes, computation memory %d bytes, total physical %d bytes",
		r.NodeMemory, r.ComputationsMemory, r.PhysicalMemory)
	logger.Infof("%d cores available for computations", r.ComputationsCores)
	return r, nil
}

// splitResources applies the allocation rules: the node keeps 1 GiB of
// memory and one core (when more than one is present), computations get
// the rest. Overrides beyond the physical capacity are warned about but
// honored, except node memory which must fit.
func splitResources(physical uint64, totalCores int, maxNodeMemory, memory string, cores int) (*Resources, error) {
	nodeMemory := uint64(DefaultNodeMemory)
	if maxNodeMemory != "" {
		m, err := ParseMemory(maxNodeMemory)
		if err != nil {
			return nil, err
		}
		nodeMemory = m
	}
	if nodeMemory >= physical {
		return nil, fmt.Errorf("requested node memory of %d bytes exceeds host physical memory of %d bytes",
			nodeMemory, physical)
	}

	available := physical - nodeMemory
	compMemory := available
	if memory != "" {
		m, err := ParseMemory(memory)
		if err != nil {
			return nil, err
		}
		compMemory = m
		if compMemory > available {
			logger.Warnf("Requested total memory for node (node process + computations) of %d exceeds host physical memory of %d",
				nodeMemory+compMemory, physical)
		}
	}

	if cores > 0 {
		if cores > totalCores {
			logger.Warnf("Requested number of cores (%d) is greater than the number available on this host (%d)",
				cores, totalCores)
		} else {
			totalCores = cores
		}
	}

	r := &Resources{
		PhysicalMemory:     physical,
		NodeMemory:         nodeMemory,
		ComputationsMemory: compMemory,
		TotalCores:         totalCores,
	}
	if totalCores <= 1 {
		r.ComputationsCores = 1
	} else {
		r.NodeCores = 1
		r.ComputationsCores = totalCores - 1
	}
	return r, nil
}
