package memory

import (
	"fmt"

	"github.com/elastic/go-sysinfo"
)

//go:generate mockgen -destination=mocks/mock_sampler.go -package=mocks chathub/internal/memory Sampler

// SystemMemory is one reading of host memory.
type SystemMemory struct {
	Total     uint64
	Used      uint64
	Available uint64
	Percent   float64 // Used over Total, 0..100
}

// Sampler reads system memory usage.
type Sampler interface {
	Sample() (SystemMemory, error)
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() (SystemMemory, error)

func (f SamplerFunc) Sample() (SystemMemory, error) { return f() }

// HostSampler reads the host's memory counters through go-sysinfo.
type HostSampler struct{}

// NewHostSampler returns a sampler for the current host.
func NewHostSampler() HostSampler { return HostSampler{} }

func (HostSampler) Sample() (SystemMemory, error) {
	host, err := sysinfo.Host()
	if err != nil {
		return SystemMemory{}, fmt.Errorf("%w: %w", ErrSamplerUnavailable, err)
	}
	info, err := host.Memory()
	if err != nil {
		return SystemMemory{}, fmt.Errorf("%w: %w", ErrSamplerUnavailable, err)
	}
	if info.Total == 0 {
		return SystemMemory{}, fmt.Errorf("%w: host reported zero total memory", ErrSamplerUnavailable)
	}

	used := info.Used
	if info.Available > 0 && info.Available <= info.Total {
		used = info.Total - info.Available
	}
	return SystemMemory{
		Total:     info.Total,
		Used:      used,
		Available: info.Total - used,
		Percent:   float64(used) / float64(info.Total) * 100,
	}, nil
}

// Fixed returns a sampler that always reports percent of total.
func Fixed(total uint64, percent float64) Sampler {
	return SamplerFunc(func() (SystemMemory, error) {
		used := uint64(float64(total) * percent / 100)
		return SystemMemory{Total: total, Used: used, Available: total - used, Percent: percent}, nil
	})
}
