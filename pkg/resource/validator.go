// Package resource validates launch requests against cluster partition
// limits before anything is sent to the scheduler.
package resource

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drejom/rbiocverse/internal/model"
	"github.com/drejom/rbiocverse/pkg/config"
)

// ValidationError reports a request that violates partition limits. It is
// surfaced synchronously to the caller; no external call is made.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// Validate checks the launch spec against the partition limits of its
// cluster. A nil return means the request is safe to submit.
func Validate(spec *model.LaunchSpec, limits *config.PartitionLimits) error {
	if !spec.Key.Kind.Valid() {
		return &ValidationError{Field: "kind", Message: fmt.Sprintf("unknown workload kind %q", spec.Key.Kind)}
	}
	if spec.Resources.CPUs < 1 {
		return &ValidationError{Field: "cpus", Message: "at least one CPU is required"}
	}
	if limits.MaxCPUs > 0 && spec.Resources.CPUs > limits.MaxCPUs {
		return &ValidationError{Field: "cpus", Message: fmt.Sprintf("%d exceeds partition limit %d", spec.Resources.CPUs, limits.MaxCPUs)}
	}

	mem, err := ParseMemory(spec.Resources.Memory)
	if err != nil {
		return &ValidationError{Field: "memory", Message: err.Error()}
	}
	if limits.MaxMemory != "" {
		maxMem, err := ParseMemory(limits.MaxMemory)
		if err != nil {
			return fmt.Errorf("bad partition memory limit %q: %w", limits.MaxMemory, err)
		}
		if mem > maxMem {
			return &ValidationError{Field: "memory", Message: fmt.Sprintf("%s exceeds partition limit %s", spec.Resources.Memory, limits.MaxMemory)}
		}
	}

	wall, err := ParseWalltime(spec.Walltime)
	if err != nil {
		return &ValidationError{Field: "walltime", Message: err.Error()}
	}
	if limits.MaxWalltime != "" {
		maxWall, err := ParseWalltime(limits.MaxWalltime)
		if err != nil {
			return fmt.Errorf("bad partition walltime limit %q: %w", limits.MaxWalltime, err)
		}
		if wall > maxWall {
			return &ValidationError{Field: "walltime", Message: fmt.Sprintf("%s exceeds partition limit %s", spec.Walltime, limits.MaxWalltime)}
		}
	}

	if spec.Resources.GPUs < 0 {
		return &ValidationError{Field: "gpus", Message: "negative GPU count"}
	}
	if spec.Resources.GPUs > limits.MaxGPUs {
		return &ValidationError{Field: "gpus", Message: fmt.Sprintf("%d exceeds partition limit %d", spec.Resources.GPUs, limits.MaxGPUs)}
	}
	if spec.Accelerator != "" {
		if spec.Resources.GPUs == 0 {
			return &ValidationError{Field: "accelerator", Message: "accelerator requested without GPUs"}
		}
		if len(limits.Accelerators) > 0 && !contains(limits.Accelerators, spec.Accelerator) {
			return &ValidationError{Field: "accelerator", Message: fmt.Sprintf("%q is not offered by the partition", spec.Accelerator)}
		}
	}
	return nil
}

// ParseMemory parses a scheduler memory quantity ("40G", "4000M", "512K",
// plain megabytes when unsuffixed) into mebibytes.
func ParseMemory(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("memory is required")
	}

	mult := int64(1) // unsuffixed means megabytes
	switch suffix := s[len(s)-1]; suffix {
	case 'K', 'k':
		s = s[:len(s)-1]
		// round kilobytes up to one mebibyte minimum
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed memory quantity %q", s+"K")
		}
		mib := n / 1024
		if n%1024 != 0 {
			mib++
		}
		return mib, nil
	case 'M', 'm':
		s = s[:len(s)-1]
	case 'G', 'g':
		s = s[:len(s)-1]
		mult = 1024
	case 'T', 't':
		s = s[:len(s)-1]
		mult = 1024 * 1024
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("malformed memory quantity %q", s)
	}
	return n * mult, nil
}

// ParseWalltime parses a scheduler walltime ("HH:MM:SS" or "D-HH:MM:SS")
// into a duration.
func ParseWalltime(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("walltime is required")
	}

	var days int64
	if idx := strings.IndexByte(s, '-'); idx >= 0 {
		d, err := strconv.ParseInt(s[:idx], 10, 64)
		if err != nil || d < 0 {
			return 0, fmt.Errorf("malformed walltime %q", s)
		}
		days = d
		s = s[idx+1:]
	}

	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0, fmt.Errorf("malformed walltime %q: want HH:MM:SS", s)
	}
	nums := make([]int64, 3)
	for i, part := range parts {
		n, err := strconv.ParseInt(part, 10, 64)
		if err != nil || n < 0 {
			return 0, fmt.Errorf("malformed walltime %q", s)
		}
		nums[i] = n
	}
	if nums[1] > 59 || nums[2] > 59 {
		return 0, fmt.Errorf("malformed walltime %q: minutes and seconds must be below 60", s)
	}

	total := time.Duration(days)*24*time.Hour +
		time.Duration(nums[0])*time.Hour +
		time.Duration(nums[1])*time.Minute +
		time.Duration(nums[2])*time.Second
	return total, nil
}

func contains(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}
