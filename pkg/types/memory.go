package types

import (
	"fmt"
	"strconv"

	units "github.com/docker/go-units"
)

// ParseMemoryMiB converts a human-entered memory size — a bare
// integer MiB count ("512"), or a suffixed size Docker/containerd
// users already know ("512m", "2g", "2GiB") — into a MiB count for
// MaxMemoryMiB. An empty string means "unspecified" and returns 0.
func ParseMemoryMiB(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		return n, nil
	}
	bytes, err := units.RAMInBytes(s)
	if err != nil {
		return 0, fmt.Errorf("types: invalid memory size %q: %w", s, err)
	}
	return int(bytes / units.MiB), nil
}
