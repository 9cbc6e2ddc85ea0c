package container

import (
	"errors"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// CgroupReader reads memory accounting of docker containers from the
// cgroup v1 memory hierarchy.
type CgroupReader struct {
	root string
}

// NewCgroupReader creates a reader rooted at the docker memory cgroup,
// e.g. /sys/fs/cgroup/memory/docker.
func NewCgroupReader(root string) *CgroupReader {
	return &CgroupReader{root: root}
}

// WorkingSet returns memory usage minus inactive page cache for the
// container with the given full id, or -1 if the files are unreadable.
func (r *CgroupReader) WorkingSet(id string) float64 {
	dir := filepath.Join(r.root, id)
	usage, err := readNumber(filepath.Join(dir, "memory.usage_in_bytes"))
	if err != nil {
		return sentinel
	}
	inactive, err := readTotalInactiveFile(filepath.Join(dir, "memory.stat"))
	if err != nil {
		return sentinel
	}
	if inactive > usage {
		return 0
	}
	return float64(usage - inactive)
}

func readNumber(filename string) (int64, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
}

func readTotalInactiveFile(filename string) (int64, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		key, value, ok := strings.Cut(line, " ")
		if !ok || key != "total_inactive_file" {
			continue
		}
		return strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	}
	return 0, errors.New("cannot find total_inactive_file attribute")
}
