package container

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// ProcReader maps host pids to the containers they run in through
// /proc/<pid>/cgroup.
type ProcReader struct {
	root string
}

// NewProcReader creates a ProcReader for the proc filesystem at root.
func NewProcReader(root string) *ProcReader {
	return &ProcReader{root: root}
}

// ContainerOf returns which of the candidate full container ids pid runs
// in. ok is false when the process is gone or its cgroup is unreadable.
func (p *ProcReader) ContainerOf(pid int, candidates []string) (id string, ok bool) {
	data, err := os.ReadFile(filepath.Join(p.root, strconv.Itoa(pid), "cgroup"))
	if err != nil {
		return "", false
	}
	content := string(data)
	for _, c := range candidates {
		if c != "" && strings.Contains(content, c) {
			return c, true
		}
	}
	return "", true
}
