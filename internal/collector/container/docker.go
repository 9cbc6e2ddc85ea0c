package container

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/openpai/pai-telemetry/internal/command"
	"github.com/openpai/pai-telemetry/internal/errors"
)

// sentinel marks a value docker did not report or that failed to parse.
const sentinel = -1

const statsFormat = "table {{.Container}},{{.Name}},{{.CPUPerc}},{{.MemUsage}},{{.NetIO}},{{.BlockIO}},{{.MemPerc}}"

// DockerAPI abstracts the docker CLI for testability.
type DockerAPI interface {
	Stats(ctx context.Context) ([]ContainerStats, error)
	Inspect(ctx context.Context, id string) (InspectResult, error)
	Logs(ctx context.Context, id string, tail int) ([]byte, error)
}

type dockerCLI struct {
	runner command.Runner
}

// NewDockerCLI creates a DockerAPI that runs the docker binary.
func NewDockerCLI(runner command.Runner) DockerAPI {
	return &dockerCLI{runner: runner}
}

func (d *dockerCLI) Stats(ctx context.Context) ([]ContainerStats, error) {
	out, err := d.runner.Run(ctx, "docker", "stats", "--no-stream", "--format", statsFormat)
	if err != nil {
		return nil, errors.New(errors.KindCommand, "docker stats", err)
	}
	return ParseStats(out), nil
}

func (d *dockerCLI) Inspect(ctx context.Context, id string) (InspectResult, error) {
	out, err := d.runner.Run(ctx, "docker", "inspect", id)
	if err != nil {
		return InspectResult{}, errors.New(errors.KindCommand, "docker inspect", err)
	}
	r, err := ParseInspect(out)
	if err != nil {
		return InspectResult{}, errors.New(errors.KindParse, "docker inspect", err)
	}
	return r, nil
}

func (d *dockerCLI) Logs(ctx context.Context, id string, tail int) ([]byte, error) {
	// docker logs writes the container's stderr to its own stderr; the
	// sentinel is printed to stdout by the job runtime.
	out, err := d.runner.Run(ctx, "docker", "logs", "--tail", strconv.Itoa(tail), id)
	if err != nil {
		return nil, errors.New(errors.KindCommand, "docker logs", err)
	}
	return out, nil
}

// ParseStats parses `docker stats --no-stream` output in statsFormat. The
// header line is skipped. Fields that fail to parse become -1.
func ParseStats(out []byte) []ContainerStats {
	var result []ContainerStats
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "CONTAINER") {
			continue
		}
		parts := strings.Split(line, ",")
		if len(parts) != 7 {
			continue
		}
		s := ContainerStats{
			ID:         strings.TrimSpace(parts[0]),
			Name:       strings.TrimSpace(parts[1]),
			CPUPercent: ParsePercent(parts[2]),
			MemPercent: ParsePercent(parts[6]),
		}
		s.MemUsage, s.MemLimit = parsePair(parts[3])
		s.NetIn, s.NetOut = parsePair(parts[4])
		s.BlockIn, s.BlockOut = parsePair(parts[5])
		result = append(result, s)
	}
	return result
}

func parsePair(s string) (float64, float64) {
	a, b, ok := strings.Cut(s, "/")
	if !ok {
		return sentinel, sentinel
	}
	return ParseSize(a), ParseSize(b)
}

// ParsePercent parses "12.5%". docker prints "--" for stopped containers.
func ParsePercent(s string) float64 {
	s = strings.TrimSpace(s)
	v, err := strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
	if err != nil || !strings.HasSuffix(s, "%") {
		return sentinel
	}
	return v
}

var dockerUnits = []struct {
	suffix string
	factor float64
}{
	// longest suffixes first
	{"KiB", 1 << 10},
	{"MiB", 1 << 20},
	{"GiB", 1 << 30},
	{"TiB", 1 << 40},
	{"kB", 1e3},
	{"KB", 1e3},
	{"MB", 1e6},
	{"GB", 1e9},
	{"TB", 1e12},
	{"B", 1},
}

// ParseSize parses docker human sizes such as "1.5GiB", "12kB" or "0B".
// Binary suffixes are 1024 based, decimal ones 1000 based.
func ParseSize(s string) float64 {
	s = strings.TrimSpace(s)
	for _, u := range dockerUnits {
		num, ok := strings.CutSuffix(s, u.suffix)
		if !ok {
			continue
		}
		v, err := strconv.ParseFloat(strings.TrimSpace(num), 64)
		if err != nil || v < 0 {
			return sentinel
		}
		return v * u.factor
	}
	return sentinel
}

type inspectJSON struct {
	ID     string `json:"Id"`
	Name   string `json:"Name"`
	Config struct {
		Env    []string          `json:"Env"`
		Labels map[string]string `json:"Labels"`
	} `json:"Config"`
	State struct {
		Pid int `json:"Pid"`
	} `json:"State"`
	HostConfig struct {
		NetworkMode string `json:"NetworkMode"`
	} `json:"HostConfig"`
}

// ParseInspect parses `docker inspect <id>` output. Job identity is read
// from labels first and from PAI_* environment variables otherwise.
func ParseInspect(out []byte) (InspectResult, error) {
	var items []inspectJSON
	if err := json.Unmarshal(out, &items); err != nil {
		return InspectResult{}, fmt.Errorf("decoding inspect output: %w", err)
	}
	if len(items) != 1 {
		return InspectResult{}, fmt.Errorf("expected 1 inspect item, got %d", len(items))
	}
	it := items[0]

	env := make(map[string]string, len(it.Config.Env))
	for _, kv := range it.Config.Env {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	lookup := func(keys ...string) string {
		for _, k := range keys {
			if v := it.Config.Labels[k]; v != "" {
				return v
			}
			if v := env[k]; v != "" {
				return v
			}
		}
		return ""
	}

	r := InspectResult{
		ID:             it.ID,
		Name:           strings.TrimPrefix(it.Name, "/"),
		Username:       lookup("PAI_USER_NAME"),
		JobName:        lookup("PAI_JOB_NAME"),
		TaskRole:       lookup("PAI_CURRENT_TASK_ROLE_NAME", "PAI_TASK_ROLE_NAME"),
		TaskIndex:      lookup("PAI_CURRENT_TASK_ROLE_CURRENT_TASK_INDEX", "PAI_TASK_INDEX"),
		DistributedID:  lookup("PAI_CONTAINER_ID"),
		VirtualCluster: lookup("PAI_VIRTUAL_CLUSTER"),
		Pid:            it.State.Pid,
		NetworkMode:    it.HostConfig.NetworkMode,
		GPUIDs:         parseGPUIDs(lookup("GPU_ID", "NVIDIA_VISIBLE_DEVICES")),
	}
	return r, nil
}

func parseGPUIDs(s string) []string {
	switch strings.TrimSpace(s) {
	case "", "all", "none", "void":
		return nil
	}
	var ids []string
	for _, id := range strings.Split(s, ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
