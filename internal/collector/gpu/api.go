package gpu

import (
	"context"

	"github.com/openpai/pai-telemetry/internal/command"
	"github.com/openpai/pai-telemetry/internal/errors"
)

// GPUQueryAPI abstracts GPU status queries for testability.
type GPUQueryAPI interface {
	QueryGPUs(ctx context.Context) (GPUInfo, error)
}

// nvidiaSMIClient implements GPUQueryAPI by running nvidia-smi.
type nvidiaSMIClient struct {
	runner command.Runner
}

// NewNvidiaSMIClient creates a GPUQueryAPI that runs `nvidia-smi -q -x`
// through runner. The runner is expected to carry the driver search paths.
func NewNvidiaSMIClient(runner command.Runner) GPUQueryAPI {
	return &nvidiaSMIClient{runner: runner}
}

func (c *nvidiaSMIClient) QueryGPUs(ctx context.Context) (GPUInfo, error) {
	out, err := queryNvidiaSMI(ctx, c.runner)
	if err != nil {
		return nil, errors.New(errors.KindCommand, "nvidia-smi", err)
	}
	info, err := ParseNvidiaSMI(out)
	if err != nil {
		return nil, errors.New(errors.KindParse, "nvidia-smi", err)
	}
	return info, nil
}
