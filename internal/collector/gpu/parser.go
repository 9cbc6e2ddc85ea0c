package gpu

import (
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"
)

// notAvailable is what nvidia-smi prints for unsupported or unknown fields.
const notAvailable = "N/A"

// unit multipliers for nvidia-smi memory values
var memoryUnits = map[string]float64{
	"B":   1,
	"KiB": 1 << 10,
	"MiB": 1 << 20,
	"GiB": 1 << 30,
}

type smiLog struct {
	XMLName      xml.Name `xml:"nvidia_smi_log"`
	AttachedGPUs string   `xml:"attached_gpus"`
	GPUs         []smiGPU `xml:"gpu"`
}

type smiGPU struct {
	MinorNumber string `xml:"minor_number"`
	UUID        string `xml:"uuid"`
	FBMemory    struct {
		Total string `xml:"total"`
		Used  string `xml:"used"`
	} `xml:"fb_memory_usage"`
	Utilization struct {
		GPU    string `xml:"gpu_util"`
		Memory string `xml:"memory_util"`
	} `xml:"utilization"`
	ECC struct {
		Volatile struct {
			SingleBit struct {
				Total string `xml:"total"`
			} `xml:"single_bit"`
			DoubleBit struct {
				Total string `xml:"total"`
			} `xml:"double_bit"`
		} `xml:"volatile"`
	} `xml:"ecc_errors"`
	Temperature struct {
		GPU string `xml:"gpu_temp"`
	} `xml:"temperature"`
	Processes struct {
		Info []struct {
			Pid string `xml:"pid"`
		} `xml:"process_info"`
	} `xml:"processes"`
}

// ParseNvidiaSMI parses the output of `nvidia-smi -q -x`. GPUs without a
// minor number are skipped. A field that is present but malformed fails the
// whole report, since a partial report would under-count GPUs.
func ParseNvidiaSMI(data []byte) (GPUInfo, error) {
	var report smiLog
	if err := xml.Unmarshal(data, &report); err != nil {
		return nil, fmt.Errorf("decoding nvidia-smi xml: %w", err)
	}

	info := make(GPUInfo, len(report.GPUs))
	for _, g := range report.GPUs {
		minor := strings.TrimSpace(g.MinorNumber)
		if minor == "" || minor == notAvailable {
			continue
		}
		s, err := g.status(minor)
		if err != nil {
			return nil, fmt.Errorf("gpu %s: %w", minor, err)
		}
		info[minor] = s
	}
	return info, nil
}

func (g smiGPU) status(minor string) (GPUStatus, error) {
	s := GPUStatus{Minor: minor, UUID: strings.TrimSpace(g.UUID)}

	var err error
	if s.GPUUtil, err = parseWithUnit(g.Utilization.GPU, "%"); err != nil {
		return s, fmt.Errorf("gpu_util: %w", err)
	}
	if s.MemUtil, err = parseWithUnit(g.Utilization.Memory, "%"); err != nil {
		return s, fmt.Errorf("memory_util: %w", err)
	}
	if s.MemUsed, err = parseMemory(g.FBMemory.Used); err != nil {
		return s, fmt.Errorf("fb used: %w", err)
	}
	if s.MemTotal, err = parseMemory(g.FBMemory.Total); err != nil {
		return s, fmt.Errorf("fb total: %w", err)
	}
	if s.Temperature, err = parseWithUnit(g.Temperature.GPU, "C"); err != nil {
		return s, fmt.Errorf("gpu_temp: %w", err)
	}
	if s.ECCSingle, err = parseWithUnit(g.ECC.Volatile.SingleBit.Total, ""); err != nil {
		return s, fmt.Errorf("ecc single: %w", err)
	}
	if s.ECCDouble, err = parseWithUnit(g.ECC.Volatile.DoubleBit.Total, ""); err != nil {
		return s, fmt.Errorf("ecc double: %w", err)
	}

	for _, p := range g.Processes.Info {
		pid, err := strconv.Atoi(strings.TrimSpace(p.Pid))
		if err != nil {
			return s, fmt.Errorf("process pid %q: %w", p.Pid, err)
		}
		s.Pids = append(s.Pids, pid)
	}
	return s, nil
}

// parseWithUnit parses values like "87 %" or "33 C". Empty and N/A values
// are absent.
func parseWithUnit(v, unit string) (*float64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == notAvailable {
		return nil, nil
	}
	v = strings.TrimSpace(strings.TrimSuffix(v, unit))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", v)
	}
	return &f, nil
}

// parseMemory parses values like "11441 MiB" into bytes.
func parseMemory(v string) (*float64, error) {
	v = strings.TrimSpace(v)
	if v == "" || v == notAvailable {
		return nil, nil
	}
	num, unit, ok := strings.Cut(v, " ")
	if !ok {
		return nil, fmt.Errorf("missing unit in %q", v)
	}
	mult, ok := memoryUnits[strings.TrimSpace(unit)]
	if !ok {
		return nil, fmt.Errorf("unknown unit in %q", v)
	}
	f, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q", v)
	}
	f *= mult
	return &f, nil
}
