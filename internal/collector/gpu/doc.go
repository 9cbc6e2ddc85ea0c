// Package gpu implements a collector for NVIDIA GPU status from nvidia-smi.
//
// nvidia-smi is run with -q -x and its XML report is parsed into per-GPU
// status keyed by minor number. Fields reported as "N/A" by the driver are
// treated as absent rather than as parse failures. nvidia-smi is known to
// hang when a GPU falls off the bus, so queries go through a single-flight
// cache and a hung query degrades to "no GPU metrics" instead of blocking.
//
// The latest GPUInfo is also published through a shared cache.AtomicRef so
// the container collector can attribute GPU utilization to job containers.
package gpu
