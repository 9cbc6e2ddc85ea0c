package gpu

// GPUStatus is the state of one GPU as reported by nvidia-smi. Pointer
// fields are nil when the driver reports the value as unavailable.
type GPUStatus struct {
	Minor string
	UUID  string

	GPUUtil *float64 // percent
	MemUtil *float64 // percent

	MemUsed  *float64 // bytes
	MemTotal *float64 // bytes

	Temperature *float64 // celsius

	ECCSingle *float64 // volatile single bit errors
	ECCDouble *float64 // volatile double bit errors

	Pids []int
}

// GPUInfo maps a minor number to the GPU's status.
type GPUInfo map[string]GPUStatus
