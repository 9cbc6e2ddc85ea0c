package watchdog

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// HivedConfig is the part of a HiveD scheduler configuration that defines
// virtual-cluster quota.
type HivedConfig struct {
	PhysicalCluster struct {
		SkuTypes  map[string]SkuType  `yaml:"skuTypes"`
		CellTypes map[string]CellType `yaml:"cellTypes"`
	} `yaml:"physicalCluster"`
	VirtualClusters map[string]VirtualCluster `yaml:"virtualClusters"`
}

// SkuType is a leaf cell.
type SkuType struct {
	GPU int `yaml:"gpu"`
}

// CellType is an inner cell made of childCellNumber cells of childCellType.
type CellType struct {
	ChildCellType   string `yaml:"childCellType"`
	ChildCellNumber int    `yaml:"childCellNumber"`
}

// VirtualCluster lists the cells reserved for one VC.
type VirtualCluster struct {
	VirtualCells []VirtualCell `yaml:"virtualCells"`
}

// VirtualCell reserves cellNumber cells of cellType. cellType may be a
// dotted path such as "P40-NODE-POOL.P40-NODE"; its last segment names the
// cell.
type VirtualCell struct {
	CellType   string `yaml:"cellType"`
	CellNumber int    `yaml:"cellNumber"`
}

// VCResource keys quota and usage by virtual cluster and leaf cell type.
type VCResource struct {
	VC       string
	Resource string
}

// maxCellDepth bounds the cell hierarchy walk so a cyclic config fails
// instead of recursing forever.
const maxCellDepth = 16

// LoadHivedConfig reads and parses the scheduler config at path.
func LoadHivedConfig(path string) (*HivedConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read hived config: %w", err)
	}
	return ParseHivedConfig(data)
}

// ParseHivedConfig parses a scheduler config.
func ParseHivedConfig(data []byte) (*HivedConfig, error) {
	var c HivedConfig
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("parse hived config: %w", err)
	}
	return &c, nil
}

// Quota returns the total GPUs of every (vc, leaf cell type).
func (c *HivedConfig) Quota() (map[VCResource]float64, error) {
	quota := make(map[VCResource]float64)
	for vc, v := range c.VirtualClusters {
		for _, cell := range v.VirtualCells {
			name := cell.CellType
			if i := strings.LastIndex(name, "."); i >= 0 {
				name = name[i+1:]
			}
			sku, leaves, err := c.leaves(name, 0)
			if err != nil {
				return nil, fmt.Errorf("vc %s: %w", vc, err)
			}
			gpu := c.PhysicalCluster.SkuTypes[sku].GPU
			if gpu == 0 {
				gpu = 1
			}
			quota[VCResource{VC: vc, Resource: sku}] += float64(cell.CellNumber * leaves * gpu)
		}
	}
	return quota, nil
}

// leaves resolves cellType down to its sku and the number of sku cells it
// contains.
func (c *HivedConfig) leaves(cellType string, depth int) (string, int, error) {
	if depth > maxCellDepth {
		return "", 0, fmt.Errorf("cell type %s nests too deep", cellType)
	}
	if _, ok := c.PhysicalCluster.SkuTypes[cellType]; ok {
		return cellType, 1, nil
	}
	ct, ok := c.PhysicalCluster.CellTypes[cellType]
	if !ok {
		return "", 0, fmt.Errorf("unknown cell type %s", cellType)
	}
	sku, n, err := c.leaves(ct.ChildCellType, depth+1)
	if err != nil {
		return "", 0, err
	}
	return sku, ct.ChildCellNumber * n, nil
}
