// Package config holds the tunables exposed to callers of the storage
// engine, loaded from YAML via github.com/goccy/go-yaml, following the
// nested-struct-with-tags shape used throughout this repository's
// configuration layer.
package config

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
)

// Config is the root configuration structure.
type Config struct {
	Logger LoggerConfig `yaml:"logger"`
	HTTP   HTTPConfig   `yaml:"http"`
	Engine EngineConfig `yaml:"engine"`
}

// LoggerConfig configures the ambient structured logger.
type LoggerConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// HTTPConfig configures the optional HTTP debug endpoint (pkg/httpapi),
// which serves key/value reads and writes as well as observability.
// Addr left empty disables the endpoint entirely.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// EngineConfig holds every tunable named in the specification's external
// interfaces section.
type EngineConfig struct {
	// WriteBufferSize is the initial memtable capacity in bytes.
	WriteBufferSize int64 `yaml:"write_buffer_size"`
	// MemtableToL0Ratio adapts memtable capacity from total segment storage.
	MemtableToL0Ratio int64 `yaml:"memtbl_to_l0_ratio"`
	// MaxMemtableCapacity upper-bounds the adaptive memtable capacity.
	MaxMemtableCapacity int64 `yaml:"max_memtbl_capacity"`

	// LeafDataSizeThresh is the per-leaf soft cap in bytes.
	LeafDataSizeThresh int64 `yaml:"leaf_datasize_thresh"`
	// LeafMaxNumMiniRuns is the per-leaf run-count cap triggering a split.
	LeafMaxNumMiniRuns int `yaml:"leaf_max_num_miniruns"`
	// LeafSplitGroupFraction is the fraction of LeafDataSizeThresh that
	// flush compaction targets for each freshly created leaf (see
	// SPEC_FULL.md §9); the split pass does not read it.
	// 0.05 (5%) by default; the "/2" cap used during a forced split pass
	// is derived as LeafDataSizeThresh/2 directly, independent of this
	// fraction.
	LeafSplitGroupFraction float64 `yaml:"leaf_split_group_fraction"`

	// SegmentFileSizeThresh is a soft cap on a segment file's size.
	SegmentFileSizeThresh int64 `yaml:"segment_file_size_thresh"`
	// MaximumSegmentsStorageSize and SegmentsStorageSizeGCThreshold
	// drive the storage-pressure GC loop (§4.8 phase 1).
	MaximumSegmentsStorageSize     int64   `yaml:"maximum_segments_storage_size"`
	SegmentsStorageSizeGCThreshold float64 `yaml:"segments_storage_size_gc_threshold"`

	// UseMemtableDynamicFilter and MemtableDynamicFilterFPRate size the
	// optional bloom filter beside the memtable.
	UseMemtableDynamicFilter    bool    `yaml:"use_memtable_dynamic_filter"`
	MemtableDynamicFilterFPRate float64 `yaml:"memtable_dynamic_filter_fp_rate"`

	// EnableLeafReadOpt toggles the hot-leaf self-compaction task.
	EnableLeafReadOpt bool `yaml:"enable_leaf_read_opt"`
	// HotLeafCandidates is the K in "select up to K=100 leaves".
	HotLeafCandidates int `yaml:"hot_leaf_candidates"`

	// NvmemtableFile/Size name the PM backing file and extent for the
	// primary memtable chain.
	NvmemtableFile string `yaml:"nvmemtable_file"`
	NvmemtableSize int64  `yaml:"nvmemtable_size"`
	// NvmLeafIndexFile/Size name the PM backing for the durable leaf index.
	NvmLeafIndexFile string `yaml:"nvmleafindex_file"`
	NvmLeafIndexSize int64  `yaml:"nvmleafindex_size"`

	// SplitLeafNumThreads bounds the round-robin worker fan-out used by
	// MakeRoomInLeafLayer (§4.8 phase 2).
	SplitLeafNumThreads int `yaml:"split_leaf_num_threads"`

	// DataDir is the database directory holding CURRENT, segment files,
	// and the nested leaf_index database.
	DataDir string `yaml:"data_dir"`

	// EnableBlockCompression toggles zstd compression of minirun data
	// blocks (domain-stack addition, see DESIGN.md).
	EnableBlockCompression bool `yaml:"enable_block_compression"`
}

// Default returns a baseline configuration suitable for tests and the
// demo command.
func Default() Config {
	return Config{
		Logger: LoggerConfig{Level: "INFO", JSON: false},
		HTTP:   HTTPConfig{Addr: ""},
		Engine: EngineConfig{
			WriteBufferSize:                4 << 20,
			MemtableToL0Ratio:              10,
			MaxMemtableCapacity:            64 << 20,
			LeafDataSizeThresh:             2 << 20,
			LeafMaxNumMiniRuns:             4,
			LeafSplitGroupFraction:         0.05,
			SegmentFileSizeThresh:          32 << 20,
			MaximumSegmentsStorageSize:     1 << 30,
			SegmentsStorageSizeGCThreshold: 0.75,
			UseMemtableDynamicFilter:       true,
			MemtableDynamicFilterFPRate:    0.01,
			EnableLeafReadOpt:              true,
			HotLeafCandidates:              100,
			NvmemtableFile:                 "nvmemtable",
			NvmemtableSize:                 64 << 20,
			NvmLeafIndexFile:               "nvmleafindex",
			NvmLeafIndexSize:               16 << 20,
			SplitLeafNumThreads:            4,
			DataDir:                        "./data",
			EnableBlockCompression:         false,
		},
	}
}

// Load reads and parses a YAML configuration file, overlaying it onto
// Default().
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
