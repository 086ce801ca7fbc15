package config

import (
	"errors"
	"fmt"

	"github.com/magiconair/properties"
)

// Options tunes the collector. Defaults live in the properties tags so that
// Default, LoadFile and the command line agree on them.
type Options struct {
	NumberOfGCMarkers        int     `properties:"gc.markers,default=4" long:"markers" description:"marking participants including the collecting thread"`
	MinHeapUtilization       float64 `properties:"gc.min_heap_utilization,default=0.8" long:"min-heap-utilization" description:"copy only when heap utilization is at or below this ratio"`
	ScansBetweenRebalance    int     `properties:"gc.scans_between_rebalance,default=100" long:"scans-between-rebalance" description:"cells visited between donation attempts"`
	OpaqueRootMergeThreshold int     `properties:"gc.opaque_root_merge_threshold,default=1000" long:"opaque-root-merge-threshold" description:"local opaque roots kept before merging into the shared set"`
	CopyChunkLength          int     `properties:"gc.copy_chunk_length,default=32" long:"copy-chunk-length" description:"blocks claimed per copy work request"`
	SegmentCapacity          int     `properties:"gc.mark_stack_segment_capacity,default=508" long:"segment-capacity" description:"cells per mark stack segment"`
	BlockSize                uint64  `properties:"heap.block_size,default=32768" long:"block-size" description:"bytes per heap block, power of two"`
	ArenaSize                uint64  `properties:"heap.arena_size,default=268435456" long:"arena-size" description:"bytes reserved for the heap arena"`
	CollectThreshold         uint64  `properties:"heap.collect_threshold,default=8388608" long:"collect-threshold" description:"bytes allocated between collections"`
}

var (
	ErrInvalidBlockSize   = errors.New("block size must be a power of two of at least 4096 bytes")
	ErrInvalidArenaSize   = errors.New("arena size must be a positive multiple of the block size")
	ErrInvalidMarkers     = errors.New("at least one marker is required")
	ErrInvalidUtilization = errors.New("min heap utilization must be in (0, 1]")
	ErrInvalidTuning      = errors.New("scans, merge threshold, chunk length and segment capacity must be positive")
)

func Default() Options {
	opt := Options{}
	if err := properties.NewProperties().Decode(&opt); err != nil {
		panic(fmt.Sprintf("config defaults do not decode: %v", err))
	}
	return opt
}

// LoadFile reads a .properties file. Keys missing from the file keep their
// defaults.
func LoadFile(path string) (Options, error) {
	p, err := properties.LoadFile(path, properties.UTF8)
	if err != nil {
		return Options{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return Decode(p)
}

func Decode(p *properties.Properties) (Options, error) {
	opt := Options{}
	if err := p.Decode(&opt); err != nil {
		return Options{}, fmt.Errorf("decode config: %w", err)
	}
	if err := opt.Validate(); err != nil {
		return Options{}, err
	}
	return opt, nil
}

func (o Options) Validate() error {
	if o.BlockSize < 4096 || o.BlockSize&(o.BlockSize-1) != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBlockSize, o.BlockSize)
	}
	if o.ArenaSize == 0 || o.ArenaSize%o.BlockSize != 0 {
		return fmt.Errorf("%w: %d", ErrInvalidArenaSize, o.ArenaSize)
	}
	if o.NumberOfGCMarkers < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidMarkers, o.NumberOfGCMarkers)
	}
	if o.MinHeapUtilization <= 0 || o.MinHeapUtilization > 1 {
		return fmt.Errorf("%w: %v", ErrInvalidUtilization, o.MinHeapUtilization)
	}
	if o.ScansBetweenRebalance < 1 || o.OpaqueRootMergeThreshold < 1 || o.CopyChunkLength < 1 || o.SegmentCapacity < 1 {
		return ErrInvalidTuning
	}
	return nil
}
