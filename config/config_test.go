package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/magiconair/properties"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_Default(t *testing.T) {
	opt := Default()
	assert.Equal(t, 4, opt.NumberOfGCMarkers)
	assert.Equal(t, 0.8, opt.MinHeapUtilization)
	assert.Equal(t, 100, opt.ScansBetweenRebalance)
	assert.Equal(t, 1000, opt.OpaqueRootMergeThreshold)
	assert.Equal(t, 32, opt.CopyChunkLength)
	assert.Equal(t, 508, opt.SegmentCapacity)
	assert.Equal(t, uint64(32768), opt.BlockSize)
	assert.Equal(t, uint64(256<<20), opt.ArenaSize)
	assert.Equal(t, uint64(8<<20), opt.CollectThreshold)
	assert.NoError(t, opt.Validate())
}

func Test_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gc.properties")
	content := "gc.markers = 2\nheap.block_size = 65536\ngc.min_heap_utilization = 0.5\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	opt, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, opt.NumberOfGCMarkers)
	assert.Equal(t, uint64(65536), opt.BlockSize)
	assert.Equal(t, 0.5, opt.MinHeapUtilization)
	assert.Equal(t, 508, opt.SegmentCapacity)
}

func Test_LoadFileMissing(t *testing.T) {
	_, err := LoadFile(filepath.Join(t.TempDir(), "absent.properties"))
	assert.Error(t, err)
}

func TestOptions_Validate(t *testing.T) {
	tests := []struct {
		name    string
		source  string
		wantErr error
	}{
		{name: "block size not power of two", source: "heap.block_size = 40000", wantErr: ErrInvalidBlockSize},
		{name: "block size too small", source: "heap.block_size = 1024", wantErr: ErrInvalidBlockSize},
		{name: "arena not multiple", source: "heap.arena_size = 40000", wantErr: ErrInvalidArenaSize},
		{name: "no markers", source: "gc.markers = 0", wantErr: ErrInvalidMarkers},
		{name: "utilization too large", source: "gc.min_heap_utilization = 1.5", wantErr: ErrInvalidUtilization},
		{name: "zero chunk", source: "gc.copy_chunk_length = 0", wantErr: ErrInvalidTuning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(properties.MustLoadString(tt.source))
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
