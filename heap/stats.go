package heap

import (
	"time"

	"github.com/google/uuid"
)

// Stats describes one collection.
type Stats struct {
	Cycle             uuid.UUID
	ConservativeRoots int
	Visited           int
	Finalizers        int
	CellsFreed        int
	LiveCells         int

	Copied      bool
	Utilization float64
	BytesCopied uint64

	CellCapacity        uint64
	StorageSize         uint64
	StorageCapacity     uint64
	BlockBytesAllocated uint64

	Duration time.Duration
}
