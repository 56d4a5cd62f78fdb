package multipart

import (
	"fmt"
	"math"
)

const (
	// MB is the unit of the chunk size parameters.
	MB = 1024 * 1024

	// DefaultMinChunkSizeMB is the smallest part most multipart backends accept.
	DefaultMinChunkSizeMB = 5.0

	// DefaultMaxParts is the S3 part count limit.
	DefaultMaxParts = 10000
)

// Plan partitions totalSize bytes into ordered chunk descriptors.
// The chunk size is max(targetChunkSizeMB, minChunkSizeMB) and grows when the plan
// would exceed maxParts (maxParts == 0 means unbounded). The last chunk takes the remainder.
func Plan(totalSize int64, targetChunkSizeMB, minChunkSizeMB float64, maxParts int) ([]ChunkDescriptor, error) {
	chunkSize, err := ChunkSizeBytes(totalSize, targetChunkSizeMB, minChunkSizeMB, maxParts)
	if err != nil {
		return nil, err
	}

	count := int((totalSize + chunkSize - 1) / chunkSize)
	descriptors := make([]ChunkDescriptor, count)
	for i := 0; i < count; i++ {
		offset := int64(i) * chunkSize
		length := chunkSize
		if i == count-1 {
			length = totalSize - offset
		}
		descriptors[i] = ChunkDescriptor{
			Index:  i + 1,
			Offset: offset,
			Length: length,
		}
	}

	return descriptors, nil
}

// ChunkSizeBytes returns the nominal chunk size Plan uses for the given inputs.
func ChunkSizeBytes(totalSize int64, targetChunkSizeMB, minChunkSizeMB float64, maxParts int) (int64, error) {
	if totalSize <= 0 {
		return 0, fmt.Errorf("%w: total size must be positive, got %d", ErrInvalidInput, totalSize)
	}
	if targetChunkSizeMB <= 0 || math.IsNaN(targetChunkSizeMB) || math.IsInf(targetChunkSizeMB, 0) {
		return 0, fmt.Errorf("%w: target chunk size must be positive, got %v", ErrInvalidInput, targetChunkSizeMB)
	}
	if maxParts < 0 {
		return 0, fmt.Errorf("%w: max parts must not be negative, got %d", ErrInvalidInput, maxParts)
	}
	if minChunkSizeMB <= 0 || math.IsNaN(minChunkSizeMB) {
		minChunkSizeMB = DefaultMinChunkSizeMB
	}

	sizeMB := math.Max(targetChunkSizeMB, minChunkSizeMB)
	chunkSize := int64(sizeMB * MB)
	if chunkSize <= 0 || sizeMB*MB >= math.MaxInt64 {
		chunkSize = totalSize
	}

	if maxParts > 0 {
		if count := (totalSize + chunkSize - 1) / chunkSize; count > int64(maxParts) {
			chunkSize = (totalSize + int64(maxParts) - 1) / int64(maxParts)
		}
	}

	return chunkSize, nil
}

// SplitCount derives a target chunk size in whole MB by dividing the file into the given number
// of splits, never going below DefaultMinChunkSizeMB.
func SplitCount(totalSize int64, splits int) float64 {
	if splits <= 0 {
		splits = 1
	}
	size := math.Floor(float64(totalSize) / MB / float64(splits))
	if size < DefaultMinChunkSizeMB {
		return DefaultMinChunkSizeMB
	}
	return size
}
