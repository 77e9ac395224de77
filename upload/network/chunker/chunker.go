// Package chunker computes deterministic chunk plans for segmented media
// uploads. The same payload size always produces the same plan, so a transfer
// can be resumed, inspected or replayed without renegotiating chunk
// boundaries.
package chunker

const (
	kib = 1024
	mib = 1024 * kib

	// Payloads below this size are sent as a single APPEND.
	singleChunkLimit = 1 * mib

	// Band boundary above which the larger chunk size is used.
	largePayloadLimit = 10 * mib

	smallChunkSize = 1 * mib
	largeChunkSize = 5 * mib
)

// Chunk is one contiguous segment of the payload. Offset and Length address
// the payload byte range, Index is the zero-based APPEND segment index.
type Chunk struct {
	Index  int
	Offset int64
	Length int64
}

// ChunkSize returns the chunk size to use for a payload of the given size.
//
// Payloads under 1 MiB travel as a single chunk. Payloads between 1 MiB and
// 10 MiB are cut into 1 MiB chunks so a transient failure only retransmits a
// small range. From 10 MiB upwards chunks grow to 5 MiB to keep the request
// count (and per-request overhead) low.
func ChunkSize(totalBytes int64) int64 {
	switch {
	case totalBytes <= 0:
		return 0
	case totalBytes < singleChunkLimit:
		return totalBytes
	case totalBytes < largePayloadLimit:
		return smallChunkSize
	default:
		return largeChunkSize
	}
}

// Count returns the number of chunks a payload of totalBytes splits into
// when cut at chunkSize. The last chunk may be shorter.
func Count(totalBytes, chunkSize int64) int {
	if totalBytes <= 0 || chunkSize <= 0 {
		return 0
	}

	return int((totalBytes + chunkSize - 1) / chunkSize)
}

// Plan cuts a payload of totalBytes into an ordered list of chunks of
// chunkSize each. Chunks are contiguous, non-overlapping and cover the whole
// payload. All chunks except the last have exactly chunkSize bytes.
func Plan(totalBytes, chunkSize int64) []Chunk {
	count := Count(totalBytes, chunkSize)
	if count == 0 {
		return nil
	}

	chunks := make([]Chunk, count)
	for i := range chunks {
		offset := int64(i) * chunkSize
		length := chunkSize
		if remaining := totalBytes - offset; remaining < length {
			length = remaining
		}

		chunks[i] = Chunk{
			Index:  i,
			Offset: offset,
			Length: length,
		}
	}

	return chunks
}
