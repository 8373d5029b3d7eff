package domain

// Instant is the monotonically increasing sequence token the log
// subsystem assigns to every log record. Instants totally order records
// and double as the replication watermark.
type Instant uint64

// Chunk is a contiguous byte range of serialized log records, copied out
// of the caller's buffer at append time and tagged with the instant of
// the last record it contains.
type Chunk struct {
	// GreatestInstant is the instant of the last log record in Data.
	GreatestInstant Instant

	// Data is the serialized log records. Owned by the chunk; never
	// aliased to caller memory.
	Data []byte
}

// Len returns the payload size in bytes.
func (c Chunk) Len() int {
	return len(c.Data)
}
