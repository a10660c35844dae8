package sampler

import (
	"encoding/binary"
	"time"
)

// Capacity is the number of samples collected before a flush.
const Capacity = 10

// Sample is one temperature reading in hundredths of a degree Celsius.
type Sample int16

// Report is a full buffer handed to the flush handler.
// It is passed by value so the buffer can be reused immediately.
type Report struct {
	Seq     uint64 // 1 for the first flush since start
	Samples [Capacity]Sample
	At      time.Time
}

// ReportSize is the encoded length of a Report.
const ReportSize = Capacity * 2

// Bytes encodes the samples as little-endian int16 values in insertion order.
func (r Report) Bytes() []byte {
	b := make([]byte, ReportSize)
	r.PutBytes(b)
	return b
}

// PutBytes encodes into b, which must be at least ReportSize long.
func (r Report) PutBytes(b []byte) {
	for i, s := range r.Samples {
		binary.LittleEndian.PutUint16(b[i*2:], uint16(s))
	}
}

// Buffer is a fixed-capacity sample buffer with drain-on-full semantics.
// It has a single owner and is not safe for concurrent use.
type Buffer struct {
	samples    [Capacity]Sample
	writeIndex int
}

// Append stores s at the write index. When that fills the buffer, it returns
// a copy of all samples and true, and the buffer is empty again.
func (b *Buffer) Append(s Sample) (full [Capacity]Sample, flushed bool) {
	b.samples[b.writeIndex] = s
	b.writeIndex++

	if b.writeIndex < Capacity {
		return full, false
	}

	full = b.samples
	b.writeIndex = 0
	return full, true
}

// WriteIndex is the next insertion point, always in [0, Capacity).
func (b *Buffer) WriteIndex() int {
	return b.writeIndex
}

// Pending returns the samples appended since the last flush.
func (b *Buffer) Pending() []Sample {
	out := make([]Sample, b.writeIndex)
	copy(out, b.samples[:b.writeIndex])
	return out
}
