// Package upload implements Driftdesk's resumable chunked upload engine:
// the session state machine, the chunk-ordering protocol, and the
// backpressure-aware pipeline from inbound chunk bodies to a blob store sink.
package upload

import (
	"regexp"
	"strconv"

	uperr "github.com/driftdesk/driftdesk/internal/errors"
)

// ChunkRange is a parsed byte-range declaration for a single chunk. It is
// ephemeral: it exists only for the duration of one chunk call.
type ChunkRange struct {
	// Start is the offset of the chunk's first byte within the upload.
	Start int64
	// End is the offset of the chunk's last byte (inclusive).
	End int64
	// Total is the declared total size of the whole upload.
	Total int64
}

// Length returns the number of bytes the range covers.
func (r ChunkRange) Length() int64 {
	return r.End - r.Start + 1
}

// rangePattern matches the documented chunk range form
// "bytes {start}-{end}/{total}".
var rangePattern = regexp.MustCompile(`^bytes (\d+)-(\d+)/(\d+)$`)

// ParseChunkRange parses and validates a chunk's byte-range declaration.
// It is pure: the same input always yields the same result. The caller is
// responsible for cross-checking Total against the session's recorded size.
//
// Returns ErrMalformedRange if the header does not match the grammar or
// end < start, and ErrRangeExceedsTotal if end >= total.
func ParseChunkRange(header string) (ChunkRange, error) {
	m := rangePattern.FindStringSubmatch(header)
	if m == nil {
		return ChunkRange{}, uperr.ErrMalformedRange
	}

	start, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return ChunkRange{}, uperr.ErrMalformedRange
	}
	end, err := strconv.ParseInt(m[2], 10, 64)
	if err != nil {
		return ChunkRange{}, uperr.ErrMalformedRange
	}
	total, err := strconv.ParseInt(m[3], 10, 64)
	if err != nil {
		return ChunkRange{}, uperr.ErrMalformedRange
	}

	if end < start {
		return ChunkRange{}, uperr.ErrMalformedRange
	}
	if end >= total {
		return ChunkRange{}, uperr.ErrRangeExceedsTotal
	}

	return ChunkRange{Start: start, End: end, Total: total}, nil
}
