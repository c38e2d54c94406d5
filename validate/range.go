package validate

import (
	"strconv"
	"strings"

	"github.com/thatique/gudang/blob"
	"github.com/thatique/gudang/verr"
)

// RangeSpec is the structured byte-range request carried on a get. At most
// one of the two shapes is used: {Offset, Length} addressing from the start,
// or Suffix addressing from the end.
type RangeSpec struct {
	Offset *int64 `json:"offset,omitempty"`
	Length *int64 `json:"length,omitempty"`
	Suffix *int64 `json:"suffix,omitempty"`
}

func (s *RangeSpec) empty() bool {
	return s == nil || (s.Offset == nil && s.Length == nil && s.Suffix == nil)
}

// Range normalises a range request against an object of the given size to an
// inclusive [start, end] window. A nil result means the whole object.
//
// A structured spec that is empty, negative or out of bounds fails with
// InvalidRange. An HTTP Range header that is invalid, multi-range or
// unsatisfiable collapses to the whole object without error.
func Range(spec *RangeSpec, header string, size int64) (*blob.ByteRange, error) {
	if !spec.empty() {
		return structuredRange(spec, size)
	}
	if header != "" {
		return headerRange(header, size)
	}
	return nil, nil
}

func structuredRange(spec *RangeSpec, size int64) (*blob.ByteRange, error) {
	if spec.Suffix != nil {
		if spec.Offset != nil || spec.Length != nil {
			return nil, verr.Newf(verr.InvalidRange, nil, "suffix may not be combined with offset or length")
		}
		suffix := *spec.Suffix
		if suffix <= 0 {
			return nil, verr.Newf(verr.InvalidRange, nil, "suffix must be positive, got %d", suffix)
		}
		if size == 0 {
			return nil, verr.Newf(verr.InvalidRange, nil, "suffix range of an empty object")
		}
		start := size - suffix
		if start < 0 {
			start = 0
		}
		return &blob.ByteRange{Start: start, End: size - 1}, nil
	}

	var start int64
	if spec.Offset != nil {
		start = *spec.Offset
		if start < 0 {
			return nil, verr.Newf(verr.InvalidRange, nil, "offset must be non-negative, got %d", start)
		}
	}
	if start >= size {
		return nil, verr.Newf(verr.InvalidRange, nil, "offset %d is past the end of a %d byte object", start, size)
	}
	end := size - 1
	if spec.Length != nil {
		length := *spec.Length
		if length <= 0 {
			return nil, verr.Newf(verr.InvalidRange, nil, "length must be positive, got %d", length)
		}
		if last := start + length - 1; last < end {
			end = last
		}
	}
	return &blob.ByteRange{Start: start, End: end}, nil
}

const byteRangePrefix = "bytes="

// headerRange parses an HTTP Range header. Anything the engine cannot serve
// as a single satisfiable range collapses to the whole object.
func headerRange(header string, size int64) (*blob.ByteRange, error) {
	// Return whole object if given range string doesn't start with the byte
	// range prefix.
	if !strings.HasPrefix(header, byteRangePrefix) {
		return nil, nil
	}
	byteRangeString := strings.TrimPrefix(header, byteRangePrefix)

	// Multi-range specifications collapse to the whole object.
	if strings.Contains(byteRangeString, ",") {
		return nil, nil
	}

	// Check if range string contains delimiter '-', else return whole
	// object. eg. "bytes=8"
	sepIndex := strings.Index(byteRangeString, "-")
	if sepIndex == -1 {
		return nil, nil
	}

	offsetBegin, ok := parseBytePosition(byteRangeString[:sepIndex])
	if !ok {
		return nil, nil
	}
	offsetEnd, ok := parseBytePosition(byteRangeString[sepIndex+1:])
	if !ok {
		return nil, nil
	}

	switch {
	case offsetBegin > -1 && offsetEnd > -1:
		// "bytes=s-e": unsatisfiable and inverted ranges collapse to the
		// whole object.
		if offsetBegin > offsetEnd || offsetBegin >= size {
			return nil, nil
		}
		end := offsetEnd
		if end > size-1 {
			end = size - 1
		}
		return &blob.ByteRange{Start: offsetBegin, End: end}, nil
	case offsetBegin > -1:
		// "bytes=s-"
		if offsetBegin >= size {
			return nil, nil
		}
		return &blob.ByteRange{Start: offsetBegin, End: size - 1}, nil
	case offsetEnd > -1:
		// "bytes=-n" suffix. "bytes=-0" is ignored.
		if offsetEnd == 0 || size == 0 {
			return nil, nil
		}
		start := size - offsetEnd
		if start < 0 {
			start = 0
		}
		return &blob.ByteRange{Start: start, End: size - 1}, nil
	default:
		// "bytes=-": both positions missing.
		return nil, nil
	}
}

// parseBytePosition parses one side of a range specification. It returns -1
// for an empty position, and ok=false when the position is malformed.
func parseBytePosition(s string) (int64, bool) {
	if len(s) == 0 {
		return -1, true
	}
	if s[0] == '+' {
		return 0, false
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
