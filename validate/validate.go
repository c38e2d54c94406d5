// Package validate holds the stateless checkers of the bucket engine:
// key/size/metadata limits, list limits, byte-range normalisation, digest
// comparison and precondition evaluation. Everything in this package is a
// pure function over its inputs.
package validate

import (
	"encoding/hex"
	"fmt"
	"strings"

	humanize "github.com/dustin/go-humanize"

	"github.com/thatique/gudang/verr"
)

const (
	// MaxKeySize is the maximum UTF-8 encoded length of an object key.
	MaxKeySize = 1024

	// MaxValueSize is the maximum size of a single object value.
	MaxValueSize = 5*humanize.GiByte - 5*humanize.MiByte

	// MaxMetadataSize is the maximum serialised length of the custom
	// metadata of one object.
	MaxMetadataSize = 2048

	// MaxListLimit is the maximum page size of a list operation.
	MaxListLimit = 1000

	// MinPartSize is the minimum size of every non-last part of a
	// multipart upload in production mode.
	MinPartSize = 5 * humanize.MiByte
)

// Key checks the object key length.
func Key(key string) error {
	if len(key) > MaxKeySize {
		return verr.Newf(verr.InvalidObjectName, nil, "key of %d bytes exceeds the maximum of %d", len(key), MaxKeySize)
	}
	return nil
}

// Size checks the object value size against MaxValueSize.
func Size(n int64) error {
	if n > MaxValueSize {
		return verr.Newf(verr.EntityTooLarge, nil, "value of %d bytes exceeds the maximum of %d", n, MaxValueSize)
	}
	return nil
}

// serialisedLength measures a string the way the wire metadata encoding
// does: every code point counts 2 when any code point in the string is
// outside latin-1, and 1 otherwise.
func serialisedLength(s string) int {
	n := 0
	wide := false
	for _, r := range s {
		n++
		if r >= 256 {
			wide = true
		}
	}
	if wide {
		return 2 * n
	}
	return n
}

// MetadataSize checks the total serialised length of the custom metadata.
func MetadataSize(custom map[string]string) error {
	total := 0
	for k, v := range custom {
		total += serialisedLength(k) + serialisedLength(v)
	}
	if total > MaxMetadataSize {
		return verr.Newf(verr.MetadataTooLarge, nil, "custom metadata of %d bytes exceeds the maximum of %d", total, MaxMetadataSize)
	}
	return nil
}

// Limit checks a list page limit. A nil limit means the default and always
// passes.
func Limit(n *int) error {
	if n == nil {
		return nil
	}
	if *n < 1 || *n > MaxListLimit {
		return verr.Newf(verr.InvalidMaxKeys, nil, "limit must be between 1 and %d, got %d", MaxListLimit, *n)
	}
	return nil
}

// BadDigestError carries which digest failed and the two values that were
// compared. It is wrapped in a verr.BadDigest error; use xerrors.As to
// recover it.
type BadDigestError struct {
	Algorithm string
	Provided  string
	Computed  string
}

func (e *BadDigestError) Error() string {
	return fmt.Sprintf("the %s checksum you specified (%s) did not match what we received (%s)",
		e.Algorithm, e.Provided, e.Computed)
}

// Hash compares the caller-provided digests against the computed ones and
// returns the canonical checksums map covering every provided and computed
// algorithm, all values lowercase hex. computed maps algorithm name to raw
// digest bytes; expected maps algorithm name to the hex digest the caller
// claimed.
func Hash(computed map[string][]byte, expected map[string]string) (map[string]string, error) {
	checksums := make(map[string]string, len(computed))
	for algorithm, sum := range computed {
		checksums[algorithm] = hex.EncodeToString(sum)
	}
	for algorithm, provided := range expected {
		canonical := strings.ToLower(provided)
		got, ok := checksums[algorithm]
		if !ok {
			return nil, verr.Newf(verr.Internal, nil, "no %s digest was computed for comparison", algorithm)
		}
		if got != canonical {
			return nil, verr.New(verr.BadDigest, &BadDigestError{
				Algorithm: algorithm,
				Provided:  canonical,
				Computed:  got,
			}, 1, "digest mismatch")
		}
	}
	return checksums, nil
}
