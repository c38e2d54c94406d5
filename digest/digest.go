// Package digest provides a pass-through reader that computes a set of
// cryptographic digests while the stream is consumed.
package digest

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha512"
	"hash"
	"io"

	sha256 "github.com/minio/sha256-simd"

	"github.com/thatique/gudang/verr"
)

// Algorithm names accepted by NewReader, matching the checksum algorithm
// names stored on object metadata.
const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
	SHA384 = "sha384"
	SHA512 = "sha512"
)

func newHash(algorithm string) hash.Hash {
	switch algorithm {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	}
	return nil
}

// Reader is an io.Reader that passes bytes through unchanged while updating
// one hash per configured algorithm. Digest computation interleaves with
// consumption; nothing is buffered.
type Reader struct {
	r      io.Reader
	hashes map[string]hash.Hash
}

// NewReader wraps r, computing a digest for each of the given algorithms.
// Duplicate algorithm names collapse to one hash.
func NewReader(r io.Reader, algorithms ...string) (*Reader, error) {
	hashes := make(map[string]hash.Hash, len(algorithms))
	for _, algorithm := range algorithms {
		if _, ok := hashes[algorithm]; ok {
			continue
		}
		h := newHash(algorithm)
		if h == nil {
			return nil, verr.Newf(verr.InvalidArgument, nil, "digest: unsupported algorithm %q", algorithm)
		}
		hashes[algorithm] = h
	}
	return &Reader{r: r, hashes: hashes}, nil
}

func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		for _, h := range d.hashes {
			// hash.Hash.Write never returns an error.
			h.Write(p[:n])
		}
	}
	return n, err
}

// Sums returns the digest of every configured algorithm over the bytes read
// so far. It is meaningful once the underlying stream has returned io.EOF.
func (d *Reader) Sums() map[string][]byte {
	sums := make(map[string][]byte, len(d.hashes))
	for algorithm, h := range d.hashes {
		sums[algorithm] = h.Sum(nil)
	}
	return sums
}
