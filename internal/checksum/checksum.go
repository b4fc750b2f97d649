// Package checksum hashes content while it streams.
package checksum

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"strings"

	"github.com/zeebo/blake3"
)

const (
	MD5    = "md5"
	SHA1   = "sha1"
	SHA256 = "sha256"
	BLAKE3 = "blake3"
)

// All lists every supported algorithm.
var All = []string{MD5, SHA1, SHA256, BLAKE3}

// Normalize maps provider spellings ("MD5", "sha-256") onto the supported
// names. Unknown algorithms return "".
func Normalize(alg string) string {
	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(alg)), "-", "") {
	case "md5":
		return MD5
	case "sha1":
		return SHA1
	case "sha256":
		return SHA256
	case "blake3":
		return BLAKE3
	}
	return ""
}

// New returns a hasher for alg. Unknown or empty algorithms fall back to
// BLAKE3; the returned name is the algorithm actually used.
func New(alg string) (hash.Hash, string) {
	switch Normalize(alg) {
	case MD5:
		return md5.New(), MD5
	case SHA1:
		return sha1.New(), SHA1
	case SHA256:
		return sha256.New(), SHA256
	}
	return blake3.New(), BLAKE3
}

// Reader hashes and counts everything read through it.
type Reader struct {
	r   io.Reader
	h   hash.Hash
	alg string
	n   int64
}

func NewReader(r io.Reader, alg string) *Reader {
	h, used := New(alg)
	return &Reader{r: r, h: h, alg: used}
}

func (r *Reader) Read(p []byte) (int, error) {
	n, err := r.r.Read(p)
	if n > 0 {
		r.h.Write(p[:n])
		r.n += int64(n)
	}
	return n, err
}

// Algorithm is the algorithm in use.
func (r *Reader) Algorithm() string { return r.alg }

// N is the number of bytes read so far.
func (r *Reader) N() int64 { return r.n }

// Sum returns the lowercase hex digest of the bytes read so far.
func (r *Reader) Sum() string { return hex.EncodeToString(r.h.Sum(nil)) }

// Set computes every supported algorithm in one pass.
type Set struct {
	hashes map[string]hash.Hash
	w      io.Writer
	n      int64
}

func NewSet() *Set {
	s := &Set{hashes: make(map[string]hash.Hash, len(All))}
	writers := make([]io.Writer, 0, len(All))
	for _, alg := range All {
		h, _ := New(alg)
		s.hashes[alg] = h
		writers = append(writers, h)
	}
	s.w = io.MultiWriter(writers...)
	return s
}

func (s *Set) Write(p []byte) (int, error) {
	n, err := s.w.Write(p)
	s.n += int64(n)
	return n, err
}

func (s *Set) N() int64 { return s.n }

// Sums returns hex digests keyed by algorithm.
func (s *Set) Sums() map[string]string {
	out := make(map[string]string, len(s.hashes))
	for alg, h := range s.hashes {
		out[alg] = hex.EncodeToString(h.Sum(nil))
	}
	return out
}

// Equal compares two hex digests ignoring case.
func Equal(a, b string) bool {
	return a != "" && strings.EqualFold(a, b)
}
