package signatures

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/sha3"

	dserr "github.com/i4g/dossiers/pkg/errors"
)

// DefaultAlgorithm is used when a manifest or upload row names none.
const DefaultAlgorithm = "sha256"

// chunkSize bounds memory while hashing large exports.
const chunkSize = 1 << 20

var hashers = map[string]func() hash.Hash{
	"sha256":   sha256.New,
	"sha512":   sha512.New,
	"sha1":     sha1.New,
	"md5":      md5.New,
	"sha3_256": sha3.New256,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New512(nil)
		return h
	},
}

// Supported reports whether algorithm can be computed.
func Supported(algorithm string) bool {
	_, ok := hashers[normalize(algorithm)]
	return ok
}

// Algorithms lists the supported algorithm names in sorted order.
func Algorithms() []string {
	names := make([]string, 0, len(hashers))
	for name := range hashers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NewHash returns a fresh hash.Hash for algorithm.
func NewHash(algorithm string) (hash.Hash, error) {
	ctor, ok := hashers[normalize(algorithm)]
	if !ok {
		return nil, dserr.Newf(dserr.CodeUnsupportedHash, "unsupported hash algorithm %q", algorithm)
	}
	return ctor(), nil
}

// HashFile streams path through algorithm and returns the hex digest and
// the number of bytes read.
func HashFile(path, algorithm string) (string, int64, error) {
	h, err := NewHash(algorithm)
	if err != nil {
		return "", 0, err
	}
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()

	var total int64
	buf := make([]byte, chunkSize)
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
			total += int64(n)
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return "", 0, fmt.Errorf("hash %s: %w", path, readErr)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), total, nil
}

func normalize(algorithm string) string {
	a := strings.ToLower(strings.TrimSpace(algorithm))
	if a == "" {
		return DefaultAlgorithm
	}
	return a
}
