package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
	"os"
)

// Size is the length of a content fingerprint in bytes.
const Size = sha256.Size

// New returns the hash used for content fingerprints. Feeding it the same
// byte sequence always yields the same sum, whether the bytes arrive as one
// buffer or as many writes.
func New() hash.Hash {
	return sha256.New()
}

// Sum fingerprints a buffer.
func Sum(data []byte) []byte {
	sum := sha256.Sum256(data)
	return sum[:]
}

// SumReader fingerprints everything remaining in r.
func SumReader(r io.Reader) ([]byte, error) {
	h := New()
	if _, err := io.Copy(h, r); err != nil {
		return nil, err
	}
	return h.Sum(nil), nil
}

// SumFile fingerprints the file at path.
func SumFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return SumReader(f)
}

// Hex renders a fingerprint for logging and index keys.
func Hex(sum []byte) string {
	return hex.EncodeToString(sum)
}
