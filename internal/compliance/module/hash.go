package module

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"
)

// FileHasher computes a hex-encoded digest of the file at path using the
// named algorithm. It satisfies the hasher signature SupportFile.Rehash
// expects.
func FileHasher(path, algo string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open support file: %w", err)
	}
	defer f.Close()

	var h hash.Hash
	switch strings.ToLower(algo) {
	case "", "sha256":
		h = sha256.New()
	case "sha1":
		h = sha1.New()
	case "md5":
		h = md5.New()
	default:
		return "", fmt.Errorf("unsupported hash algorithm %q", algo)
	}

	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash support file: %w", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// DefaultRehash deep-copies sf and recomputes its Hash from the filesystem
// via FileHasher (spec §4.5 "deep-copy and refresh hashes for all
// registered support files into the result"). A failed rehash (missing
// file, unreadable, unsupported algorithm) leaves the copy's Hash as
// reported by the module rather than failing the whole evaluation.
func DefaultRehash(sf SupportFile) SupportFile {
	out := sf
	_ = out.Rehash(FileHasher)
	return out
}
