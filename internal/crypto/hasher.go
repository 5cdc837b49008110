package crypto

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"sort"
)

// HashFiles returns a deterministic hex SHA-256 digest over a
// filename→content map. Filenames are sorted lexicographically and each
// name/content pair is length-prefixed before being fed to the digest, so
// the result is independent of map iteration order and unambiguous for
// any byte content.
func HashFiles(files map[string][]byte) string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	h := sha256.New()
	var length [8]byte
	for _, name := range names {
		binary.BigEndian.PutUint64(length[:], uint64(len(name)))
		h.Write(length[:])
		h.Write([]byte(name))
		binary.BigEndian.PutUint64(length[:], uint64(len(files[name])))
		h.Write(length[:])
		h.Write(files[name])
	}
	return hex.EncodeToString(h.Sum(nil))
}
