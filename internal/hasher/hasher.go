// Package hasher computes content digests of local files. The digest depends
// only on the bytes read, never on the chunk size used to read them.
package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/tansive/ckansync/internal/common/apperrors"
	"golang.org/x/crypto/blake2b"
)

// DefaultAlgorithm is the 160-bit digest recorded in the ledger.
const DefaultAlgorithm = "sha1"

var (
	ErrUnknownAlgorithm apperrors.Error = apperrors.ErrUsage.New("unknown hash algorithm")
	ErrOpen             apperrors.Error = apperrors.ErrIO.New("unable to open file for hashing")
	ErrRead             apperrors.Error = apperrors.ErrIO.New("unable to read file for hashing")
)

var algorithms = map[string]func() hash.Hash{
	"md5":    md5.New,
	"sha1":   sha1.New,
	"sha256": sha256.New,
	"sha512": sha512.New,
	"blake2b": func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	},
}

// Algorithms lists the supported algorithm names.
func Algorithms() []string {
	names := make([]string, 0, len(algorithms))
	for name := range algorithms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New returns a fresh hash for algo; an empty algo selects DefaultAlgorithm.
func New(algo string) (hash.Hash, error) {
	if algo == "" {
		algo = DefaultAlgorithm
	}
	ctor, ok := algorithms[strings.ToLower(algo)]
	if !ok {
		return nil, ErrUnknownAlgorithm.New(fmt.Sprintf("unknown hash algorithm %q (supported: %s)", algo, strings.Join(Algorithms(), ", ")))
	}
	return ctor(), nil
}

// HashFile returns the lowercase hex digest of the file at path.
// chunksize 0 reads the whole file at once.
func HashFile(path, algo string, chunksize int) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", ErrOpen.MsgErr(fmt.Sprintf("unable to open %s", path), err)
	}
	defer f.Close()
	return HashReader(f, algo, chunksize)
}

// HashReader digests everything r yields.
func HashReader(r io.Reader, algo string, chunksize int) (string, error) {
	h, err := New(algo)
	if err != nil {
		return "", err
	}

	if chunksize <= 0 {
		data, err := io.ReadAll(r)
		if err != nil {
			return "", ErrRead.Err(err)
		}
		h.Write(data)
		return hex.EncodeToString(h.Sum(nil)), nil
	}

	buf := make([]byte, chunksize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			h.Write(buf[:n])
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", ErrRead.Err(err)
		}
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
