package collection

import (
	"crypto/md5" //nolint:gosec // sample identity, not security
	"crypto/sha1" //nolint:gosec // sample identity, not security
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/auri/auri/pkg/plugin"
)

// Hashes are the identities of a sample file.
type Hashes struct {
	MD5    string
	SHA1   string
	SHA256 string
}

// Lookup exposes the hashes to info providers.
func (h Hashes) Lookup() plugin.HashLookup {
	return func(algo plugin.HashAlgorithm) string {
		switch algo {
		case plugin.HashMD5:
			return h.MD5
		case plugin.HashSHA1:
			return h.SHA1
		default:
			return h.SHA256
		}
	}
}

// HashFile checks that path is a readable regular file and computes its hashes
// in one pass.
func HashFile(path string) (Hashes, error) {
	info, err := os.Stat(path)
	if err != nil {
		return Hashes{}, err
	}
	if !info.Mode().IsRegular() {
		return Hashes{}, fmt.Errorf("%s is not a regular file", path)
	}

	f, err := os.Open(path)
	if err != nil {
		return Hashes{}, err
	}
	defer f.Close()

	md5h, sha1h, sha256h := md5.New(), sha1.New(), sha256.New() //nolint:gosec
	if _, err := io.Copy(io.MultiWriter(md5h, sha1h, sha256h), f); err != nil {
		return Hashes{}, fmt.Errorf("failed to read %s: %w", path, err)
	}

	return Hashes{
		MD5:    hex.EncodeToString(md5h.Sum(nil)),
		SHA1:   hex.EncodeToString(sha1h.Sum(nil)),
		SHA256: hex.EncodeToString(sha256h.Sum(nil)),
	}, nil
}

// copyFile copies src to dst, replacing dst. A partial dst is removed.
func copyFile(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			_ = os.Remove(dst)
		}
	}()

	_, err = io.Copy(out, in)
	return err
}

// placeFile copies src to dst through a temporary file renamed into place, so dst
// is never seen partially written. It reports false when dst already is a regular
// file, in which case nothing is written since both have the same content.
func placeFile(src, dst string) (bool, error) {
	if info, err := os.Lstat(dst); err == nil && info.Mode().IsRegular() {
		return false, nil
	}

	staged := dst + ".part"
	if err := copyFile(src, staged); err != nil {
		return false, err
	}
	if err := os.Rename(staged, dst); err != nil {
		_ = os.Remove(staged)
		return false, err
	}
	return true, nil
}
