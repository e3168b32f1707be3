// Package signature derives the two keys the enricher uses: a content
// fingerprint for the prefetch cache and a lossy request signature used
// only to trace calls to the vision service.
package signature

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/menta2k/image-enricher/pkg/types"
)

// FingerprintBytes is how much of a file is hashed for its cache key
const FingerprintBytes = 16 * 1024

// RequestSignatureLength is the number of hex characters kept
const RequestSignatureLength = 8

// ErrNoKey is returned when a file cannot be read to build a cache key.
// Callers treat it as a cache miss.
var ErrNoKey = errors.New("no cache key")

var trailingCounter = regexp.MustCompile(`-\d+$`)

// Fingerprint hashes the first FingerprintBytes of the file at path.
func Fingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	defer f.Close()
	return FingerprintReader(f)
}

// FingerprintReader hashes the first FingerprintBytes of r.
func FingerprintReader(r io.Reader) (string, error) {
	h := sha256.New()
	n, err := io.Copy(h, io.LimitReader(r, FingerprintBytes))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrNoKey, err)
	}
	if n == 0 {
		return "", fmt.Errorf("%w: empty content", ErrNoKey)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// LogicalName strips directory, extension and a trailing "-<digits>"
// counter, so "canola-12.jpg" and "canola.jpg" share a name.
func LogicalName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	return trailingCounter.ReplaceAllString(name, "")
}

// Request returns the short tracing signature for a request naming path
// with the given features. Distinct files sharing a logical name collide.
func Request(path string, features types.FeatureSet) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00", LogicalName(path))
	for _, f := range features {
		if f == types.FeatureLabel {
			fmt.Fprintf(h, "%s:%d\x00", f, types.LabelMaxResults)
			continue
		}
		fmt.Fprintf(h, "%s\x00", f)
	}
	return hex.EncodeToString(h.Sum(nil))[:RequestSignatureLength]
}
