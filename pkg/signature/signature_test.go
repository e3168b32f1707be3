package signature

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/menta2k/image-enricher/pkg/types"
)

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestFingerprintOnlyHashesPrefix(t *testing.T) {
	prefix := bytes.Repeat([]byte{0xAB}, FingerprintBytes)
	a := writeFile(t, "a.jpg", append(append([]byte{}, prefix...), []byte("tail one")...))
	b := writeFile(t, "b.jpg", append(append([]byte{}, prefix...), []byte("different tail")...))

	fa, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("Fingerprint(a): %v", err)
	}
	fb, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("Fingerprint(b): %v", err)
	}
	if fa != fb {
		t.Errorf("fingerprints differ for identical 16 KiB prefix: %s vs %s", fa, fb)
	}
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	a := writeFile(t, "a.jpg", []byte("first image"))
	b := writeFile(t, "b.jpg", []byte("second image"))
	fa, _ := Fingerprint(a)
	fb, _ := Fingerprint(b)
	if fa == fb {
		t.Error("expected distinct fingerprints")
	}
	if len(fa) != 64 {
		t.Errorf("expected sha256 hex, got %d chars", len(fa))
	}
}

func TestFingerprintUnreadableIsNoKey(t *testing.T) {
	_, err := Fingerprint(filepath.Join(t.TempDir(), "missing.jpg"))
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey, got %v", err)
	}
	_, err = Fingerprint(writeFile(t, "empty.jpg", nil))
	if !errors.Is(err, ErrNoKey) {
		t.Fatalf("expected ErrNoKey for empty file, got %v", err)
	}
}

func TestLogicalName(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"/uploads/canola.jpg", "canola"},
		{"/uploads/canola-1.jpg", "canola"},
		{"/uploads/canola-123.jpeg", "canola"},
		{"eiffel-tower.png", "eiffel-tower"},
		{"2019-08-photo.jpg", "2019-08-photo"},
		{"img-2019-08.jpg", "img-2019"},
	}
	for _, test := range tests {
		if got := LogicalName(test.input); got != test.expected {
			t.Errorf("LogicalName(%s) = %s, expected %s", test.input, got, test.expected)
		}
	}
}

func TestRequestSignature(t *testing.T) {
	labels := types.Features(types.FeatureLabel)
	sig := Request("/tmp/canola-4.jpg", labels)
	if len(sig) != RequestSignatureLength {
		t.Fatalf("signature length = %d", len(sig))
	}
	if other := Request("/other/dir/canola.jpg", labels); other != sig {
		t.Errorf("same logical name should share a signature: %s vs %s", sig, other)
	}
	if other := Request("/tmp/canola.jpg", types.Features(types.FeatureSafeSearch)); other == sig {
		t.Error("different features should change the signature")
	}
	if other := Request("/tmp/cocacola.jpg", labels); other == sig {
		t.Error("different names should change the signature")
	}
}
