package module

import (
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Checksum returns the hex BLAKE2b-256 digest of image.
func Checksum(image []byte) string {
	sum := blake2b.Sum256(image)
	return hex.EncodeToString(sum[:])
}

// VerifyImage checks desc.Image against desc.Checksum.
func VerifyImage(desc Descriptor) error {
	if desc.Checksum == "" {
		return nil
	}
	want, err := hex.DecodeString(strings.TrimSpace(desc.Checksum))
	if err != nil || len(want) != blake2b.Size256 {
		return fmt.Errorf("%w: %s: malformed checksum", ErrChecksumMismatch, desc.ID)
	}
	got := blake2b.Sum256(desc.Image)
	if subtle.ConstantTimeCompare(got[:], want) != 1 {
		return fmt.Errorf("%w: %s", ErrChecksumMismatch, desc.ID)
	}
	return nil
}
