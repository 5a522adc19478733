package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var validModelNameRe = regexp.MustCompile(
	`^[A-Za-z0-9][A-Za-z0-9._-]*(/[A-Za-z0-9][A-Za-z0-9._-]*)?$`,
)

// ValidateModelName accepts hub-style model identifiers ("resnet50",
// "owner/repo-name") and rejects anything that could escape the cache
// directory or smuggle URL syntax.
func ValidateModelName(model string) error {
	model = strings.TrimSpace(model)

	if model == "" {
		return fmt.Errorf("model name is empty")
	}
	if len(model) > 192 {
		return fmt.Errorf("model name too long")
	}
	if strings.Contains(model, "..") {
		return fmt.Errorf("invalid model name: %s", model)
	}
	if !validModelNameRe.MatchString(model) {
		return fmt.Errorf("invalid model name: %s", model)
	}
	return nil
}

// VerifyChecksum compares a file's sha256 digest against the expected
// hex string.
func VerifyChecksum(path string, wantHex string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("failed to hash file: %w", err)
	}

	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, strings.TrimSpace(wantHex)) {
		return fmt.Errorf("checksum mismatch for %s: got %s, want %s", path, got, wantHex)
	}
	return nil
}
