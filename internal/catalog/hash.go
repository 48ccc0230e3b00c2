package catalog

import (
	"fmt"
	"io"
	"os"

	"github.com/cespare/xxhash/v2"
)

// HashFile computes the content fingerprint stored in File.ContentHash. It
// streams the file rather than loading it whole, so large media files don't
// balloon watcher memory. xxhash is already pulled in transitively by the
// Redis client; reusing it here avoids adding a second hashing dependency
// for what is a non-cryptographic change-detection fingerprint.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open %q for hashing: %w", path, err)
	}
	defer f.Close()

	h := xxhash.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %q: %w", path, err)
	}

	return fmt.Sprintf("%016x", h.Sum64()), nil
}
