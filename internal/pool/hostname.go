package pool

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// randomHex returns n random bytes hex-encoded, using a cryptographic RNG
// as spec.md §4.B requires for pool-owned hostnames.
func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate random hex: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// generateHostname builds a pool-owned hostname of the form
// "{prefix}{template_vmid}-{hex8}".
func generateHostname(prefix string, templateVMID int) (string, error) {
	suffix, err := randomHex(4) // 4 bytes -> 8 hex chars
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s%d-%s", prefix, templateVMID, suffix), nil
}

// GenerateInstanceID builds the default instance id ("pvelxc-{hex4}") used
// by the HTTP layer when a caller does not supply one.
func GenerateInstanceID() (string, error) {
	suffix, err := randomHex(2) // 2 bytes -> 4 hex chars
	if err != nil {
		return "", err
	}
	return "pvelxc-" + suffix, nil
}
