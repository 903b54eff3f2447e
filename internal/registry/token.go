package registry

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"golang.zx2c4.com/wireguard/wgctrl/wgtypes"
)

// tokenBytes gives access tokens 256 bits of entropy.
const tokenBytes = 32

// GenerateToken returns a random URL-safe access token.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// NormalizeCredential parses a WireGuard public key and returns its
// canonical base64 form.
func NormalizeCredential(credential string) (string, error) {
	key, err := wgtypes.ParseKey(credential)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCredential, err)
	}
	return key.String(), nil
}
