package didconnect

import (
	"fmt"

	"github.com/go-jose/go-jose/v3"

	"github.com/tbd54566975/web5-agent-go/internal/identity"
)

// decryptPIN decrypts the Verification challenge payload (a compact JWE
// addressed to the identity's key-agreement key) and returns the PIN it
// contains. Any failure here is treated exactly like a not-ok Verification
// response.
func decryptPIN(ci *identity.ClientIdentity, payload string) (string, error) {
	key, err := ci.KeyForPurpose(identity.PurposeKeyAgreement)
	if err != nil {
		return "", err
	}

	jwe, err := jose.ParseEncrypted(payload)
	if err != nil {
		return "", fmt.Errorf("malformed challenge payload: %w", err)
	}

	pin, err := jwe.Decrypt(key.KeyPair.PrivateKeyJWK.Key)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt challenge: %w", err)
	}

	return string(pin), nil
}
