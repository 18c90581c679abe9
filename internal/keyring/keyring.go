// Package keyring wraps the OpenPGP primitives the server needs: parsing
// armored public keys, deriving fingerprints, and verifying cleartext-signed
// messages.
package keyring

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/clearsign"
)

var (
	ErrMalformedKey = errors.New("malformed public key")
	ErrBadSignature = errors.New("signature verification failed")
)

// PublicKey is a parsed armored OpenPGP public key.
type PublicKey struct {
	entities openpgp.EntityList
	armored  string
}

func ParsePublicKey(armored string) (*PublicKey, error) {
	entities, err := openpgp.ReadArmoredKeyRing(strings.NewReader(armored))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	if len(entities) == 0 {
		return nil, ErrMalformedKey
	}
	return &PublicKey{entities: entities, armored: armored}, nil
}

// Fingerprint returns the lowercase hex fingerprint of the primary key.
func (k *PublicKey) Fingerprint() string {
	return hex.EncodeToString(k.entities[0].PrimaryKey.Fingerprint)
}

// Armored returns the key exactly as it was supplied at parse time.
func (k *PublicKey) Armored() string {
	return k.armored
}

// VerifyClearsign checks that signature is a cleartext-signed message whose
// signature verifies against key, and returns the signed payload.
func VerifyClearsign(signature string, key *PublicKey) ([]byte, error) {
	block, _ := clearsign.Decode([]byte(signature))
	if block == nil {
		return nil, fmt.Errorf("%w: not a cleartext signed message", ErrBadSignature)
	}
	_, err := openpgp.CheckDetachedSignature(
		key.entities, bytes.NewReader(block.Bytes), block.ArmoredSignature.Body, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	return block.Plaintext, nil
}
