// Package identity manages the pairing client's DID, key material and
// endpoint state.
package identity

import (
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v3"
	"github.com/multiformats/go-multibase"
)

// Key purposes.
const (
	PurposeAuthentication = "authentication"
	PurposeKeyAgreement   = "keyAgreement"
)

// keyTypeJWK is the verification method type for JWK-encoded keys.
const keyTypeJWK = "JsonWebKey2020"

// ed25519Codec is the multicodec varint prefix for an Ed25519 public key.
var ed25519Codec = []byte{0xed, 0x01}

// ErrNoKey is returned when the identity lacks a key for the requested
// purpose.
var ErrNoKey = errors.New("identity has no key for purpose")

// KeyPair holds a public/private JWK pair.
type KeyPair struct {
	PublicKeyJWK  jose.JSONWebKey `json:"publicKeyJwk"`
	PrivateKeyJWK jose.JSONWebKey `json:"privateKeyJwk"`
}

// Key is a single key entry of a ClientIdentity.
type Key struct {
	ID         string   `json:"id"`
	Type       string   `json:"type"`
	Controller string   `json:"controller"`
	Purposes   []string `json:"purposes"`
	KeyPair    KeyPair  `json:"keyPair"`
}

// Endpoint describes the last-known provider connection for this identity.
type Endpoint struct {
	Host        string                     `json:"host"`
	Port        int                        `json:"port"`
	Authorized  bool                       `json:"authorized"`
	MRUDid      string                     `json:"mruDid"`
	Permissions map[string]json.RawMessage `json:"permissions"`
}

// ClientIdentity is the pairing client's own DID and keypair, persisted for
// the lifetime of the installation.
type ClientIdentity struct {
	ID        string    `json:"id"`
	Keys      []Key     `json:"keys"`
	Endpoint  Endpoint  `json:"endpoint"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Generate creates a fresh ClientIdentity with an Ed25519 authentication key
// and a P-256 key-agreement key. The DID is derived from the authentication
// public key using the did:key method.
func Generate() (*ClientIdentity, error) {
	sigPub, sigPriv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	encPriv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate key-agreement key: %w", err)
	}

	did, err := DIDFromEd25519(sigPub)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &ClientIdentity{
		ID: did,
		Keys: []Key{
			{
				ID:         did + "#key-1",
				Type:       keyTypeJWK,
				Controller: did,
				Purposes:   []string{PurposeAuthentication},
				KeyPair: KeyPair{
					PublicKeyJWK:  jose.JSONWebKey{Key: sigPub, KeyID: did + "#key-1", Algorithm: string(jose.EdDSA), Use: "sig"},
					PrivateKeyJWK: jose.JSONWebKey{Key: sigPriv, KeyID: did + "#key-1", Algorithm: string(jose.EdDSA), Use: "sig"},
				},
			},
			{
				ID:         did + "#key-2",
				Type:       keyTypeJWK,
				Controller: did,
				Purposes:   []string{PurposeKeyAgreement},
				KeyPair: KeyPair{
					PublicKeyJWK:  jose.JSONWebKey{Key: encPriv.Public(), KeyID: did + "#key-2", Algorithm: string(jose.ECDH_ES), Use: "enc"},
					PrivateKeyJWK: jose.JSONWebKey{Key: encPriv, KeyID: did + "#key-2", Algorithm: string(jose.ECDH_ES), Use: "enc"},
				},
			},
		},
		Endpoint: Endpoint{
			Permissions: make(map[string]json.RawMessage),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// DIDFromEd25519 derives a did:key identifier from an Ed25519 public key.
func DIDFromEd25519(pub ed25519.PublicKey) (string, error) {
	raw := make([]byte, 0, len(ed25519Codec)+len(pub))
	raw = append(raw, ed25519Codec...)
	raw = append(raw, pub...)

	encoded, err := multibase.Encode(multibase.Base58BTC, raw)
	if err != nil {
		return "", fmt.Errorf("failed to encode did:key identifier: %w", err)
	}
	return "did:key:" + encoded, nil
}

// KeyForPurpose returns the first key entry carrying the given purpose.
func (ci *ClientIdentity) KeyForPurpose(purpose string) (*Key, error) {
	for i := range ci.Keys {
		for _, p := range ci.Keys[i].Purposes {
			if p == purpose {
				return &ci.Keys[i], nil
			}
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoKey, purpose)
}

// ClearAuthorization resets the endpoint authorization state after a failed
// or revoked delegation.
func (ci *ClientIdentity) ClearAuthorization() {
	ci.Endpoint.Authorized = false
	ci.Endpoint.Permissions = make(map[string]json.RawMessage)
	ci.UpdatedAt = time.Now().UTC()
}

// Authorize records a successful delegation from the given provider DID.
func (ci *ClientIdentity) Authorize(host string, port int, providerDID string, scope json.RawMessage) {
	ci.Endpoint.Host = host
	ci.Endpoint.Port = port
	ci.Endpoint.Authorized = true
	ci.Endpoint.MRUDid = providerDID
	if ci.Endpoint.Permissions == nil {
		ci.Endpoint.Permissions = make(map[string]json.RawMessage)
	}
	ci.Endpoint.Permissions[providerDID] = scope
	ci.UpdatedAt = time.Now().UTC()
}
