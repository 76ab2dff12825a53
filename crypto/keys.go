package crypto

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/ethereum/go-ethereum/crypto"
)

// IdentityLength is the size in bytes of an escrow party identity.
const IdentityLength = 32

// IdentityHRP is the human-readable bech32 prefix used for party identities.
const IdentityHRP = "wk"

var (
	ErrInvalidIdentity   = errors.New("crypto: invalid identity")
	ErrInvalidSignature  = errors.New("crypto: invalid signature")
	ErrSignatureMismatch = errors.New("crypto: signature does not match identity")
)

// Identity is the x-only secp256k1 public key of a party. Two private keys
// (k and n-k) map to the same identity; both are held by the same owner.
type Identity [IdentityLength]byte

// IsZero reports whether the identity is unset.
func (id Identity) IsZero() bool { return id == Identity{} }

func (id Identity) Bytes() []byte {
	out := make([]byte, IdentityLength)
	copy(out, id[:])
	return out
}

func (id Identity) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

func (id Identity) String() string {
	encoded, err := EncodeBech32(IdentityHRP, id[:])
	if err != nil {
		return id.Hex()
	}
	return encoded
}

func (id Identity) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *Identity) UnmarshalText(text []byte) error {
	parsed, err := ParseIdentity(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// ParseIdentity accepts either the bech32 form or a 0x-prefixed hex string.
func ParseIdentity(value string) (Identity, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return Identity{}, fmt.Errorf("%w: empty value", ErrInvalidIdentity)
	}
	var raw []byte
	if strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X") {
		decoded, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return Identity{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
		}
		raw = decoded
	} else {
		decoded, err := DecodeBech32(IdentityHRP, trimmed)
		if err != nil {
			return Identity{}, err
		}
		raw = decoded
	}
	if len(raw) != IdentityLength {
		return Identity{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidIdentity, IdentityLength, len(raw))
	}
	var id Identity
	copy(id[:], raw)
	return id, nil
}

// EncodeBech32 renders data under the supplied human-readable prefix.
func EncodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

// DecodeBech32 parses a bech32 string and checks that its prefix matches hrp.
func DecodeBech32(hrp, value string) ([]byte, error) {
	prefix, decoded, err := bech32.Decode(value)
	if err != nil {
		return nil, fmt.Errorf("invalid bech32 string: %w", err)
	}
	if prefix != hrp {
		return nil, fmt.Errorf("unexpected bech32 prefix %q, want %q", prefix, hrp)
	}
	conv, err := bech32.ConvertBits(decoded, 5, 8, false)
	if err != nil {
		return nil, fmt.Errorf("error converting bits: %w", err)
	}
	return conv, nil
}

// IsOnCurve reports whether x is the x-coordinate of a secp256k1 point, i.e.
// whether some private key could sign for it.
func IsOnCurve(x [32]byte) bool {
	compressed := make([]byte, 33)
	compressed[0] = 0x02
	copy(compressed[1:], x[:])
	_, err := crypto.DecompressPubkey(compressed)
	return err == nil
}

// --- Key Management ---

type PrivateKey struct {
	*ecdsa.PrivateKey
}

type PublicKey struct {
	*ecdsa.PublicKey
}

func GeneratePrivateKey() (*PrivateKey, error) {
	key, err := ecdsa.GenerateKey(crypto.S256(), rand.Reader)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// Bytes returns the byte representation of the private key.
func (k *PrivateKey) Bytes() []byte {
	return crypto.FromECDSA(k.PrivateKey)
}

func (k *PrivateKey) PubKey() *PublicKey {
	return &PublicKey{&k.PrivateKey.PublicKey}
}

// Identity is shorthand for PubKey().Identity().
func (k *PrivateKey) Identity() Identity {
	return k.PubKey().Identity()
}

// Sign produces a 65-byte [R || S || V] signature over a 32-byte digest.
func (k *PrivateKey) Sign(digest []byte) ([]byte, error) {
	if len(digest) != 32 {
		return nil, fmt.Errorf("crypto: digest must be 32 bytes, got %d", len(digest))
	}
	return crypto.Sign(digest, k.PrivateKey)
}

func (k *PublicKey) Identity() Identity {
	compressed := crypto.CompressPubkey(k.PublicKey)
	var id Identity
	copy(id[:], compressed[1:])
	return id
}

func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	key, err := crypto.ToECDSA(b)
	if err != nil {
		return nil, err
	}
	return &PrivateKey{key}, nil
}

// RecoverIdentity returns the identity whose key produced sig over digest.
func RecoverIdentity(digest, sig []byte) (Identity, error) {
	if len(sig) != crypto.SignatureLength {
		return Identity{}, fmt.Errorf("%w: expected %d bytes, got %d", ErrInvalidSignature, crypto.SignatureLength, len(sig))
	}
	pub, err := crypto.SigToPub(digest, sig)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return (&PublicKey{pub}).Identity(), nil
}

// VerifyIdentity checks that sig over digest was produced by id.
func VerifyIdentity(id Identity, digest, sig []byte) error {
	recovered, err := RecoverIdentity(digest, sig)
	if err != nil {
		return err
	}
	if !bytes.Equal(recovered[:], id[:]) {
		return ErrSignatureMismatch
	}
	return nil
}
