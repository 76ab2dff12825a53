package escrow

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"workescrow/crypto"
)

// CustodyHRP is the bech32 prefix of custody locations.
const CustodyHRP = "wkesc"

var custodySeed = []byte("escrow")

var (
	// ErrNoViableBump means every bump from 255 down to 0 produced a point on
	// the curve. The odds are roughly 2^-256.
	ErrNoViableBump = errors.New("escrow: no off-curve custody location for seeds")
	// ErrBumpOnCurve means the supplied bump yields a location that a private
	// key could control.
	ErrBumpOnCurve    = errors.New("escrow: bump yields on-curve location")
	ErrLocationFormat = errors.New("escrow: invalid custody location")
)

// CustodyLocation addresses both the agreement record and the funds it holds.
// Locations are never valid curve points, so only the engine can move the
// funds parked there.
type CustodyLocation [32]byte

func (l CustodyLocation) IsZero() bool { return l == CustodyLocation{} }

func (l CustodyLocation) Bytes() []byte {
	out := make([]byte, len(l))
	copy(out, l[:])
	return out
}

func (l CustodyLocation) Hex() string { return "0x" + hex.EncodeToString(l[:]) }

func (l CustodyLocation) String() string {
	encoded, err := crypto.EncodeBech32(CustodyHRP, l[:])
	if err != nil {
		return l.Hex()
	}
	return encoded
}

func (l CustodyLocation) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *CustodyLocation) UnmarshalText(text []byte) error {
	parsed, err := ParseCustodyLocation(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseCustodyLocation accepts the bech32 form or 0x-prefixed hex.
func ParseCustodyLocation(value string) (CustodyLocation, error) {
	trimmed := strings.TrimSpace(value)
	var raw []byte
	switch {
	case trimmed == "":
		return CustodyLocation{}, fmt.Errorf("%w: empty value", ErrLocationFormat)
	case strings.HasPrefix(trimmed, "0x") || strings.HasPrefix(trimmed, "0X"):
		decoded, err := hex.DecodeString(trimmed[2:])
		if err != nil {
			return CustodyLocation{}, fmt.Errorf("%w: %v", ErrLocationFormat, err)
		}
		raw = decoded
	default:
		decoded, err := crypto.DecodeBech32(CustodyHRP, trimmed)
		if err != nil {
			return CustodyLocation{}, fmt.Errorf("%w: %v", ErrLocationFormat, err)
		}
		raw = decoded
	}
	if len(raw) != len(CustodyLocation{}) {
		return CustodyLocation{}, fmt.Errorf("%w: expected 32 bytes, got %d", ErrLocationFormat, len(raw))
	}
	var loc CustodyLocation
	copy(loc[:], raw)
	return loc, nil
}

// DeriveCustodyLocation recomputes the location for the given seeds and bump.
func DeriveCustodyLocation(client, freelancer crypto.Identity, agreementID string, bump uint8) (CustodyLocation, error) {
	if len(agreementID) > MaxAgreementIDLength {
		return CustodyLocation{}, ErrIDTooLong
	}
	candidate := custodyCandidate(client, freelancer, agreementID, bump)
	if crypto.IsOnCurve(candidate) {
		return CustodyLocation{}, ErrBumpOnCurve
	}
	return CustodyLocation(candidate), nil
}

// FindCustodyLocation searches bumps from 255 downwards and returns the first
// off-curve location. The result is a pure function of its inputs.
func FindCustodyLocation(client, freelancer crypto.Identity, agreementID string) (CustodyLocation, uint8, error) {
	if len(agreementID) > MaxAgreementIDLength {
		return CustodyLocation{}, 0, ErrIDTooLong
	}
	for bump := 255; bump >= 0; bump-- {
		candidate := custodyCandidate(client, freelancer, agreementID, uint8(bump))
		if !crypto.IsOnCurve(candidate) {
			return CustodyLocation(candidate), uint8(bump), nil
		}
	}
	return CustodyLocation{}, 0, ErrNoViableBump
}

// VerifyCustodyLocation checks that loc is where esc must live.
func VerifyCustodyLocation(loc CustodyLocation, esc *Escrow) error {
	if esc == nil {
		return fmt.Errorf("%w: nil escrow", ErrCorruptRecord)
	}
	derived, err := DeriveCustodyLocation(esc.Client, esc.Freelancer, esc.AgreementID, esc.Bump)
	if err != nil {
		return err
	}
	if derived != loc {
		return fmt.Errorf("%w: record does not derive to %s", ErrCorruptRecord, loc)
	}
	return nil
}

func custodyCandidate(client, freelancer crypto.Identity, agreementID string, bump uint8) [32]byte {
	var out [32]byte
	digest := ethcrypto.Keccak256(custodySeed, client[:], freelancer[:], []byte(agreementID), []byte{bump})
	copy(out[:], digest)
	return out
}
