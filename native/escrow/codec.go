package escrow

import (
	"encoding/binary"
	"fmt"
)

// recordVersion leads every encoded record so future layouts can coexist.
const recordVersion uint8 = 1

// RecordSize is the fixed encoded size of an agreement record: version,
// two identities, amount, deadline, two flags, the length-prefixed padded
// metadata and agreement id, and the bump.
const RecordSize = 1 + 32 + 32 + 8 + 8 + 1 + 1 + (4 + MaxMetadataLength) + (4 + MaxAgreementIDLength) + 1

// EncodeEscrow serialises esc into its fixed-capacity layout. Invalid records
// are refused so a broken invariant never reaches storage.
func EncodeEscrow(esc *Escrow) ([]byte, error) {
	if err := esc.Validate(); err != nil {
		return nil, err
	}
	buf := make([]byte, RecordSize)
	off := 0
	buf[off] = recordVersion
	off++
	off += copy(buf[off:], esc.Client[:])
	off += copy(buf[off:], esc.Freelancer[:])
	binary.BigEndian.PutUint64(buf[off:], esc.Amount)
	off += 8
	binary.BigEndian.PutUint64(buf[off:], esc.Deadline)
	off += 8
	buf[off] = boolByte(esc.IsSubmitted)
	off++
	buf[off] = boolByte(esc.IsReleased)
	off++
	off = putPadded(buf, off, esc.MetadataRef, MaxMetadataLength)
	off = putPadded(buf, off, esc.AgreementID, MaxAgreementIDLength)
	buf[off] = esc.Bump
	return buf, nil
}

// DecodeEscrow parses a record produced by EncodeEscrow.
func DecodeEscrow(data []byte) (*Escrow, error) {
	if len(data) != RecordSize {
		return nil, fmt.Errorf("%w: size %d, want %d", ErrCorruptRecord, len(data), RecordSize)
	}
	if data[0] != recordVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptRecord, data[0])
	}
	esc := new(Escrow)
	off := 1
	off += copy(esc.Client[:], data[off:off+32])
	off += copy(esc.Freelancer[:], data[off:off+32])
	esc.Amount = binary.BigEndian.Uint64(data[off:])
	off += 8
	esc.Deadline = binary.BigEndian.Uint64(data[off:])
	off += 8
	var err error
	if esc.IsSubmitted, err = byteBool(data[off]); err != nil {
		return nil, err
	}
	off++
	if esc.IsReleased, err = byteBool(data[off]); err != nil {
		return nil, err
	}
	off++
	if esc.MetadataRef, off, err = getPadded(data, off, MaxMetadataLength); err != nil {
		return nil, err
	}
	if esc.AgreementID, off, err = getPadded(data, off, MaxAgreementIDLength); err != nil {
		return nil, err
	}
	esc.Bump = data[off]
	if err := esc.Validate(); err != nil {
		return nil, err
	}
	return esc, nil
}

func putPadded(buf []byte, off int, value string, capacity int) int {
	binary.BigEndian.PutUint32(buf[off:], uint32(len(value)))
	off += 4
	copy(buf[off:off+capacity], value)
	return off + capacity
}

func getPadded(data []byte, off int, capacity int) (string, int, error) {
	n := binary.BigEndian.Uint32(data[off:])
	off += 4
	if n > uint32(capacity) {
		return "", 0, fmt.Errorf("%w: length %d exceeds capacity %d", ErrCorruptRecord, n, capacity)
	}
	field := data[off : off+capacity]
	for _, b := range field[n:] {
		if b != 0 {
			return "", 0, fmt.Errorf("%w: non-zero padding", ErrCorruptRecord)
		}
	}
	return string(field[:n]), off + capacity, nil
}

func boolByte(v bool) byte {
	if v {
		return 1
	}
	return 0
}

func byteBool(b byte) (bool, error) {
	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, fmt.Errorf("%w: invalid flag byte %d", ErrCorruptRecord, b)
	}
}
