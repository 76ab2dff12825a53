package escrow

import (
	"errors"
	"strings"
	"testing"
)

func sampleEscrow() *Escrow {
	return &Escrow{
		AgreementID: "e1",
		Client:      fixedIdentity(0x11),
		Freelancer:  fixedIdentity(0x22),
		Amount:      1_000_000_000,
		Deadline:    1_700_003_600,
		Bump:        254,
	}
}

func TestRecordSizeMatchesLayout(t *testing.T) {
	if RecordSize != 380 {
		t.Fatalf("unexpected record size %d", RecordSize)
	}
	encoded, err := EncodeEscrow(sampleEscrow())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if len(encoded) != RecordSize {
		t.Fatalf("encoded length %d, want %d", len(encoded), RecordSize)
	}
}

func TestEncodeDecodeLifecycleStates(t *testing.T) {
	pending := sampleEscrow()

	submitted := sampleEscrow()
	submitted.IsSubmitted = true
	submitted.MetadataRef = "ipfs://" + strings.Repeat("q", MaxMetadataLength-7)

	released := sampleEscrow()
	released.IsSubmitted = true
	released.MetadataRef = "ipfs://Qm"
	released.IsReleased = true
	released.Amount = 0
	released.AgreementID = strings.Repeat("z", MaxAgreementIDLength)

	for name, esc := range map[string]*Escrow{"pending": pending, "submitted": submitted, "released": released} {
		encoded, err := EncodeEscrow(esc)
		if err != nil {
			t.Fatalf("%s: encode: %v", name, err)
		}
		decoded, err := DecodeEscrow(encoded)
		if err != nil {
			t.Fatalf("%s: decode: %v", name, err)
		}
		if *decoded != *esc {
			t.Fatalf("%s: round trip mismatch: %+v vs %+v", name, decoded, esc)
		}
	}
}

func TestEncodeRejectsBrokenInvariants(t *testing.T) {
	cases := map[string]func(e *Escrow){
		"released with amount":       func(e *Escrow) { e.IsSubmitted = true; e.MetadataRef = "x"; e.IsReleased = true },
		"zero amount while locked":   func(e *Escrow) { e.Amount = 0 },
		"metadata before submission": func(e *Escrow) { e.MetadataRef = "early" },
		"released before submission": func(e *Escrow) { e.IsReleased = true; e.Amount = 0 },
		"metadata too long":          func(e *Escrow) { e.IsSubmitted = true; e.MetadataRef = strings.Repeat("m", MaxMetadataLength+1) },
		"empty id":                   func(e *Escrow) { e.AgreementID = "" },
	}
	for name, mutate := range cases {
		esc := sampleEscrow()
		mutate(esc)
		if _, err := EncodeEscrow(esc); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("%s: expected ErrCorruptRecord, got %v", name, err)
		}
	}
}

func TestDecodeRejectsMalformedRecords(t *testing.T) {
	encoded, err := EncodeEscrow(sampleEscrow())
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	corrupt := func(mutate func(b []byte) []byte) []byte {
		clone := append([]byte(nil), encoded...)
		return mutate(clone)
	}
	metaOffset := 1 + 32 + 32 + 8 + 8 + 1 + 1
	cases := map[string][]byte{
		"short":       encoded[:RecordSize-1],
		"version":     corrupt(func(b []byte) []byte { b[0] = 9; return b }),
		"flag byte":   corrupt(func(b []byte) []byte { b[metaOffset-2] = 7; return b }),
		"meta length": corrupt(func(b []byte) []byte { b[metaOffset] = 0xff; return b }),
		"padding":     corrupt(func(b []byte) []byte { b[metaOffset+4+10] = 'x'; return b }),
	}
	for name, data := range cases {
		if _, err := DecodeEscrow(data); !errors.Is(err, ErrCorruptRecord) {
			t.Fatalf("%s: expected ErrCorruptRecord, got %v", name, err)
		}
	}
}

func TestStateAtDerivesExpired(t *testing.T) {
	esc := sampleEscrow()
	deadline := int64(esc.Deadline)
	if got := esc.StateAt(deadline + 10); got != StatePending {
		t.Fatalf("unsubmitted record past deadline must stay pending, got %s", got)
	}
	esc.IsSubmitted = true
	esc.MetadataRef = "ipfs://Qm"
	if got := esc.StateAt(deadline - 1); got != StateSubmitted {
		t.Fatalf("expected submitted before deadline, got %s", got)
	}
	if got := esc.StateAt(deadline); got != StateExpired {
		t.Fatalf("expected expired at deadline, got %s", got)
	}
	esc.IsReleased = true
	esc.Amount = 0
	if got := esc.StateAt(deadline + 10); got != StateReleased {
		t.Fatalf("expected released, got %s", got)
	}
	if esc.Status() != StatusReleased {
		t.Fatalf("expected released status")
	}
}
