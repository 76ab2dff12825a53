package escrow

import (
	"errors"
	"strings"
	"testing"

	"workescrow/crypto"
)

func fixedIdentity(fill byte) crypto.Identity {
	var id crypto.Identity
	for i := range id {
		id[i] = fill
	}
	return id
}

func TestFindCustodyLocationDeterministic(t *testing.T) {
	client := fixedIdentity(0x11)
	freelancer := fixedIdentity(0x22)

	first, bump, err := FindCustodyLocation(client, freelancer, "e1")
	if err != nil {
		t.Fatalf("find location: %v", err)
	}
	second, bump2, err := FindCustodyLocation(client, freelancer, "e1")
	if err != nil {
		t.Fatalf("find location: %v", err)
	}
	if first != second || bump != bump2 {
		t.Fatalf("derivation not deterministic: %s/%d vs %s/%d", first, bump, second, bump2)
	}
	if crypto.IsOnCurve(first) {
		t.Fatalf("custody location must be off curve")
	}
	derived, err := DeriveCustodyLocation(client, freelancer, "e1", bump)
	if err != nil {
		t.Fatalf("derive with bump: %v", err)
	}
	if derived != first {
		t.Fatalf("derive with stored bump mismatch")
	}
}

func TestFindCustodyLocationSeparatesSeeds(t *testing.T) {
	a := fixedIdentity(0x11)
	b := fixedIdentity(0x22)
	base, _, err := FindCustodyLocation(a, b, "e1")
	if err != nil {
		t.Fatalf("find location: %v", err)
	}
	variants := map[string]func() (CustodyLocation, uint8, error){
		"swapped parties": func() (CustodyLocation, uint8, error) { return FindCustodyLocation(b, a, "e1") },
		"other id":        func() (CustodyLocation, uint8, error) { return FindCustodyLocation(a, b, "e2") },
		"other client":    func() (CustodyLocation, uint8, error) { return FindCustodyLocation(fixedIdentity(0x33), b, "e1") },
	}
	for name, fn := range variants {
		loc, _, err := fn()
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if loc == base {
			t.Fatalf("%s: expected a distinct location", name)
		}
	}
}

func TestDeriveCustodyLocationRejectsOnCurveBump(t *testing.T) {
	client := fixedIdentity(0x44)
	freelancer := fixedIdentity(0x55)
	// Roughly half of all candidates land on the curve; find one.
	for bump := 255; bump >= 0; bump-- {
		candidate := custodyCandidate(client, freelancer, "job", uint8(bump))
		if !crypto.IsOnCurve(candidate) {
			continue
		}
		if _, err := DeriveCustodyLocation(client, freelancer, "job", uint8(bump)); !errors.Is(err, ErrBumpOnCurve) {
			t.Fatalf("expected ErrBumpOnCurve for bump %d, got %v", bump, err)
		}
		return
	}
	t.Skip("no on-curve bump for these seeds")
}

func TestFindCustodyLocationRejectsLongID(t *testing.T) {
	_, _, err := FindCustodyLocation(fixedIdentity(1), fixedIdentity(2), strings.Repeat("x", MaxAgreementIDLength+1))
	if !errors.Is(err, ErrIDTooLong) {
		t.Fatalf("expected ErrIDTooLong, got %v", err)
	}
}

func TestCustodyLocationTextRoundTrip(t *testing.T) {
	loc, _, err := FindCustodyLocation(fixedIdentity(1), fixedIdentity(2), "e1")
	if err != nil {
		t.Fatalf("find location: %v", err)
	}
	encoded := loc.String()
	if !strings.HasPrefix(encoded, CustodyHRP+"1") {
		t.Fatalf("unexpected encoding %s", encoded)
	}
	parsed, err := ParseCustodyLocation(encoded)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if parsed != loc {
		t.Fatalf("round trip mismatch")
	}
	if _, err := ParseCustodyLocation(fixedIdentity(1).String()); !errors.Is(err, ErrLocationFormat) {
		t.Fatalf("identity string must not parse as location, got %v", err)
	}
}
