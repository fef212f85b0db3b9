package types_test

import (
	"testing"

	"github.com/BrandonDHaskell/Portunus/gate/internal/portunus/types"
)

func TestNormalizeCardID(t *testing.T) {
	cases := map[string]string{
		"  card007 ": "CARD007",
		"ab c\t12":   "ABC12",
		"":           "",
		" \n ":       "",
	}
	for in, want := range cases {
		if got := types.NormalizeCardID(in); got != want {
			t.Errorf("NormalizeCardID(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPhoneDigits(t *testing.T) {
	cases := map[string]string{
		"(555) 010-2000": "5550102000",
		"555.010.2000":   "5550102000",
		"+1 555":         "1555",
		"ana@example":    "",
	}
	for in, want := range cases {
		if got := types.PhoneDigits(in); got != want {
			t.Errorf("PhoneDigits(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestRequestIDIsStable(t *testing.T) {
	a := types.ScanRecord{CardID: "A", EventID: "ev-1", Result: types.ScanValid}
	b := a
	if a.RequestID() != b.RequestID() {
		t.Error("equal scans produced different request ids")
	}
	b.EventID = "ev-2"
	if a.RequestID() == b.RequestID() {
		t.Error("scans on different events share a request id")
	}
}
