package satoshi

import "testing"

func TestParseMain(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"1", 100000000, false},
		{"0.1", 10000000, false},
		{"0.2", 20000000, false},
		{"0.00000001", 1, false},
		{"21000000", 2100000000000000, false},
		{"0.000000001", 0, true}, // more precision than a satoshi
		{"", 0, true},
		{"1,5", 0, true},
		{"abc", 0, true},
	}

	for _, tc := range tests {
		got, err := Parse(tc.in, UnitMain)
		if tc.wantErr {
			if err == nil {
				t.Errorf("Parse(%q, main) expected error, got %d", tc.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("Parse(%q, main) error = %v", tc.in, err)
			continue
		}
		if got.Sats() != tc.want {
			t.Errorf("Parse(%q, main) = %d, want %d", tc.in, got.Sats(), tc.want)
		}
	}
}

func TestParseBase(t *testing.T) {
	got, err := Parse("546", UnitBase)
	if err != nil {
		t.Fatalf("Parse(546, base) error = %v", err)
	}
	if got != 546 {
		t.Errorf("Parse(546, base) = %d, want 546", got)
	}

	if _, err := Parse("1.5", UnitBase); err == nil {
		t.Error("fractional base amount should be rejected")
	}
}

func TestBTCRoundTrip(t *testing.T) {
	tests := []struct {
		sats Amount
		want string
	}{
		{100000000, "1"},
		{10000000, "0.1"},
		{1, "0.00000001"},
		{0, "0"},
		{123456789, "1.23456789"},
		{-20000000, "-0.2"},
	}

	for _, tc := range tests {
		if got := tc.sats.BTC(); got != tc.want {
			t.Errorf("(%d).BTC() = %q, want %q", tc.sats, got, tc.want)
		}
	}

	// Lossless base -> main -> base
	for _, a := range []Amount{1, 546, 99999999, 100000001, 2100000000000000} {
		back, err := FromBTC(a.BTC())
		if err != nil {
			t.Fatalf("FromBTC(%q) error = %v", a.BTC(), err)
		}
		if back != a {
			t.Errorf("round trip %d -> %q -> %d", a, a.BTC(), back)
		}
	}
}

func TestParseUnit(t *testing.T) {
	if _, err := ParseUnit("main"); err != nil {
		t.Errorf("ParseUnit(main) error = %v", err)
	}
	if _, err := ParseUnit("base"); err != nil {
		t.Errorf("ParseUnit(base) error = %v", err)
	}
	if _, err := ParseUnit("msat"); err == nil {
		t.Error("ParseUnit(msat) should fail")
	}
}
