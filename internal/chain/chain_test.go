package chain

import "testing"

func TestParseNetwork(t *testing.T) {
	tests := []struct {
		in      string
		want    Network
		wantErr bool
	}{
		{"mainnet", Mainnet, false},
		{"bitcoin", Mainnet, false},
		{"testnet", Testnet, false},
		{"signet", Signet, false},
		{"regtest", Regtest, false},
		{"litecoin", "", true},
		{"", "", true},
	}

	for _, tc := range tests {
		got, err := ParseNetwork(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Errorf("ParseNetwork(%q) expected error", tc.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseNetwork(%q) error = %v", tc.in, err)
			continue
		}
		if got != tc.want {
			t.Errorf("ParseNetwork(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestCoinType(t *testing.T) {
	if got := Mainnet.CoinType(); got != 0 {
		t.Errorf("mainnet coin type = %d, want 0", got)
	}
	for _, n := range []Network{Testnet, Signet, Regtest} {
		if got := n.CoinType(); got != 1 {
			t.Errorf("%s coin type = %d, want 1", n, got)
		}
	}
}

func TestPathString(t *testing.T) {
	tests := []struct {
		network Network
		path    Path
		want    string
	}{
		{Mainnet, Path{External, 0}, "m/84'/0'/0'/0/0"},
		{Mainnet, Path{Internal, 1}, "m/84'/0'/0'/1/1"},
		{Regtest, Path{External, 7}, "m/84'/1'/0'/0/7"},
	}

	for _, tc := range tests {
		if got := tc.network.PathString(tc.path); got != tc.want {
			t.Errorf("PathString(%v) = %q, want %q", tc.path, got, tc.want)
		}
	}
}

func TestParsePath(t *testing.T) {
	p, err := ParsePath("1/42")
	if err != nil {
		t.Fatalf("ParsePath error = %v", err)
	}
	if p.Branch != Internal || p.Index != 42 {
		t.Errorf("ParsePath(1/42) = %+v", p)
	}

	if _, err := ParsePath("2/0"); err == nil {
		t.Error("branch 2 should be rejected")
	}
	if _, err := ParsePath("x"); err == nil {
		t.Error("garbage path should be rejected")
	}
}

func TestParamsHRP(t *testing.T) {
	if Mainnet.Params().Bech32HRPSegwit != "bc" {
		t.Error("mainnet HRP should be bc")
	}
	if Regtest.Params().Bech32HRPSegwit != "bcrt" {
		t.Error("regtest HRP should be bcrt")
	}
}
