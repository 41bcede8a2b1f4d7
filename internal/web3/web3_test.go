package web3

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"
)

func TestParseUnits(t *testing.T) {
	cases := []struct {
		in       string
		decimals uint8
		want     string
	}{
		{"12.5", 9, "12500000000"},
		{"0.000000001", 9, "1"},
		{"1", 6, "1000000"},
		{".5", 2, "50"},
		{"5.", 2, "500"},
		{"0", 18, "0"},
		{"1.2300", 2, "123"},
		{"-2", 0, "-2"},
	}
	for _, tc := range cases {
		got, err := ParseUnits(tc.in, tc.decimals)
		if err != nil {
			t.Fatalf("ParseUnits(%q): %v", tc.in, err)
		}
		if got.String() != tc.want {
			t.Fatalf("ParseUnits(%q) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestParseUnitsRejects(t *testing.T) {
	for _, in := range []string{"", ".", "abc", "1.2.3", "1e9", "0.0000000001"} {
		if _, err := ParseUnits(in, 9); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestFormatUnits(t *testing.T) {
	cases := []struct {
		value    int64
		decimals uint8
		want     string
	}{
		{12_500_000_000, 9, "12.5"},
		{1, 9, "0.000000001"},
		{1_000_000, 6, "1"},
		{0, 9, "0"},
		{-150, 2, "-1.5"},
	}
	for _, tc := range cases {
		if got := FormatUnits(big.NewInt(tc.value), tc.decimals); got != tc.want {
			t.Fatalf("FormatUnits(%d, %d) = %s, want %s", tc.value, tc.decimals, got, tc.want)
		}
	}
	if FormatUnits(nil, 9) != "0" {
		t.Fatal("nil should format as zero")
	}
}

func TestFormatRoundTrip(t *testing.T) {
	value, _ := new(big.Int).SetString("123456789012345678901", 10)
	back, err := ParseUnits(FormatUnits(value, 18), 18)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if back.Cmp(value) != 0 {
		t.Fatalf("round trip mismatch: %s", back)
	}
}

func TestBalanceFormatted(t *testing.T) {
	b := Balance{Value: big.NewInt(12_345_678_900), Decimals: 9, Symbol: "USDC"}
	if got := b.Formatted(); got != "12.3456 USDC" {
		t.Fatalf("unexpected formatted balance %q", got)
	}
}

func TestParseTokenType(t *testing.T) {
	if tok, _ := ParseTokenType(""); tok != TokenUSDC {
		t.Fatalf("expected default USDC, got %s", tok)
	}
	if tok, _ := ParseTokenType("eth"); tok != TokenETH {
		t.Fatalf("expected ETH, got %s", tok)
	}
	if _, err := ParseTokenType("SUI"); err == nil {
		t.Fatal("expected error for unsupported token")
	}
}

func TestNormalizeAddress(t *testing.T) {
	got, err := NormalizeAddress("0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed")
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed" {
		t.Fatalf("unexpected checksum %s", got)
	}
	if _, err := NormalizeAddress("0x123"); err == nil {
		t.Fatal("expected error for short address")
	}
	upper, err := NormalizeAddress("0x5AAEB6053F3E94C9B9A09F33669435E7EF1BEAED")
	if err != nil || upper != got {
		t.Fatalf("case variants should normalize to %s, got %s (%v)", got, upper, err)
	}
}

func TestLoadChainDefinitions(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "chain.yaml")
	content := `chains:
  local:
    type: evm
    rpc_url: http://127.0.0.1:8545
    chain_id: 1337
    contracts:
      savings_token: USDC
      market: "0x00000000000000000000000000000000000000a1"
      nft: "0x00000000000000000000000000000000000000a2"
      tokens:
        USDC:
          address: "0x00000000000000000000000000000000000000a3"
          decimals: 9
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	defs, err := LoadChainDefinitions(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	local, ok := defs.Chains["local"]
	if !ok {
		t.Fatal("local chain missing")
	}
	usdc, ok := local.Contracts.Token(TokenUSDC)
	if !ok || usdc.Decimals != 9 {
		t.Fatalf("unexpected usdc contract %+v", usdc)
	}
	if local.Contracts.Savings() != TokenUSDC {
		t.Fatalf("unexpected savings token %s", local.Contracts.Savings())
	}

	bad := filepath.Join(dir, "bad.yaml")
	_ = os.WriteFile(bad, []byte("chains:\n  x:\n    contracts:\n      market: nope\n"), 0o644)
	if _, err := LoadChainDefinitions(bad); err == nil {
		t.Fatal("expected validation error")
	}
}
