package exchange

import (
	"testing"

	"polymarket-rewards/internal/config"
	"polymarket-rewards/pkg/types"
)

// A throwaway test key (never funded).
const testPrivateKey = "0x4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func testAuth(t *testing.T) *Auth {
	t.Helper()
	auth, err := NewAuth(config.Config{
		Wallet: config.WalletConfig{
			PrivateKey: testPrivateKey,
			ChainID:    137,
		},
		API: config.APIConfig{
			ApiKey:     "key",
			Secret:     "c2VjcmV0LWJ5dGVzLWZvci1obWFj", // base64 "secret-bytes-for-hmac"
			Passphrase: "pass",
		},
	})
	if err != nil {
		t.Fatalf("NewAuth: %v", err)
	}
	return auth
}

func TestNewAuthDerivesAddress(t *testing.T) {
	t.Parallel()
	auth := testAuth(t)

	if auth.Address().Hex() == "" {
		t.Fatal("no address derived")
	}
	// No funder configured: funder defaults to the signer.
	if auth.FunderAddress() != auth.Address() {
		t.Errorf("funder = %v, want the signer address %v", auth.FunderAddress(), auth.Address())
	}
	if !auth.HasL2Credentials() {
		t.Error("credentials configured but HasL2Credentials is false")
	}
}

func TestL2HeadersComplete(t *testing.T) {
	t.Parallel()
	auth := testAuth(t)

	headers, err := auth.L2Headers("POST", "/order", `{"x":1}`)
	if err != nil {
		t.Fatalf("L2Headers: %v", err)
	}
	for _, key := range []string{"POLY_ADDRESS", "POLY_SIGNATURE", "POLY_TIMESTAMP", "POLY_API_KEY", "POLY_PASSPHRASE"} {
		if headers[key] == "" {
			t.Errorf("header %s missing", key)
		}
	}
}

func TestL1HeadersSignature(t *testing.T) {
	t.Parallel()
	auth := testAuth(t)

	headers, err := auth.L1Headers(0)
	if err != nil {
		t.Fatalf("L1Headers: %v", err)
	}
	sig := headers["POLY_SIGNATURE"]
	if len(sig) < 4 || sig[:2] != "0x" {
		t.Errorf("signature %q not hex-prefixed", sig)
	}
}

func TestPriceToAmountsBuy(t *testing.T) {
	t.Parallel()

	// BUY 150 shares at 0.5575: maker gives 83.6250 USDC, receives 150 tokens.
	maker, taker := PriceToAmounts(0.5575, 150, types.BUY, types.Tick00001)
	if maker.Int64() != 83_625_000 {
		t.Errorf("maker amount = %v, want 83625000 (83.625 USDC at 1e6)", maker)
	}
	if taker.Int64() != 150_000_000 {
		t.Errorf("taker amount = %v, want 150000000 (150 tokens at 1e6)", taker)
	}
}

func TestPriceToAmountsSell(t *testing.T) {
	t.Parallel()

	// SELL mirrors BUY: maker gives tokens, receives USDC.
	maker, taker := PriceToAmounts(0.57, 100, types.SELL, types.Tick001)
	if maker.Int64() != 100_000_000 {
		t.Errorf("maker amount = %v, want 100000000", maker)
	}
	if taker.Int64() != 57_000_000 {
		t.Errorf("taker amount = %v, want 57000000", taker)
	}
}

func TestPriceToAmountsTruncatesSize(t *testing.T) {
	t.Parallel()

	// Sizes are truncated to two decimals before conversion.
	maker, _ := PriceToAmounts(0.5, 10.999, types.SELL, types.Tick001)
	if maker.Int64() != 10_990_000 {
		t.Errorf("maker amount = %v, want 10990000 (size truncated to 10.99)", maker)
	}
}
