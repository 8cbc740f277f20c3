package venue

import (
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const testKey = "0x0000000000000000000000000000000000000000000000000000000000000001"

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := NewSigner(testKey, 8453)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestSignerAddress(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)

	if got := s.Address().Hex(); got != "0x7E5F4552091A69125d5DfCb7b8C2659029395Bdf" {
		t.Errorf("address = %s", got)
	}
}

func TestSignMessageRecoverable(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)

	msg := s.SiweMessage("venue.example", "abc123", time.Unix(1700000000, 0))
	if !strings.Contains(msg, "Nonce: abc123") || !strings.Contains(msg, s.Address().Hex()) {
		t.Fatalf("message missing fields:\n%s", msg)
	}

	sigHex, err := s.SignMessage(msg)
	if err != nil {
		t.Fatal(err)
	}

	sig := common.FromHex(sigHex)
	if len(sig) != 65 {
		t.Fatalf("signature length = %d", len(sig))
	}
	if sig[64] != 27 && sig[64] != 28 {
		t.Errorf("v = %d, want 27 or 28", sig[64])
	}

	// Recover and compare against the signer.
	sig[64] -= 27
	pub, err := crypto.SigToPub(accounts.TextHash([]byte(msg)), sig)
	if err != nil {
		t.Fatal(err)
	}
	if crypto.PubkeyToAddress(*pub) != s.Address() {
		t.Error("recovered address does not match signer")
	}
}

func TestSignOrderDeterministicPerSalt(t *testing.T) {
	t.Parallel()
	s := newTestSigner(t)

	base := WireOrder{
		Salt:        "12345",
		Maker:       s.Address().Hex(),
		Signer:      s.Address().Hex(),
		Taker:       "0x0000000000000000000000000000000000000000",
		TokenID:     "77",
		MakerAmount: "10000000",
		TakerAmount: "20000000",
		Expiration:  "1700086400",
		Nonce:       "0",
		FeeRateBps:  "0",
	}

	a, b := base, base
	if err := s.SignOrder(&a); err != nil {
		t.Fatal(err)
	}
	if err := s.SignOrder(&b); err != nil {
		t.Fatal(err)
	}
	if a.Signature == "" || a.Signature != b.Signature {
		t.Error("same order must sign identically")
	}

	c := base
	c.Salt = "54321"
	if err := s.SignOrder(&c); err != nil {
		t.Fatal(err)
	}
	if c.Signature == a.Signature {
		t.Error("different salt must change the signature")
	}
}

func TestNewSaltIsDecimalAndVaries(t *testing.T) {
	t.Parallel()

	a, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewSalt()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("salts should not repeat")
	}
	for _, r := range a {
		if r < '0' || r > '9' {
			t.Fatalf("salt %q is not decimal", a)
		}
	}
}
