package auth

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"
)

func TestLoadOrGenerateKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "private.key")

	first, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	second, err := LoadOrGenerateKey(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if first.PublicKeyHex() != second.PublicKeyHex() {
		t.Fatal("reloaded key has a different identity")
	}
	if len(first.PublicKeyHex()) != 130 {
		t.Fatalf("unexpected public key length %d", len(first.PublicKeyHex()))
	}
}

func TestSignVerifyRoundTrip(t *testing.T) {
	signer, err := LoadOrGenerateKey(filepath.Join(t.TempDir(), "private.key"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	payload := "1700000000000https://files.example.com/recordingsnull"
	sig, err := signer.Sign(payload)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !VerifySignature(signer.PublicKeyHex(), sig, payload) {
		t.Fatal("signature should verify")
	}
	if VerifySignature(signer.PublicKeyHex(), sig, payload+"tampered") {
		t.Fatal("tampered payload should not verify")
	}
}

func TestParsePublicKeyRejectsMalformed(t *testing.T) {
	tests := []struct {
		name string
		key  string
	}{
		{"empty", ""},
		{"wrong prefix", "05" + validHexTail()},
		{"too short", "04abcdef"},
		{"uppercase hex", "04" + "ABCDEF0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000ABCD"},
		{"not on curve", "04" + validHexTail()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePublicKey(tt.key); err == nil {
				t.Fatal("expected parse error")
			}
		})
	}
}

func validHexTail() string {
	tail := ""
	for len(tail) < 128 {
		tail += "ab"
	}
	return tail
}

func TestTimeTokensStrictlyIncreaseWithinOneMillisecond(t *testing.T) {
	signer, err := LoadOrGenerateKey(filepath.Join(t.TempDir(), "private.key"))
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	now := time.UnixMilli(1700000000000)
	var prev int64
	for i := 0; i < 20; i++ {
		token := signer.nextTimeToken(now)
		value, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			t.Fatalf("token %q not an integer: %v", token, err)
		}
		if value <= prev {
			t.Fatalf("token %d not greater than previous %d", value, prev)
		}
		prev = value
	}

	// The burst above spilled past ten tokens, borrowing into the next
	// milliseconds; the real clock advancing must still move strictly forward.
	later := signer.nextTimeToken(now.Add(time.Millisecond))
	value, err := strconv.ParseInt(later, 10, 64)
	if err != nil {
		t.Fatalf("token %q not an integer: %v", later, err)
	}
	if value <= prev {
		t.Fatalf("token %d after clock advance not greater than previous %d", value, prev)
	}
	if later != "17000000000020" {
		t.Fatalf("expected borrow to continue past the burst, got %q", later)
	}
}
