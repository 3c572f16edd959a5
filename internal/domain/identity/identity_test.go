package identity

import (
	"strings"
	"testing"
)

func TestParseValid(t *testing.T) {
	raw := "0123456789abcdef0123456789abcdef01234567"
	id, err := Parse(raw)
	if err != nil {
		t.Fatalf("Parse(%q) returned error: %v", raw, err)
	}
	if id.String() != raw {
		t.Errorf("expected %q, got %q", raw, id.String())
	}
}

func TestParseNormalizesCase(t *testing.T) {
	raw := "0123456789ABCDEF0123456789abcdef01234567"
	id, err := Parse("  " + raw + " ")
	if err != nil {
		t.Fatalf("Parse returned error: %v", err)
	}
	if id.String() != strings.ToLower(raw) {
		t.Errorf("expected lowercase address, got %q", id.String())
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	cases := []string{
		"",
		"abc",
		"0123456789abcdef0123456789abcdef0123456", // 39 chars
		"zzzz456789abcdef0123456789abcdef01234567", // non-hex
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("Parse(%q) should have failed", raw)
		}
	}
}

func TestFromPublicKeyDeterministic(t *testing.T) {
	key := []byte("test-public-key-material")
	a := FromPublicKey(key)
	b := FromPublicKey(key)
	if a != b {
		t.Errorf("same key produced different addresses: %s vs %s", a, b)
	}
	if len(a) != AddressLen {
		t.Errorf("expected address length %d, got %d", AddressLen, len(a))
	}
	if _, err := Parse(string(a)); err != nil {
		t.Errorf("derived address does not parse: %v", err)
	}
}

func TestFromPublicKeyDistinct(t *testing.T) {
	a := FromPublicKey([]byte("key-one"))
	b := FromPublicKey([]byte("key-two"))
	if a == b {
		t.Error("different keys produced the same address")
	}
}
