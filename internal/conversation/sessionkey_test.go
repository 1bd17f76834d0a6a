package conversation

import "testing"

func TestCalculateSessionKeySymmetric(t *testing.T) {
	pairs := [][2]string{
		{"+5511999990000", "+5511888880000"},
		{"whatsapp:+5511999990000", "+5511888880000"},
		{"+14155550100", "whatsapp:+5511888880000"},
		{"a", "b"},
	}
	for _, pair := range pairs {
		ab := CalculateSessionKey(pair[0], pair[1])
		ba := CalculateSessionKey(pair[1], pair[0])
		if ab != ba {
			t.Errorf("session key not symmetric for %v: %q vs %q", pair, ab, ba)
		}
	}
}

func TestCalculateSessionKeyPrefixIdempotent(t *testing.T) {
	bare := CalculateSessionKey("+5511999990000", "+5511888880000")
	prefixed := CalculateSessionKey("whatsapp:+5511999990000", "whatsapp:+5511888880000")
	if bare != prefixed {
		t.Errorf("prefix presence changed key: %q vs %q", bare, prefixed)
	}
	mixed := CalculateSessionKey("whatsapp:+5511999990000", "+5511888880000")
	if bare != mixed {
		t.Errorf("mixed prefix changed key: %q vs %q", bare, mixed)
	}
}

func TestCalculateSessionKeyDistinctPairs(t *testing.T) {
	k1 := CalculateSessionKey("+5511999990000", "+5511888880000")
	k2 := CalculateSessionKey("+5511999990000", "+5511777770000")
	if k1 == k2 {
		t.Error("different pairs should produce different keys")
	}
}

func TestCalculateSessionKeyTrimsWhitespace(t *testing.T) {
	if CalculateSessionKey(" +5511999990000 ", "+5511888880000") !=
		CalculateSessionKey("+5511999990000", "+5511888880000") {
		t.Error("whitespace should not change the key")
	}
}
