package envelope_test

import (
	"testing"

	"github.com/wopan/gateway/internal/envelope"
)

func TestRoundTripUserChannel(t *testing.T) {
	var c envelope.Codec

	want := `{"spaceType":"0","parentDirectoryId":"0","pageNum":0,"pageSize":100}`
	ct := c.Encrypt(want, "api-user")
	got := c.Decrypt(ct, "api-user")

	if got != want {
		t.Fatalf("round trip mismatch: got %q, want %q", got, want)
	}
}

func TestRoundTripAccessChannel(t *testing.T) {
	var c envelope.Codec
	c.BindToken("c4be61c9-3566-4d18-becd-d99f3d0e949e")

	want := `{"fidList":["FX"],"clientId":"1001000021"}`
	ct := c.Encrypt(want, "wohome")
	got := c.Decrypt(ct, "wohome")

	if got != want {
		t.Fatalf("round trip mismatch: got %q, want %q", got, want)
	}
}

func TestDecryptMissingBase64Padding(t *testing.T) {
	var c envelope.Codec
	c.BindToken("c4be61c9-3566-4d18-becd-d99f3d0e949e")

	want := "x"
	ct := c.Encrypt(want, "wohome")
	for len(ct) > 0 && ct[len(ct)-1] == '=' {
		ct = ct[:len(ct)-1]
	}

	got := c.Decrypt(ct, "wohome")
	if got != want {
		t.Fatalf("decrypt with stripped padding mismatch: got %q, want %q", got, want)
	}
}

func TestEncryptFallsBackToUserKeyBeforeBind(t *testing.T) {
	var c envelope.Codec

	ct := c.Encrypt("plaintext", "wohome")
	got := c.Decrypt(ct, "wohome")
	if got != "plaintext" {
		t.Fatalf("expected round trip via user-key fallback, got %q", got)
	}
}

func TestDecryptGarbageReturnsInputUnchanged(t *testing.T) {
	var c envelope.Codec
	c.BindToken("c4be61c9-3566-4d18-becd-d99f3d0e949e")

	garbage := "not-valid-base64!!!"
	if got := c.Decrypt(garbage, "wohome"); got != garbage {
		t.Fatalf("expected pass-through on decrypt failure, got %q", got)
	}
}
