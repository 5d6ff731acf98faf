package vault_test

import (
	"strings"
	"testing"

	"github.com/intentmail/intentmail/internal/mailerr"
	"github.com/intentmail/intentmail/internal/vault"
)

func TestRoundTrip(t *testing.T) {
	v, err := vault.New("test-secret")
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}

	for _, plain := range []string{
		"hunter2",
		"",
		"exactly-16-bytes",
		strings.Repeat("long refresh token ", 50),
		"unicode: пароль 密码",
	} {
		sealed, err := v.Encrypt(plain)
		if err != nil {
			t.Fatalf("encrypt %q: %v", plain, err)
		}
		ivHex, cipherHex, ok := strings.Cut(sealed, ":")
		if !ok || len(ivHex) != 32 || len(cipherHex)%32 != 0 {
			t.Errorf("sealed form %q is not ivHex:cipherHex", sealed)
		}
		got, err := v.Decrypt(sealed)
		if err != nil {
			t.Fatalf("decrypt %q: %v", plain, err)
		}
		if got != plain {
			t.Errorf("round trip: got %q, want %q", got, plain)
		}
	}
}

func TestEncryptionIsNonDeterministic(t *testing.T) {
	v, _ := vault.New("test-secret")

	a, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	b, err := v.Encrypt("same plaintext")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Error("two encryptions of the same plaintext are identical; IV is not random")
	}
}

func TestWrongKey(t *testing.T) {
	v1, _ := vault.New("key-one")
	v2, _ := vault.New("key-two")

	sealed, err := v1.Encrypt("secret value")
	if err != nil {
		t.Fatal(err)
	}
	got, err := v2.Decrypt(sealed)
	if err == nil && got == "secret value" {
		t.Fatal("wrong key decrypted the plaintext")
	}
	// CBC padding usually fails; when it happens to validate, the output is
	// still garbage, which is all the scheme promises.
	if err != nil && !mailerr.IsKind(err, mailerr.KindValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}

func TestMalformedInput(t *testing.T) {
	v, _ := vault.New("test-secret")

	for _, sealed := range []string{
		"",
		"no-colon",
		"nothex:deadbeefdeadbeefdeadbeefdeadbeef",
		"00112233445566778899aabbccddeeff:", // empty ciphertext
		"00112233445566778899aabbccddeeff:abcdef", // not block-aligned
		"0011:00112233445566778899aabbccddeeff",   // short iv
	} {
		_, err := v.Decrypt(sealed)
		if !mailerr.IsKind(err, mailerr.KindValidation) {
			t.Errorf("Decrypt(%q): got %v, want validation error", sealed, err)
		}
	}
}

func TestEmptySecretRefused(t *testing.T) {
	if _, err := vault.New(""); !mailerr.IsKind(err, mailerr.KindValidation) {
		t.Errorf("got %v, want validation error", err)
	}
}
