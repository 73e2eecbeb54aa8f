package encryption_test

import (
	"bytes"
	"path/filepath"
	"testing"

	"savesync/internal/config"
	"savesync/internal/encryption"
)

func TestAgeEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	enc := encryption.NewAgeEncryptor(
		filepath.Join(dir, "savesync.pub"),
		filepath.Join(dir, "savesync.key"),
	)

	if enc.IsConfigured() {
		t.Fatal("IsConfigured() = true before Setup")
	}
	if err := enc.Setup("correct horse"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !enc.IsConfigured() {
		t.Fatal("IsConfigured() = false after Setup")
	}

	plaintext := []byte("save file bytes")
	var ciphertext bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader(plaintext), &ciphertext); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Contains(ciphertext.Bytes(), plaintext) {
		t.Error("ciphertext contains the plaintext")
	}

	if _, err := enc.Unlock("wrong passphrase"); err == nil {
		t.Fatal("Unlock() with the wrong passphrase did not error")
	}

	ctx, err := enc.Unlock("correct horse")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	var decrypted bytes.Buffer
	if err := ctx.Decrypt(bytes.NewReader(ciphertext.Bytes()), &decrypted); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if !bytes.Equal(decrypted.Bytes(), plaintext) {
		t.Errorf("round trip = %q, want %q", decrypted.Bytes(), plaintext)
	}
}

func TestAgeEncryptor_SetupRefusesOverwrite(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	enc := encryption.NewAgeEncryptor(
		filepath.Join(dir, "savesync.pub"),
		filepath.Join(dir, "savesync.key"),
	)
	if err := enc.Setup("first"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if err := enc.Setup("second"); err == nil {
		t.Fatal("Setup() overwrote an existing key pair")
	}
}

func TestTestEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	enc := encryption.NewTestEncryptor()

	var ciphertext bytes.Buffer
	if err := enc.Encrypt(bytes.NewReader([]byte("payload")), &ciphertext); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	if bytes.Equal(ciphertext.Bytes(), []byte("payload")) {
		t.Error("test ciphertext identical to plaintext")
	}

	ctx, err := enc.Unlock("")
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := ctx.Decrypt(bytes.NewReader(ciphertext.Bytes()), &out); err != nil {
		t.Fatalf("Decrypt() error = %v", err)
	}
	if out.String() != "payload" {
		t.Errorf("round trip = %q", out.String())
	}

	if err := ctx.Decrypt(bytes.NewReader([]byte("not encrypted")), &out); err == nil {
		t.Error("Decrypt() accepted data without the test header")
	}
}

func TestNewEncryptorFromConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		typ     string
		wantErr bool
	}{
		{"age", false},
		{"", false},
		{"test", false},
		{"rot13", true},
	}
	for _, tt := range tests {
		_, err := encryption.NewEncryptorFromConfig(config.EncryptionConfig{
			Type:           tt.typ,
			PublicKeyPath:  "pub",
			PrivateKeyPath: "key",
		})
		if (err != nil) != tt.wantErr {
			t.Errorf("type %q: err = %v, wantErr %v", tt.typ, err, tt.wantErr)
		}
	}
}
