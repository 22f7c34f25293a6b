package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.enc")
	secrets := map[string]string{"OPENAI_API_KEY": "sk-test-123"}

	if err := EncryptSecretsFile(path, "hunter2", secrets); err != nil {
		t.Fatalf("EncryptSecretsFile() error = %v", err)
	}

	got, err := DecryptSecretsFile(path, "hunter2")
	if err != nil {
		t.Fatalf("DecryptSecretsFile() error = %v", err)
	}
	if got["OPENAI_API_KEY"] != "sk-test-123" {
		t.Errorf("decrypted secrets = %v", got)
	}
}

func TestDecryptWrongPasswordFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.enc")
	if err := EncryptSecretsFile(path, "correct-password", map[string]string{"K": "V"}); err != nil {
		t.Fatalf("EncryptSecretsFile() error = %v", err)
	}

	if _, err := DecryptSecretsFile(path, "wrong-password"); err == nil {
		t.Fatal("expected decryption to fail with wrong password")
	}
}

func TestDecryptCorruptedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.enc")
	if err := EncryptSecretsFile(path, "pw", map[string]string{"K": "V"}); err != nil {
		t.Fatalf("EncryptSecretsFile() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read secrets file: %v", err)
	}
	data[len(data)-1] ^= 0xff
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write corrupted secrets file: %v", err)
	}

	if _, err := DecryptSecretsFile(path, "pw"); err == nil {
		t.Fatal("expected error decrypting a corrupted file")
	}
}

func TestGetSecretMissingKeyErrors(t *testing.T) {
	SetDecryptedSecrets(map[string]string{"A": "1"})
	defer SetDecryptedSecrets(nil)

	if _, err := GetSecret("B"); err == nil {
		t.Fatal("expected error for missing secret key")
	}
}

func TestGetSecretBeforeAnyLoadErrors(t *testing.T) {
	SetDecryptedSecrets(nil)
	if _, err := GetSecret("ANYTHING"); err == nil {
		t.Fatal("expected error when no secrets have been loaded")
	}
}
