package crypto

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"testing"

	"key-escrow-service/internal/domain"
)

func testStorageWrapper(t *testing.T) *LocalStorageWrapper {
	t.Helper()
	masterKey := make([]byte, 32)
	if _, err := rand.Read(masterKey); err != nil {
		t.Fatalf("failed to generate master key: %v", err)
	}
	w, err := NewLocalStorageWrapper(masterKey)
	if err != nil {
		t.Fatalf("NewLocalStorageWrapper failed: %v", err)
	}
	return w
}

func TestNewLocalStorageWrapper_BadKeySize(t *testing.T) {
	if _, err := NewLocalStorageWrapper(make([]byte, 10)); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("want ErrCrypto, got %v", err)
	}
}

func TestLocalStorageWrapper_RoundTrip(t *testing.T) {
	ctx := context.Background()
	w := testStorageWrapper(t)

	secret := []byte("long-term secret material")
	blob, err := w.WrapForStorage(ctx, secret)
	if err != nil {
		t.Fatalf("WrapForStorage failed: %v", err)
	}
	if bytes.Contains(blob, secret) {
		t.Error("stored blob must not contain the plaintext secret")
	}

	unwrapped, err := w.UnwrapFromStorage(ctx, blob)
	if err != nil {
		t.Fatalf("UnwrapFromStorage failed: %v", err)
	}
	if !bytes.Equal(secret, unwrapped) {
		t.Error("unwrapped secret does not match original")
	}
}

func TestLocalStorageWrapper_UnwrapTampered(t *testing.T) {
	ctx := context.Background()
	w := testStorageWrapper(t)

	blob, err := w.WrapForStorage(ctx, []byte("secret"))
	if err != nil {
		t.Fatalf("WrapForStorage failed: %v", err)
	}
	blob[len(blob)-1] ^= 0xff

	if _, err := w.UnwrapFromStorage(ctx, blob); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("want ErrCrypto, got %v", err)
	}
}

func TestLocalStorageWrapper_UnwrapTooShort(t *testing.T) {
	ctx := context.Background()
	w := testStorageWrapper(t)

	if _, err := w.UnwrapFromStorage(ctx, make([]byte, 4)); !errors.Is(err, domain.ErrCrypto) {
		t.Errorf("want ErrCrypto, got %v", err)
	}
}
