package crypto

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"

	"key-escrow-service/internal/domain"
)

// LocalStorageWrapper は長期ストレージ鍵によるラップをプロセス内で行う実装。
// Cloud KMSを使わない構成（開発環境・テスト）向け。
// 出力レイアウトは nonce || ciphertext。
type LocalStorageWrapper struct {
	aead cipher.AEAD
}

// NewLocalStorageWrapper はマスター鍵からストレージラッパーを生成する。
// 鍵長はAESの制約に従い16/24/32バイトのいずれか。
func NewLocalStorageWrapper(masterKey []byte) (*LocalStorageWrapper, error) {
	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, fmt.Errorf("%w: creating storage cipher: %v", domain.ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating storage GCM: %v", domain.ErrCrypto, err)
	}
	return &LocalStorageWrapper{aead: aead}, nil
}

// WrapForStorage は秘密情報をストレージ鍵でラップする。
func (w *LocalStorageWrapper) WrapForStorage(ctx context.Context, secret []byte) ([]byte, error) {
	nonce := make([]byte, w.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generating storage nonce: %v", domain.ErrCrypto, err)
	}
	ct := w.aead.Seal(nil, nonce, secret, nil)
	return append(nonce, ct...), nil
}

// UnwrapFromStorage はストレージ鍵でラップされた秘密情報をアンラップする。
func (w *LocalStorageWrapper) UnwrapFromStorage(ctx context.Context, blob []byte) ([]byte, error) {
	if len(blob) <= w.aead.NonceSize() {
		return nil, fmt.Errorf("%w: stored secret too short", domain.ErrCrypto)
	}
	nonce := blob[:w.aead.NonceSize()]
	ct := blob[w.aead.NonceSize():]
	secret, err := w.aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping stored secret: %v", domain.ErrCrypto, err)
	}
	return secret, nil
}
