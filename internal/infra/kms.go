package infra

import (
	"context"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"

	"key-escrow-service/internal/domain"
)

// KMSStorageWrapper は長期ストレージ鍵のラップをCloud KMSに委譲する実装。
// ストレージ鍵の素材はKMSの外に出ない。
type KMSStorageWrapper struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSStorageWrapper は指定されたキー名でKMSStorageWrapperを生成する。
func NewKMSStorageWrapper(ctx context.Context, keyName string) (*KMSStorageWrapper, error) {
	if keyName == "" {
		return nil, fmt.Errorf("KMS key name is required")
	}
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}
	return &KMSStorageWrapper{
		client:  client,
		keyName: keyName,
	}, nil
}

// WrapForStorage は秘密情報をCloud KMSで暗号化する。
func (w *KMSStorageWrapper) WrapForStorage(ctx context.Context, secret []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      w.keyName,
		Plaintext: secret,
	}
	resp, err := w.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapping for storage: %v", domain.ErrCrypto, err)
	}
	return resp.Ciphertext, nil
}

// UnwrapFromStorage はCloud KMSで暗号化された秘密情報を復号する。
func (w *KMSStorageWrapper) UnwrapFromStorage(ctx context.Context, blob []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       w.keyName,
		Ciphertext: blob,
	}
	resp, err := w.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping from storage: %v", domain.ErrCrypto, err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (w *KMSStorageWrapper) Close() error {
	return w.client.Close()
}
