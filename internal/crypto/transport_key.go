package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

const transportKeyBits = 2048

// LoadOrGenerateTransportKey はトランスポート鍵ペアをPEMファイルから読み込む。
// ファイルが存在しない場合は新しく生成して保存する。
// パスが空の場合はプロセス限りの鍵を生成する。
func LoadOrGenerateTransportKey(path string) (*rsa.PrivateKey, error) {
	if path == "" {
		return rsa.GenerateKey(rand.Reader, transportKeyBits)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading transport key: %w", err)
		}
		return generateAndSaveTransportKey(path)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("transport key file %s contains no PEM block", path)
	}
	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, parseErr := x509.ParsePKCS8PrivateKey(block.Bytes)
		if parseErr != nil {
			return nil, fmt.Errorf("parsing transport key: %w", parseErr)
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, fmt.Errorf("transport key in %s is not RSA", path)
		}
		return rsaKey, nil
	}
	return nil, fmt.Errorf("unexpected PEM block type %q in %s", block.Type, path)
}

func generateAndSaveTransportKey(path string) (*rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, transportKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generating transport key: %w", err)
	}
	block := &pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, fmt.Errorf("saving transport key: %w", err)
	}
	return key, nil
}
