// Package crypto はエスクローサービスが利用する暗号プリミティブを提供する。
package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/dsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/pbkdf2"
	pkcs12 "software.sslmate.com/src/go-pkcs12"

	"key-escrow-service/internal/domain"
)

const (
	symmetricKeySize = 32 // AES-256
	gcmNonceSize     = 12

	// PBKDF2パラメータ（RFC 8018）。
	pbkdf2Iterations = 100000
	pbkdf2SaltSize   = 16
	pbkdf2KeySize    = 32
)

// Provider はローカル実装の暗号プロバイダ。
// トランスポート鍵ペアの秘密鍵はこの構造体の外に出ない。
type Provider struct {
	transportKey *rsa.PrivateKey
}

// NewProvider はトランスポート鍵を保持するProviderを生成する。
func NewProvider(transportKey *rsa.PrivateKey) (*Provider, error) {
	if transportKey == nil {
		return nil, fmt.Errorf("%w: transport key is required", domain.ErrCrypto)
	}
	return &Provider{transportKey: transportKey}, nil
}

// TransportPublicKey はトランスポート公開鍵をDER形式で返す。
func (p *Provider) TransportPublicKey() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&p.transportKey.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling transport public key: %v", domain.ErrCrypto, err)
	}
	return der, nil
}

// GenerateSymmetricKey は対称鍵を生成する。
func (p *Provider) GenerateSymmetricKey(algorithm string) ([]byte, error) {
	if algorithm != domain.AlgorithmAES {
		return nil, fmt.Errorf("%w: unsupported symmetric algorithm %q", domain.ErrCrypto, algorithm)
	}
	key := make([]byte, symmetricKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("%w: generating symmetric key: %v", domain.ErrCrypto, err)
	}
	return key, nil
}

// GenerateNonce は対称ラップ用の新しいノンスを生成する。
func (p *Provider) GenerateNonce() ([]byte, error) {
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("%w: generating nonce: %v", domain.ErrCrypto, err)
	}
	return nonce, nil
}

// dsaPrivateKey / dsaPublicKey はDSA鍵のASN.1エンコード用構造体。
type dsaPrivateKey struct {
	Version int
	P, Q, G *big.Int
	Y, X    *big.Int
}

type dsaPublicKey struct {
	P, Q, G *big.Int
	Y       *big.Int
}

// GenerateKeyPair は非対称鍵ペアを生成し、公開鍵・秘密鍵をDER形式で返す。
// RSAはPKIX/PKCS8、DSAはASN.1の素のパラメータ列で符号化する。
func (p *Provider) GenerateKeyPair(algorithm string, bits int) (pub, priv []byte, err error) {
	switch algorithm {
	case domain.AlgorithmRSA:
		key, genErr := rsa.GenerateKey(rand.Reader, bits)
		if genErr != nil {
			return nil, nil, fmt.Errorf("%w: generating RSA key pair: %v", domain.ErrCrypto, genErr)
		}
		priv, err = x509.MarshalPKCS8PrivateKey(key)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: marshaling RSA private key: %v", domain.ErrCrypto, err)
		}
		pub, err = x509.MarshalPKIXPublicKey(&key.PublicKey)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: marshaling RSA public key: %v", domain.ErrCrypto, err)
		}
		return pub, priv, nil
	case domain.AlgorithmDSA:
		// crypto/dsa が生成できるのは1024ビット以上のパラメータのみ。
		if bits != 1024 {
			return nil, nil, fmt.Errorf("%w: DSA parameter size %d is not supported by this provider", domain.ErrCrypto, bits)
		}
		var params dsa.Parameters
		if genErr := dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160); genErr != nil {
			return nil, nil, fmt.Errorf("%w: generating DSA parameters: %v", domain.ErrCrypto, genErr)
		}
		key := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
		if genErr := dsa.GenerateKey(key, rand.Reader); genErr != nil {
			return nil, nil, fmt.Errorf("%w: generating DSA key pair: %v", domain.ErrCrypto, genErr)
		}
		priv, err = asn1.Marshal(dsaPrivateKey{P: key.P, Q: key.Q, G: key.G, Y: key.Y, X: key.X})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: marshaling DSA private key: %v", domain.ErrCrypto, err)
		}
		pub, err = asn1.Marshal(dsaPublicKey{P: key.P, Q: key.Q, G: key.G, Y: key.Y})
		if err != nil {
			return nil, nil, fmt.Errorf("%w: marshaling DSA public key: %v", domain.ErrCrypto, err)
		}
		return pub, priv, nil
	}
	return nil, nil, fmt.Errorf("%w: unsupported asymmetric algorithm %q", domain.ErrCrypto, algorithm)
}

// DerivePublicKey はPKCS8形式の秘密鍵から公開鍵（DER形式）を導出する。
func (p *Provider) DerivePublicKey(privDER []byte) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing private key: %v", domain.ErrCrypto, err)
	}
	signer, ok := key.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("%w: private key does not expose a public key", domain.ErrCrypto)
	}
	pub, err := x509.MarshalPKIXPublicKey(signer.Public())
	if err != nil {
		return nil, fmt.Errorf("%w: marshaling public key: %v", domain.ErrCrypto, err)
	}
	return pub, nil
}

// WrapWithPublicKey は鍵をRSA-OAEP(SHA-256)で公開鍵ラップする。
func (p *Provider) WrapWithPublicKey(pubDER, key []byte) ([]byte, error) {
	parsed, err := x509.ParsePKIXPublicKey(pubDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing public key: %v", domain.ErrCrypto, err)
	}
	rsaPub, ok := parsed.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: public key is not RSA", domain.ErrCrypto)
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, rsaPub, key, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: wrapping with public key: %v", domain.ErrCrypto, err)
	}
	return wrapped, nil
}

// UnwrapWithPrivateKey はトランスポート秘密鍵でラップ済みセッション鍵をアンラップする。
func (p *Provider) UnwrapWithPrivateKey(wrapped []byte) ([]byte, error) {
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, p.transportKey, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping session key: %v", domain.ErrCrypto, err)
	}
	return key, nil
}

// WrapWithSymmetricKey は秘密情報を対称鍵でラップする。
func (p *Provider) WrapWithSymmetricKey(key, secret, nonce []byte, algorithm string) ([]byte, error) {
	aead, err := newAESGCM(key, nonce, algorithm)
	if err != nil {
		return nil, err
	}
	return aead.Seal(nil, nonce, secret, nil), nil
}

// UnwrapWithSymmetricKey は対称鍵でラップされた秘密情報をアンラップする。
func (p *Provider) UnwrapWithSymmetricKey(key, wrapped, nonce []byte, algorithm string) ([]byte, error) {
	aead, err := newAESGCM(key, nonce, algorithm)
	if err != nil {
		return nil, err
	}
	secret, err := aead.Open(nil, nonce, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: unwrapping secret: %v", domain.ErrCrypto, err)
	}
	return secret, nil
}

func newAESGCM(key, nonce []byte, algorithm string) (cipher.AEAD, error) {
	if algorithm != domain.WrapAlgorithmAESGCM {
		return nil, fmt.Errorf("%w: unsupported wrap algorithm %q", domain.ErrCrypto, algorithm)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("%w: creating cipher: %v", domain.ErrCrypto, err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("%w: creating GCM: %v", domain.ErrCrypto, err)
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("%w: nonce must be %d bytes", domain.ErrCrypto, aead.NonceSize())
	}
	return aead, nil
}

// DeriveKeyFromPassphrase はパスフレーズとソルトからPBKDF2で鍵を導出する。
func (p *Provider) DeriveKeyFromPassphrase(passphrase string, salt []byte) []byte {
	return pbkdf2.Key([]byte(passphrase), salt, pbkdf2Iterations, pbkdf2KeySize, sha256.New)
}

// WrapWithPassphrase は鍵をパスフレーズ由来鍵でラップする。
// 出力レイアウトは salt || nonce || ciphertext。
func (p *Provider) WrapWithPassphrase(passphrase string, key []byte) ([]byte, error) {
	salt := make([]byte, pbkdf2SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("%w: generating salt: %v", domain.ErrCrypto, err)
	}
	nonce, err := p.GenerateNonce()
	if err != nil {
		return nil, err
	}
	derived := p.DeriveKeyFromPassphrase(passphrase, salt)
	ct, err := p.WrapWithSymmetricKey(derived, key, nonce, domain.WrapAlgorithmAESGCM)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(salt)+len(nonce)+len(ct))
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ct...)
	return out, nil
}

// UnwrapWithPassphrase はWrapWithPassphraseの出力をアンラップする。
func (p *Provider) UnwrapWithPassphrase(passphrase string, blob []byte) ([]byte, error) {
	if len(blob) <= pbkdf2SaltSize+gcmNonceSize {
		return nil, fmt.Errorf("%w: passphrase-wrapped data too short", domain.ErrCrypto)
	}
	salt := blob[:pbkdf2SaltSize]
	nonce := blob[pbkdf2SaltSize : pbkdf2SaltSize+gcmNonceSize]
	ct := blob[pbkdf2SaltSize+gcmNonceSize:]
	derived := p.DeriveKeyFromPassphrase(passphrase, salt)
	return p.UnwrapWithSymmetricKey(derived, ct, nonce, domain.WrapAlgorithmAESGCM)
}

// EncodePKCS12 は回復された秘密鍵と証明書をパスワード保護付きの
// PKCS12コンテナに束ねる。
func (p *Provider) EncodePKCS12(privDER, certDER []byte, password string) ([]byte, error) {
	key, err := x509.ParsePKCS8PrivateKey(privDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing recovered private key: %v", domain.ErrCrypto, err)
	}
	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("%w: parsing certificate: %v", domain.ErrCrypto, err)
	}
	bundle, err := pkcs12.Modern.Encode(key, cert, nil, password)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding PKCS12 bundle: %v", domain.ErrCrypto, err)
	}
	return bundle, nil
}
