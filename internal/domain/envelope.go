package domain

import (
	"encoding/json"
	"fmt"
)

// WrapAlgorithmAESGCM はエンベロープの対称ラップアルゴリズム識別子。
const WrapAlgorithmAESGCM = "AES/GCM"

// Envelope はクライアントとの間で受け渡す多層ラップ構造を表す。
// 秘密情報は一時セッション鍵でラップされ、セッション鍵自体は
// トランスポート公開鍵またはパスフレーズ由来鍵でラップされる。
type Envelope struct {
	// WrappedSecret はセッション鍵でラップされた秘密情報の暗号文。
	WrappedSecret []byte `json:"wrapped_secret,omitempty"`
	// WrappedSessionKey はラップ済みセッション鍵。
	WrappedSessionKey []byte `json:"wrapped_session_key,omitempty"`
	// WrapAlgorithm はWrappedSecretに使われた対称ラップアルゴリズムの識別子。
	WrapAlgorithm string `json:"wrap_algorithm,omitempty"`
	// Nonce は対称ラップの初期化ベクトル。
	Nonce []byte `json:"nonce,omitempty"`
}

// Validate はエンベロープの完全性不変条件を検査する。
// 4つのフィールドはすべて存在するか、さもなくばエンベロープ全体が不正であり、
// 暗号操作を試みる前に拒否される（フェイルクローズ）。
func (e *Envelope) Validate() error {
	if e == nil {
		return fmt.Errorf("%w: envelope is required", ErrInvalidInput)
	}
	if len(e.WrappedSecret) == 0 || len(e.WrappedSessionKey) == 0 ||
		e.WrapAlgorithm == "" || len(e.Nonce) == 0 {
		return fmt.Errorf("%w: envelope must carry wrapped_secret, wrapped_session_key, wrap_algorithm and nonce together", ErrInvalidInput)
	}
	return nil
}

// EncodeEnvelope はエンベロープをバイト列に直列化する。
// 構造的に正当なエンベロープに対しては常に成功する。
func EncodeEnvelope(e *Envelope) ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("%w: encoding envelope: %v", ErrInvalidInput, err)
	}
	return data, nil
}

// DecodeEnvelope はバイト列からエンベロープを復元し、完全性不変条件を検査する。
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("%w: decoding envelope: %v", ErrInvalidInput, err)
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
