package domain

import "errors"

// エラー分類。各操作はこのいずれかをラップして返し、
// 呼び出し側は errors.Is で種別を判定する。
var (
	// ErrInvalidInput は入力が不正な場合のエラー（必須フィールド欠落、許可されない用途タグ、範囲外の鍵長など）。
	// 暗号操作・ストレージ操作の前に必ず検出される。
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict は一意性制約に違反する場合のエラー
	// （client_key_idごとのACTIVEレコード重複、key_idごとの未完了リカバリ要求重複）。
	ErrConflict = errors.New("conflict")

	// ErrNotFound は指定されたkey_id・request_idが存在しない場合のエラー。
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition は状態機械の不正な遷移の場合のエラー（終端状態の要求を承認するなど）。
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrForbidden は承認済みの対応する要求なしにRetrieveが試行された場合のエラー。
	ErrForbidden = errors.New("forbidden")

	// ErrCrypto は暗号プリミティブの失敗の場合のエラー（パディング不正、鍵不一致、エンベロープ破損）。
	// 同一入力に対してリトライ不可として扱う。
	ErrCrypto = errors.New("crypto operation failed")

	// ErrServiceStopped はシャットダウン後に操作が呼ばれた場合のエラー。
	ErrServiceStopped = errors.New("service is stopped")

	// ErrMigrationFailed はマイグレーション実行時のエラー。
	ErrMigrationFailed = errors.New("migration failed")

	// ErrMigrationFileNotFound はマイグレーションファイルが見つからない場合のエラー。
	ErrMigrationFileNotFound = errors.New("migration file not found")

	// ErrInvalidMigrationFile はマイグレーションファイルのフォーマットが不正な場合のエラー。
	ErrInvalidMigrationFile = errors.New("invalid migration file")
)
