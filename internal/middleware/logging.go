// Package middleware はHTTPミドルウェアと監査ログを提供する。
package middleware

import (
	"context"
	"log/slog"
	"time"
)

// WriteAuditLog はエスクロー操作の監査ログを出力する。
// 秘密情報そのものは決してログに載せない。
func WriteAuditLog(ctx context.Context, operation, keyID, requestID, result string) {
	slog.InfoContext(ctx, "escrow operation completed",
		"operation", operation,
		"key_id", keyID,
		"request_id", requestID,
		"result", result,
		"timestamp", time.Now().UTC().Format(time.RFC3339),
	)
}
