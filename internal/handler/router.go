package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// NewRouter はルーターを生成する。
func NewRouter(eh *EscrowHandler, rh *RequestHandler, otelEnabled bool) http.Handler {
	r := chi.NewRouter()

	// ミドルウェア
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.RequestID)

	// ルート定義
	r.Route("/v1/escrow", func(r chi.Router) {
		r.Get("/transport", eh.TransportKey)

		r.Route("/keys", func(r chi.Router) {
			r.Post("/archive", eh.Archive)
			r.Post("/generate", eh.Generate)
			r.Get("/", eh.ListRecords)
			r.Get("/{key_id}", eh.GetRecord)
			r.Post("/{key_id}/status", eh.ModifyStatus)
			r.Post("/{key_id}/recover", eh.Recover)
			r.Post("/{key_id}/retrieve", eh.Retrieve)
		})

		r.Route("/requests", func(r chi.Router) {
			r.Get("/", rh.List)
			r.Get("/{request_id}", rh.Get)
			r.Post("/{request_id}/approve", rh.Approve)
			r.Post("/{request_id}/reject", rh.Reject)
			r.Post("/{request_id}/cancel", rh.Cancel)
		})
	})

	if otelEnabled {
		return otelhttp.NewHandler(r, "key-escrow-service")
	}
	return r
}
