package licenses_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func RegisterRoutes(r chi.Router, l LicenseService, p PaymentService, o OutboxTrigger, logger *zap.Logger) {
	handler := NewLicenseHandler(l, p, o, logger.With(zap.String("component", "LicenseHTTPHandler")))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Licensing service is healthy!"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/webhook/payment", handler.PaymentWebhookHandler)
	r.Get("/public_key", handler.PublicKeyHandler)

	r.Route("/licenses", func(r chi.Router) {
		r.Post("/activate", handler.ActivateHandler)
		r.Get("/verify", handler.VerifyTokenHandler)
		r.Get("/verify/{key}", handler.VerifyHandler)
		r.Get("/by-reference/{provider}/{reference}", handler.ByReferenceHandler)
	})

	r.Post("/outbox/drain", handler.DrainOutboxHandler)
}
