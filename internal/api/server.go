// Package api exposes the control surface (sequences, enrollments,
// senders, previews, test sends) and the provider webhook ingress.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/intralog/outreach-engine/internal/pkg/logger"
)

// Server hosts the HTTP surface.
type Server struct {
	httpServer *http.Server
}

// NewServer assembles middleware and routes around the handler set.
func NewServer(host string, port int, h *Handlers) *Server {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", h.Health)

	r.Route("/sequences", func(r chi.Router) {
		r.Post("/", h.CreateSequence)
		r.Get("/{id}", h.GetSequence)
		r.Put("/{id}", h.ReplaceSteps)
		r.Post("/{id}/enrollments", h.Enroll)
		r.Get("/{id}/status", h.SequenceStatus)
	})

	r.Route("/enrollments", func(r chi.Router) {
		r.Get("/{id}", h.GetEnrollment)
		r.Get("/{id}/log", h.EnrollmentLog)
		r.Post("/{id}/retry", h.RetryEnrollment)
		r.Post("/{id}/pause", h.PauseEnrollment)
		r.Delete("/{id}/pause", h.ResumeEnrollment)
	})

	r.Route("/templates", func(r chi.Router) {
		r.Put("/{key}", h.UpsertTemplate)
		r.Get("/{key}", h.GetTemplate)
	})

	r.Route("/senders", func(r chi.Router) {
		r.Get("/", h.ListSenders)
		r.Put("/{email}", h.UpsertSender)
		r.Post("/{email}/hold", h.HoldSender)
		r.Delete("/{email}/hold", h.ReleaseSender)
		r.Put("/{email}/signature", h.UpdateSignature)
		r.Post("/{email}/warmup", h.SetWarmup)
	})

	r.Post("/render/preview", h.RenderPreview)
	r.Post("/send/test", h.TestSend)

	r.Route("/webhooks", func(r chi.Router) {
		r.Post("/email", h.EmailWebhook)
		r.Post("/voice", h.VoiceWebhook)
	})

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf("%s:%d", host, port),
			Handler:      r,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
	}
}

// Start blocks serving until shutdown.
func (s *Server) Start() error {
	logger.Info("API server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}
