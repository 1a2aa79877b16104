package api

import (
	"github.com/go-chi/chi/v5"
)

// setupAPIRoutes sets up API v1 routes
func (s *RESTServer) setupAPIRoutes(r chi.Router) {
	// Health check
	r.Get("/health", s.HandleHealth)
	r.Get("/", s.HandleRoot)

	// Auth routes (public)
	r.Route("/auth", func(r chi.Router) {
		r.Post("/login", s.HandleLogin)
		r.Post("/refresh", s.HandleRefresh)
	})

	// Protected routes
	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)

		// Client sessions
		r.Route("/sessions", func(r chi.Router) {
			r.Get("/", s.HandleListSessions)
			r.Post("/credit", s.HandleCredit)
			r.Route("/{mac}", func(r chi.Router) {
				r.Get("/", s.HandleGetSession)
				r.Put("/", s.HandleEditSession)
				r.Delete("/", s.HandleDeleteSession)
				r.Post("/pause", s.HandlePauseSession)
				r.Post("/resume", s.HandleResumeSession)
				r.Post("/disconnect", s.HandleDisconnectSession)
			})
		})

		// Sub-vendo devices
		r.Route("/devices", func(r chi.Router) {
			r.Get("/", s.HandleListDevices)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.HandleGetDevice)
				r.Delete("/", s.HandleRemoveDevice)
				r.Post("/accept", s.HandleAcceptDevice)
				r.Post("/reject", s.HandleRejectDevice)
				r.Put("/rates", s.HandleUpdateDeviceRates)
			})
		})

		// Main controller rate table
		r.Route("/rates", func(r chi.Router) {
			r.Get("/", s.HandleGetRates)
			r.Put("/", s.HandleUpdateRates)
		})

		// Vouchers
		r.Route("/vouchers", func(r chi.Router) {
			r.Get("/", s.HandleListVouchers)
			r.Post("/", s.HandleCreateVouchers)
			r.Delete("/{id}", s.HandleDeleteVoucher)
		})

		// Settings
		r.Route("/settings", func(r chi.Router) {
			r.Get("/bandwidth", s.HandleGetBandwidthDefaults)
			r.Put("/bandwidth", s.HandleUpdateBandwidthDefaults)
		})

		// License
		r.Route("/license", func(r chi.Router) {
			r.Get("/", s.HandleGetLicense)
			r.Post("/activate", s.HandleActivateLicense)
		})

		// Users
		r.Route("/users", func(r chi.Router) {
			r.Get("/me", s.HandleGetCurrentUser)
			r.Post("/", s.HandleCreateUser)
		})

		// Events
		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.HandleListEvents)
		})
	})
}
