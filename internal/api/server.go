package api

import (
	"github.com/hbomb79/theapipe/internal/approval"
	"github.com/hbomb79/theapipe/internal/broker"
	"github.com/hbomb79/theapipe/internal/catalog"
	"github.com/hbomb79/theapipe/internal/coordinator"
	"github.com/hbomb79/theapipe/internal/registry"
)

// Server holds every collaborator the control API's handlers need and owns
// the Router they are registered against.
type Server struct {
	store      *catalog.Store
	broker     *broker.Broker
	registry   *registry.Registry
	gate       *approval.Gate
	dispatcher *coordinator.Dispatcher

	router *Router
}

// New constructs a Server and registers every control-API route behind a
// JWT bearer-token auth middleware keyed on operatorSecret.
func New(store *catalog.Store, brk *broker.Broker, reg *registry.Registry, gate *approval.Gate, dispatcher *coordinator.Dispatcher, operatorSecret string) *Server {
	s := &Server{store: store, broker: brk, registry: reg, gate: gate, dispatcher: dispatcher, router: NewRouter()}

	s.router.Use(authMiddleware(operatorSecret))

	s.router.CreateRoute("/status", "GET", s.handleStatus)
	s.router.CreateRoute("/pause", "POST", s.handlePause)
	s.router.CreateRoute("/resume", "POST", s.handleResume)

	s.router.CreateRoute("/jobs", "GET", s.handleListJobs)
	s.router.CreateRoute("/jobs/{id}/retry", "POST", s.handleRetryJob)
	s.router.CreateRoute("/jobs/{id}", "DELETE", s.handleDeleteJob)
	s.router.CreateRoute("/clear-completed", "POST", s.handleClearCompleted)

	s.router.CreateRoute("/files", "GET", s.handleListFiles)
	s.router.CreateRoute("/files/{id}/tags", "POST", s.handleAddFileTag)
	s.router.CreateRoute("/files/{id}/tags", "DELETE", s.handleRemoveFileTag)

	s.router.CreateRoute("/processor-configs", "GET", s.handleListProcessorConfigs)
	s.router.CreateRoute("/processor-configs", "POST", s.handleUpsertProcessorConfig)
	s.router.CreateRoute("/processor-configs", "DELETE", s.handleDeleteProcessorConfig)

	s.router.CreateRoute("/queue-mode", "GET", s.handleGetQueueMode)
	s.router.CreateRoute("/queue-mode", "POST", s.handleSetQueueMode)

	s.router.CreateRoute("/pending-approval", "GET", s.handlePendingApproval)
	s.router.CreateRoute("/approve-jobs", "POST", s.handleApproveJobs)

	s.router.CreateRoute("/cost-summary", "GET", s.handleCostSummary)
	s.router.CreateRoute("/predicted-jobs", "GET", s.handlePredictedJobs)

	return s
}

// Start serves the API. Blocks until Stop is called from another goroutine.
func (s *Server) Start(bindAddress string) error {
	return s.router.Start(&RouterOptions{BindAddress: bindAddress})
}

func (s *Server) Stop() { s.router.Stop() }
