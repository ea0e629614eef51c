// Copyright 2025 AgentFlow
// SPDX-License-Identifier: BUSL-1.1

package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"agentflow/platform/agents"
	"agentflow/platform/config"
	"agentflow/platform/llm"
	"agentflow/platform/llm/bedrock"
	"agentflow/platform/sdk"
	"agentflow/platform/shared/events"
	"agentflow/platform/shared/faults"
	"agentflow/platform/store"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// Server exposes the orchestrator and agency over HTTP. The core stays
// fully usable as a library; this surface is for operators and demos.
type Server struct {
	orchestrator   *Orchestrator
	agency         *Agency
	router         *mux.Router
	allowedOrigins []string
}

// NewServer builds the HTTP surface around an orchestrator and agency.
func NewServer(o *Orchestrator, ag *Agency) *Server {
	s := &Server{
		orchestrator:   o,
		agency:         ag,
		router:         mux.NewRouter(),
		allowedOrigins: []string{"*"},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	s.router.HandleFunc("/metrics", s.metricsHandler).Methods("GET")
	s.router.Handle("/prometheus", promhttp.Handler()).Methods("GET")

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/delegate", s.delegateHandler).Methods("POST")
	api.HandleFunc("/orchestrate", s.orchestrateHandler).Methods("POST")
	api.HandleFunc("/agents", s.agentsHandler).Methods("GET")
	api.HandleFunc("/workflows", s.executeWorkflowHandler).Methods("POST")
	api.HandleFunc("/workflows/{id}", s.getWorkflowHandler).Methods("GET")
}

// Handler returns the router wrapped with CORS middleware.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins:   s.allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(s.router)
}

// Run serves HTTP on the given port until the listener fails.
func (s *Server) Run(port string) error {
	log.Printf("[Server] Listening on port %s", port)
	return http.ListenAndServe(":"+port, s.Handler())
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	st := s.orchestrator.GetOrchestratorStatus()

	components := map[string]bool{
		"orchestrator": !st.ShuttingDown,
		"audit_trail":  s.orchestrator.audit.Healthy(),
	}
	status := "healthy"
	for _, ok := range components {
		if !ok {
			status = "degraded"
			break
		}
	}

	writeJSON(w, map[string]interface{}{
		"status":     status,
		"service":    "agentflow-orchestrator",
		"version":    Version,
		"timestamp":  time.Now().UTC().Format(time.RFC3339),
		"components": components,
		"agents": map[string]int{
			"managed": st.ManagedAgents,
			"healthy": st.HealthyAgents,
		},
	})
}

func (s *Server) metricsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"orchestrator": s.orchestrator.GetOrchestratorStatus(),
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
	})
}

type delegateRequest struct {
	AgentID           string                 `json:"agent_id"`
	Description       string                 `json:"description"`
	Context           map[string]interface{} `json:"context,omitempty"`
	UseChainOfThought bool                   `json:"use_chain_of_thought,omitempty"`
}

func (s *Server) delegateHandler(w http.ResponseWriter, r *http.Request) {
	var req delegateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AgentID == "" {
		sendErrorResponse(w, "agent_id is required", http.StatusBadRequest)
		return
	}
	if req.Description == "" {
		sendErrorResponse(w, "description is required", http.StatusBadRequest)
		return
	}

	result, err := s.orchestrator.DelegateTask(r.Context(), req.AgentID, req.Description, req.Context, req.UseChainOfThought)
	if err != nil {
		sendErrorResponse(w, err.Error(), delegationStatusCode(err))
		return
	}
	writeJSON(w, result)
}

// delegationStatusCode maps delegation failures onto HTTP status codes:
// unknown agents are the caller's mistake, open breakers and shutdown are
// back-pressure, and exhausted retries mean the agent itself kept failing.
func delegationStatusCode(err error) int {
	var notFound *faults.NotFoundError
	var open *sdk.CircuitOpenError
	var exhausted *ExhaustedRetriesError
	switch {
	case errors.As(err, &notFound):
		return http.StatusNotFound
	case errors.As(err, &open):
		return http.StatusServiceUnavailable
	case errors.As(err, &exhausted):
		return http.StatusBadGateway
	case strings.Contains(err.Error(), "shutting down"):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

type orchestrateRequest struct {
	Goal              string                 `json:"goal"`
	PlannerID         string                 `json:"planner_id,omitempty"`
	Sequential        bool                   `json:"sequential,omitempty"`
	FailFast          bool                   `json:"fail_fast,omitempty"`
	UseChainOfThought bool                   `json:"use_chain_of_thought,omitempty"`
	Context           map[string]interface{} `json:"context,omitempty"`
}

func (s *Server) orchestrateHandler(w http.ResponseWriter, r *http.Request) {
	var req orchestrateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.Goal == "" {
		sendErrorResponse(w, "goal is required", http.StatusBadRequest)
		return
	}

	result, err := s.orchestrator.Orchestrate(r.Context(), req.Goal, OrchestrateOptions{
		PlannerID:         req.PlannerID,
		Sequential:        req.Sequential,
		FailFast:          req.FailFast,
		UseChainOfThought: req.UseChainOfThought,
		Context:           req.Context,
	})
	if err != nil {
		sendErrorResponse(w, fmt.Sprintf("Orchestration failed: %v", err), http.StatusInternalServerError)
		return
	}
	writeJSON(w, result)
}

func (s *Server) agentsHandler(w http.ResponseWriter, r *http.Request) {
	managed := s.orchestrator.GetManagedAgents()
	writeJSON(w, map[string]interface{}{
		"agents": managed,
		"count":  len(managed),
	})
}

type workflowRequest struct {
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	Steps       []WorkflowStep         `json:"steps"`
	InitialData map[string]interface{} `json:"initial_data,omitempty"`
}

// executeWorkflowHandler runs a workflow synchronously. A failed workflow
// still returns 200 with the execution record; its status and error fields
// carry the outcome.
func (s *Server) executeWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		sendErrorResponse(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Steps) == 0 {
		sendErrorResponse(w, "Workflow must have at least one step", http.StatusBadRequest)
		return
	}

	exec, err := s.agency.ExecuteWorkflow(r.Context(), req.Steps, req.WorkflowID, req.InitialData)
	if exec == nil {
		sendErrorResponse(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, exec)
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	exec, err := s.agency.GetWorkflow(id)
	if err != nil {
		sendErrorResponse(w, "Execution not found", http.StatusNotFound)
		return
	}
	writeJSON(w, exec)
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

func sendErrorResponse(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(errorResponse{Success: false, Error: message}); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("Error encoding response: %v", err)
	}
}

// Platform bundles everything BuildPlatform assembles from a config file.
type Platform struct {
	Orchestrator *Orchestrator
	Agency       *Agency
	Server       *Server
}

// BuildPlatform assembles a ready-to-run platform from a validated config:
// provider, store, audit trail, orchestrator, agency, HTTP server, and the
// declared agents. A nil cfg uses defaults.
func BuildPlatform(cfg *config.PlatformFile) (*Platform, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	provider, err := buildProvider(cfg.Spec.LLM)
	if err != nil {
		return nil, err
	}

	globalStore, err := buildStore(cfg.Spec.Memory)
	if err != nil {
		return nil, err
	}

	audit, err := OpenAuditTrail(cfg.Spec.Audit.DatabaseURL)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus()
	registry := agents.NewRegistry(bus)
	if secs := cfg.Spec.Registry.SweepIntervalSeconds; secs > 0 {
		registry.SetSweepInterval(time.Duration(secs) * time.Second)
	}

	scorer := agents.NewScorer()
	if weights := scorerWeights(cfg.Spec.Scorer); weights != nil {
		scorer.SetWeights(*weights)
	}

	oc := cfg.Spec.Orchestrator
	o := New(Config{
		Bus:                 bus,
		Registry:            registry,
		Scorer:              scorer,
		MaxConcurrentTasks:  oc.MaxConcurrentTasks,
		MaxRetries:          oc.MaxRetries,
		BaseDelay:           time.Duration(oc.BaseDelayMs) * time.Millisecond,
		BackoffMultiplier:   oc.BackoffMultiplier,
		MaxRedelegations:    oc.MaxRedelegations,
		BreakerThreshold:    oc.BreakerThreshold,
		BreakerResetTimeout: time.Duration(oc.BreakerResetSeconds) * time.Second,
		ShutdownTimeout:     time.Duration(oc.ShutdownTimeoutSeconds) * time.Second,
		Audit:               audit,
	})

	agency, err := NewAgency(AgencyConfig{
		Orchestrator: o,
		Memory:       NewMemoryManager(globalStore),
	})
	if err != nil {
		return nil, err
	}

	for _, def := range cfg.Spec.Agents {
		temperature := def.Temperature
		if temperature == 0 {
			temperature = cfg.Spec.LLM.Temperature
		}
		maxTokens := def.MaxTokens
		if maxTokens == 0 {
			maxTokens = cfg.Spec.LLM.MaxTokens
		}

		agent, err := agents.New(agents.Config{
			Name: def.Name,
			Persona: agents.Persona{
				Role:         def.Role,
				Description:  def.Description,
				Goals:        def.Goals,
				Instructions: def.Instructions,
			},
			Capabilities: def.Capabilities,
			Provider:     provider,
			Bus:          bus,
			Temperature:  temperature,
			MaxTokens:    maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to build agent %s: %w", def.Name, err)
		}
		if err := o.RegisterAgent(agent); err != nil {
			return nil, fmt.Errorf("failed to register agent %s: %w", def.Name, err)
		}
	}

	server := NewServer(o, agency)
	if origins := cfg.Spec.Server.AllowedOrigins; len(origins) > 0 {
		server.allowedOrigins = origins
	}

	return &Platform{Orchestrator: o, Agency: agency, Server: server}, nil
}

func buildProvider(cfg config.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "bedrock":
		p, err := bedrock.New(cfg.Region, cfg.Model)
		if err != nil {
			return nil, err
		}
		return llm.Instrument(p), nil
	default:
		return llm.Instrument(llm.NewMockProvider()), nil
	}
}

func buildStore(cfg config.MemoryConfig) (store.Store, error) {
	if cfg.Store != "redis" {
		return store.NewMemoryStore(), nil
	}
	redisURL := fmt.Sprintf("redis://%s/%d", cfg.Redis.Addr, cfg.Redis.DB)
	if cfg.Redis.Password != "" {
		redisURL = fmt.Sprintf("redis://:%s@%s/%d", cfg.Redis.Password, cfg.Redis.Addr, cfg.Redis.DB)
	}
	return store.NewRedisStore(redisURL)
}

// scorerWeights returns nil when the config leaves every weight zero, so
// the scorer keeps its defaults.
func scorerWeights(cfg config.ScorerConfig) *agents.Weights {
	if cfg.RoleMatch == 0 && cfg.KeywordMatch == 0 && cfg.Performance == 0 &&
		cfg.LoadBalance == 0 && cfg.Availability == 0 && cfg.Experience == 0 &&
		cfg.ResponseTime == 0 {
		return nil
	}
	return &agents.Weights{
		RoleMatch:    cfg.RoleMatch,
		KeywordMatch: cfg.KeywordMatch,
		Performance:  cfg.Performance,
		LoadBalance:  cfg.LoadBalance,
		Availability: cfg.Availability,
		Experience:   cfg.Experience,
		ResponseTime: cfg.ResponseTime,
	}
}

// Run loads configuration, assembles the platform, and serves HTTP until
// the process exits. AGENTFLOW_CONFIG names a platform YAML file; without
// it the built-in defaults apply. Environment overrides are layered on
// either way.
func Run() {
	log.Println("Starting AgentFlow Orchestrator...")

	cfg := config.Default()
	if path := getEnv("AGENTFLOW_CONFIG", ""); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
		cfg = loaded
	}
	cfg.ApplyEnvOverrides()

	platform, err := BuildPlatform(cfg)
	if err != nil {
		log.Fatalf("Failed to build platform: %v", err)
	}

	platform.Orchestrator.Start(context.Background())

	port := cfg.Spec.Server.Port
	if port == "" {
		port = config.DefaultPort
	}
	log.Fatal(platform.Server.Run(port))
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
