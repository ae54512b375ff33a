// ABOUTME: Orchestrator wiring: constructs every component and runs the servers.
// ABOUTME: Owns startup, default agent bootstrap, and graceful shutdown.

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/martingrgv/Strategic-RPA/internal/agent"
	"github.com/martingrgv/Strategic-RPA/internal/config"
	"github.com/martingrgv/Strategic-RPA/internal/dedupe"
	"github.com/martingrgv/Strategic-RPA/internal/health"
	"github.com/martingrgv/Strategic-RPA/internal/job"
	"github.com/martingrgv/Strategic-RPA/internal/scheduler"
	"github.com/martingrgv/Strategic-RPA/internal/session"
	"github.com/martingrgv/Strategic-RPA/internal/template"
	"github.com/martingrgv/Strategic-RPA/internal/transport"
)

// callbackDedupeTTL is how long acknowledged terminal callbacks are
// remembered for duplicate suppression.
const callbackDedupeTTL = 10 * time.Minute

// callbackDedupeSize bounds the callback dedupe cache.
const callbackDedupeSize = 4096

// shutdownGrace bounds how long shutdown waits for background tasks.
const shutdownGrace = 10 * time.Second

// Orchestrator owns the complete dispatch platform: job store and queue,
// agent pool, session manager, scheduler, health monitor and the ingress
// HTTP surface. There is exactly one instance per process; every component
// lives on it and is injected, never reached through globals.
type Orchestrator struct {
	cfg    *config.Config
	logger *slog.Logger

	jobs      *job.Store
	queue     *job.Queue
	pool      *agent.Pool
	sessions  *session.Manager
	templates *template.Engine
	sched     *scheduler.Scheduler
	monitor   *health.Monitor
	sup       *health.Supervisor
	transport transport.Transport
	callbacks *dedupe.Cache
	webhooks  *webhookNotifier

	httpServer *http.Server
	startedAt  time.Time
}

// New wires an orchestrator from its parts. A nil provisioner gets the
// local in-process one; a nil transport gets the HTTP transport.
func New(cfg *config.Config, provisioner session.Provisioner, tr transport.Transport, logger *slog.Logger) *Orchestrator {
	if provisioner == nil {
		provisioner = session.NewLocalProvisioner()
	}
	if tr == nil {
		tr = transport.NewHTTP(transport.Options{
			SendTimeout:     cfg.Scheduler.SendTimeout,
			CircuitFailures: cfg.Transport.CircuitFailures,
			CircuitCooldown: cfg.Transport.CircuitCooldown,
		}, logger)
	}

	o := &Orchestrator{
		cfg:       cfg,
		logger:    logger,
		jobs:      job.NewStore(logger),
		queue:     job.NewQueue(),
		sessions:  session.NewManager(provisioner, cfg.RDP.BasePort, logger),
		templates: template.NewEngine(logger),
		transport: tr,
		callbacks: dedupe.New(callbackDedupeTTL, callbackDedupeSize),
		webhooks:  newWebhookNotifier(logger),
		startedAt: time.Now().UTC(),
	}

	o.pool = agent.NewPool(o.sessions, logger)
	o.pool.SetRecycleThreshold(cfg.Agent.RecycleAfterJobs)

	o.sup = health.NewSupervisor(context.Background(), logger)

	o.sched = scheduler.New(o.jobs, o.queue, o.pool, o.sessions, o.transport, cfg.Scheduler.Tick, logger)
	o.sched.SetSpawnFunc(o.sup.Go)
	o.sched.SetNotifyFunc(o.notifyTerminal)

	o.pool.SetRecycleFunc(func(agentID string) {
		o.sup.Go("recycle-"+agentID, func(ctx context.Context) {
			if err := o.pool.Recycle(ctx, agentID); err != nil {
				o.logger.Warn("deferred recycle failed", "agent_id", agentID, "error", err)
			}
		})
	})

	o.monitor = health.NewMonitor(health.Config{
		HeartbeatTimeout:  cfg.Agent.HeartbeatTimeout,
		InactivityTimeout: cfg.Session.InactivityTimeout,
		SessionMaxJobs:    cfg.Session.MaxJobs,
		JobTimeout:        cfg.Job.Timeout,
		MaxHistory:        cfg.History.MaxCompleted,
	}, o.jobs, o.pool, o.sessions, o.transport, o.sup, logger)

	template.RegisterBuiltins(o.templates)

	return o
}

// notifyTerminal delivers the webhook for a finished job, if it asked for
// one, on a supervised task.
func (o *Orchestrator) notifyTerminal(j *job.Job) {
	if j.WebhookURL == "" {
		return
	}
	o.sup.Go("webhook-"+j.ID, func(ctx context.Context) {
		o.webhooks.Notify(ctx, j)
	})
}

// Run starts the scheduler, health monitor and HTTP server, bootstraps the
// default agents, and blocks until ctx is cancelled. Shutdown drains
// in-flight ticks and awaits every background task.
func (o *Orchestrator) Run(ctx context.Context) error {
	if err := o.monitor.Start(); err != nil {
		return fmt.Errorf("starting health monitor: %w", err)
	}

	o.sup.Go("scheduler", func(ctx context.Context) {
		_ = o.sched.Run(ctx)
	})

	o.bootstrapDefaultAgents(ctx)

	o.httpServer = &http.Server{
		Addr:    o.cfg.Server.HTTPAddr,
		Handler: o.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		o.logger.Info("http server listening", "addr", o.cfg.Server.HTTPAddr)
		if err := o.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		o.shutdown()
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		o.logger.Info("shutdown requested")
		o.shutdown()
		return nil
	}
}

// shutdown stops intake, halts the sweeps and awaits background tasks.
func (o *Orchestrator) shutdown() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if o.httpServer != nil {
		if err := o.httpServer.Shutdown(shutdownCtx); err != nil {
			o.logger.Warn("http shutdown failed", "error", err)
		}
	}
	o.monitor.Stop()
	o.sup.Shutdown(shutdownGrace)
	o.callbacks.Close()
	o.logger.Info("orchestrator stopped")
}

// bootstrapDefaultAgents registers the configured number of agents at
// startup so a fresh orchestrator can take work immediately. Failures are
// logged; the server still comes up.
func (o *Orchestrator) bootstrapDefaultAgents(ctx context.Context) {
	for i := 1; i <= o.cfg.Agent.DefaultCount; i++ {
		name := fmt.Sprintf("agent-%d", i)
		user := fmt.Sprintf("rpauser%d", i)
		if _, err := o.RegisterAgent(ctx, name, user, agent.Capabilities{}); err != nil {
			o.logger.Warn("default agent bootstrap failed", "name", name, "error", err)
		}
	}
}

// RegisterAgent creates an isolated session for the host user, registers
// the agent bound to it and starts it in the background. The returned
// snapshot is in Starting state; the agent reaches Idle asynchronously.
func (o *Orchestrator) RegisterAgent(ctx context.Context, name, hostUser string, caps agent.Capabilities) (*agent.Agent, error) {
	s, err := o.sessions.Create(ctx, hostUser)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	a := &agent.Agent{
		ID:           uuid.New().String(),
		Name:         name,
		SessionID:    s.ID,
		HostUser:     hostUser,
		Capabilities: caps,
		Status:       agent.StatusStarting,
		EndpointURL:  fmt.Sprintf("http://localhost:%d", s.Port),
	}
	if err := o.pool.Register(a); err != nil {
		// Roll the session back; nothing references it.
		if terr := o.sessions.Terminate(ctx, s.ID); terr != nil {
			o.logger.Warn("session rollback failed", "session_id", s.ID, "error", terr)
		}
		return nil, err
	}

	agentID := a.ID
	o.sup.Go("agent-start-"+agentID, func(ctx context.Context) {
		// The provisioner already launched the agent process inside the
		// session; flipping to Idle makes it eligible for placement.
		if err := o.pool.MarkReady(agentID); err != nil {
			o.logger.Warn("agent start failed", "agent_id", agentID, "error", err)
			return
		}
		o.sched.Wake()
	})

	return a.Clone(), nil
}

// UnregisterAgent removes the agent and terminates its session.
func (o *Orchestrator) UnregisterAgent(ctx context.Context, agentID string) error {
	sessionID, err := o.pool.Unregister(agentID)
	if err != nil {
		return err
	}
	return o.sessions.Terminate(ctx, sessionID)
}

// CreateJob stores and enqueues a job built from an already-validated
// spec. Returns the stored snapshot.
func (o *Orchestrator) CreateJob(j *job.Job) (*job.Job, error) {
	o.jobs.Put(j)
	if err := o.sched.Enqueue(j.ID); err != nil {
		return nil, err
	}
	return o.jobs.Get(j.ID)
}

// HasCapacity reports whether any idle agent could take a job for the
// given application right now. Used to pick 201 vs 202 on submission.
func (o *Orchestrator) HasCapacity(applicationPath string) bool {
	_, err := o.pool.Pick(applicationPath)
	return err == nil
}

// Components exposed for the API layer and tests.

// Jobs returns the job store.
func (o *Orchestrator) Jobs() *job.Store { return o.jobs }

// Queue returns the priority queue.
func (o *Orchestrator) Queue() *job.Queue { return o.queue }

// Pool returns the agent pool.
func (o *Orchestrator) Pool() *agent.Pool { return o.pool }

// Sessions returns the session manager.
func (o *Orchestrator) Sessions() *session.Manager { return o.sessions }

// Templates returns the template engine.
func (o *Orchestrator) Templates() *template.Engine { return o.templates }

// Scheduler returns the dispatch scheduler.
func (o *Orchestrator) Scheduler() *scheduler.Scheduler { return o.sched }

// Monitor returns the health monitor.
func (o *Orchestrator) Monitor() *health.Monitor { return o.monitor }
