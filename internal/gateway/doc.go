// Package gateway wires the orchestrator together and serves its API.
//
// # Overview
//
// The Orchestrator is the single composition root: it constructs the job
// store and queue, agent pool, session manager, template engine,
// scheduler, health monitor and transport, injects them into each other,
// and runs the ingress HTTP server. Nothing in the system is a global;
// tests build an Orchestrator per scenario.
//
// # Ingress surface
//
//	POST   /jobs                    submit a job spec
//	GET    /jobs                    list jobs (status filter, paging)
//	GET    /jobs/{id}               fetch one job
//	POST   /jobs/{id}/cancel        cancel a job
//	PATCH  /jobs/{id}/status        agent completion callback
//	GET    /templates               list templates
//	GET    /templates/{id}          fetch one template
//	POST   /templates/{id}/execute  expand and submit
//	POST   /agents                  register an agent (creates its session)
//	GET    /agents                  list agents
//	POST   /agents/{id}/heartbeat   agent liveness
//	DELETE /agents/{id}             unregister (terminates the session)
//	GET    /health, /health/ready   liveness and readiness
//
// Failures always take the shape {success:false, errorMessage, errors[]}.
package gateway
