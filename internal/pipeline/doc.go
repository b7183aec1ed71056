// Package pipeline provides the pipeline execution engine.
//
// A pipeline converts a raw request into a raw response:
//
//	raw request -> input adapter -> filters -> channels -> output adapter -> raw response
//
// # Gating
//
// Every filter and channel declares the status it runs under: Normal, Fault
// or Any. A filter runs when its status is Any or equals the status of the
// operation context at the moment it is reached. Filters may move the
// context into Fault; later filters declared for Normal are then skipped and
// filters declared for Fault become eligible. The pipeline never moves a
// context back to Normal.
//
// # Errors
//
// A filter returning a *domain.PipelineError that is not fatal raises a
// filter-error event and the sequence continues. Any other error halts the
// execution: the output adapter builds a fault response and a
// pipeline.failed event is raised. Otherwise pipeline.completed is raised.
// Exactly one of the two is raised per execution.
//
// Channel errors are forwarded as channel events. Under the default
// ChannelErrorIgnore policy they do not affect the response.
//
// # Configuration
//
// FromConfig builds a pipeline from configuration using the
// filter and channel factories registered in internal/registry:
//
//	pipelines:
//	  - name: orders
//	    path: /orders
//	    filters:
//	      - type: validate
//	        config: { methods: [POST], content_types: [application/json] }
//	      - type: webhook
//	        config: { url: https://policy.internal/check, on_error: deny }
//	    channels:
//	      - type: nats
//	        config: { url: nats://localhost:4222, subject: orders.created }
package pipeline
