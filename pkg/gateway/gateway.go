// Package gateway provides the public API for embedding the pipeline gateway.
// This is the stable API for external consumers.
package gateway

import (
	"github.com/tjfontaine/polyglot-pipeline/internal/runtime"
)

// Gateway serves configured pipelines over HTTP.
// See internal/runtime.Gateway for full documentation.
type Gateway = runtime.Gateway

// Option is a functional option for configuring a Gateway.
type Option = runtime.Option

// New creates a new Gateway with the given options.
// Example:
//
//	gw, err := gateway.New(
//	    gateway.WithFileConfig("config.yaml"),
//	)
var New = runtime.New

// Configuration options
var (
	// Config sources
	WithFileConfig     = runtime.WithFileConfig
	WithConfigProvider = runtime.WithConfigProvider

	// Storage and events
	WithCacheStore     = runtime.WithCacheStore
	WithEventPublisher = runtime.WithEventPublisher

	// Telemetry
	WithMetricsRegistry = runtime.WithMetricsRegistry
	WithTraceWriter     = runtime.WithTraceWriter

	// Advanced options
	WithLogger   = runtime.WithLogger
	WithListener = runtime.WithListener
)
