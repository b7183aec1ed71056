package registration

import (
	"sync"

	"github.com/tjfontaine/polyglot-pipeline/internal/channel"
	"github.com/tjfontaine/polyglot-pipeline/internal/channel/amqp"
	"github.com/tjfontaine/polyglot-pipeline/internal/channel/kafka"
	"github.com/tjfontaine/polyglot-pipeline/internal/channel/nats"
	"github.com/tjfontaine/polyglot-pipeline/internal/channel/redis"
	"github.com/tjfontaine/polyglot-pipeline/internal/channel/webhook"
	"github.com/tjfontaine/polyglot-pipeline/internal/channel/websocket"
	"github.com/tjfontaine/polyglot-pipeline/internal/filter"
)

var once sync.Once

// RegisterBuiltins registers the built-in filter and channel factories.
// This replaces init-based side effects and is intended to be called from
// cmd/gateway and tests before building pipelines. Repeated calls are no-ops.
func RegisterBuiltins() {
	once.Do(func() {
		RegisterFilterBuiltins()
		RegisterChannelBuiltins()
	})
}

// RegisterFilterBuiltins registers built-in filters only.
func RegisterFilterBuiltins() {
	filter.RegisterFactories()
}

// RegisterChannelBuiltins registers built-in channels only.
func RegisterChannelBuiltins() {
	channel.RegisterFactory()
	webhook.RegisterFactory()
	nats.RegisterFactory()
	kafka.RegisterFactory()
	amqp.RegisterFactory()
	redis.RegisterFactory()
	websocket.RegisterFactory()
}
