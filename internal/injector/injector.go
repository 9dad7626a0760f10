//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package injector

import (
	"github.com/google/wire"

	"github.com/gridsync/gridsync/internal/core/node"
	"github.com/gridsync/gridsync/internal/core/observability/log"
)

func ProvideLogger() *log.Logger {
	wire.Build(log.Provide)
	return log.New(log.LevelInfo)
}

func ProvideNode() *node.Node {
	wire.Build(
		log.Provide,
		wire.Bind(new(log.Log), new(*log.Logger)),
		node.New,
	)
	return nil
}
