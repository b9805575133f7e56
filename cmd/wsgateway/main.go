// wsgateway serves the core's JSON-RPC surface over a websocket instead of
// the in-process path cmd/cli uses, for browser-based front ends that
// cannot hold a Go reference to the Processor.
//
// Usage:
//
//	wsgateway -addr :8787
package main

import (
	"flag"
	"net/http"

	"go.uber.org/zap"

	"github.com/codexdrive/core/internal/approval"
	"github.com/codexdrive/core/internal/conversation"
	"github.com/codexdrive/core/internal/rpcserver"
)

func main() {
	addr := flag.String("addr", ":8787", "listen address")
	path := flag.String("path", "/ws", "websocket endpoint path")
	flag.Parse()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)

	hub := rpcserver.NewHub()
	convs := conversation.NewManager()
	broker := approval.NewBroker(hub)
	processor := rpcserver.NewProcessor(convs, broker)
	ws := rpcserver.NewWSServer(processor, hub)

	mux := http.NewServeMux()
	mux.Handle(*path, ws)

	logger.Info("wsgateway listening", zap.String("addr", *addr), zap.String("path", *path))
	if err := http.ListenAndServe(*addr, mux); err != nil {
		logger.Fatal("wsgateway exited", zap.Error(err))
	}
}
