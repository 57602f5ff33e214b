// meshagent is the agent process the supervisor forks: one model-backed
// reasoning loop behind a peer-transport endpoint and a control socket.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"agentmesh/pkg/descriptor"
	"agentmesh/pkg/logx"
	"agentmesh/pkg/metrics"
	"agentmesh/pkg/providers"
	"agentmesh/pkg/runtime"
)

func main() {
	var (
		name       = flag.String("name", "", "agent name (filesystem-safe, unique)")
		peerPort   = flag.Int("peer-port", 0, "peer-transport port")
		provider   = flag.String("provider", "", "model provider: anthropic, openai, google, ollama")
		model      = flag.String("model", "", "model identifier")
		role       = flag.String("role", "", "role text (seed instruction)")
		runtimeDir = flag.String("runtime-dir", "", "directory for control sockets and logs (default: per-user temp dir)")
		toolsJSON  = flag.String("tools", "", "external tool endpoints as a JSON array")
	)
	flag.Parse()

	if err := run(*name, *peerPort, *provider, *model, *role, *runtimeDir, *toolsJSON); err != nil {
		fmt.Fprintf(os.Stderr, "meshagent: %v\n", err)
		os.Exit(1)
	}
}

func run(name string, peerPort int, provider, model, role, runtimeDir, toolsJSON string) error {
	desc := descriptor.Descriptor{
		Name:     name,
		Provider: provider,
		Model:    model,
		Role:     role,
		PeerPort: peerPort,
	}
	if toolsJSON != "" {
		if err := json.Unmarshal([]byte(toolsJSON), &desc.ToolEndpoints); err != nil {
			return fmt.Errorf("parse -tools: %w", err)
		}
	}
	if err := desc.Validate(); err != nil {
		return err
	}

	logger := logx.NewLogger(desc.Name)
	recorder := metrics.NewPrometheusRecorder()

	client, err := providers.New(desc.Provider, desc.Model, desc.Name, recorder, logger)
	if err != nil {
		return err
	}

	rt, err := runtime.New(runtime.Options{
		Descriptor: desc,
		RuntimeDir: runtimeDir,
		Client:     client,
		Recorder:   recorder,
		Prometheus: recorder,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// A terminate signal triggers the same graceful path as the shutdown
	// control command; the supervisor's escalation relies on this.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigCh
		logger.Info("terminate signal received")
		rt.Shutdown(context.Background())
	}()

	return rt.Run(context.Background())
}
