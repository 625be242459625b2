package agents

import (
	"context"
	"fmt"

	"github.com/ExtendOSS/serverless-agent-pattern/pkg/config"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/dispatch"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/llm"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/memory"
	"github.com/ExtendOSS/serverless-agent-pattern/pkg/protocol"
)

// definition is the built-in description and instructions of one agent.
type definition struct {
	description  string
	instructions string
}

var builtin = map[protocol.AgentName]definition{
	protocol.SupervisorAgent: {
		description:  "Routes questions to the specialists and combines their findings.",
		instructions: "You coordinate cloud operations specialists. Combine their findings into one concise answer. Say which specialist a fact came from when it matters, and say so when a specialist was unavailable.",
	},
	protocol.ComputeAgent: {
		description:  "Functions, containers and instances.",
		instructions: "You answer questions about compute resources: functions, containers and virtual machines. Be precise about names, states and regions.",
	},
	protocol.StorageAgent: {
		description:  "Buckets, objects and tables.",
		instructions: "You answer questions about storage resources: buckets, objects and tables. Be precise about names, sizes and access settings.",
	},
	protocol.PipelineAgent: {
		description:  "Build and deployment pipelines.",
		instructions: "You answer questions about build and deployment pipelines: their stages, recent executions and failures.",
	},
	protocol.LogsAgent: {
		description:  "Log groups, streams and recent events.",
		instructions: "You answer questions about logs: log groups, streams and recent error events. Quote log lines exactly.",
	},
}

// Describe returns the description of every agent, keyed by name.
func Describe(cfg *config.Config) map[protocol.AgentName]string {
	out := make(map[protocol.AgentName]string, len(builtin))
	for _, name := range protocol.Agents() {
		out[name] = resolve(cfg, name).description
	}
	return out
}

func resolve(cfg *config.Config, name protocol.AgentName) definition {
	s := builtin[name]
	if cfg == nil {
		return s
	}
	if o, ok := cfg.Agents[string(name)]; ok {
		if o.Instructions != "" {
			s.instructions = o.Instructions
		}
		if o.Description != "" {
			s.description = o.Description
		}
	}
	return s
}

// Catalog builds one target per enumerated agent. The supervisor coordinates
// the others.
func Catalog(cfg *config.Config, model llm.Model, store memory.Store) map[protocol.AgentName]dispatch.Target {
	limit := DefaultHistoryLimit
	if cfg != nil && cfg.Memory.HistoryLimit > 0 {
		limit = cfg.Memory.HistoryLimit
	}

	build := func(name protocol.AgentName) *Agent {
		s := resolve(cfg, name)
		return New(name, s.instructions, model, store, WithHistoryLimit(limit), WithDescription(s.description))
	}

	targets := make(map[protocol.AgentName]dispatch.Target, len(builtin))
	var members []*Agent
	for _, name := range protocol.Agents() {
		if name == protocol.SupervisorAgent {
			continue
		}
		a := build(name)
		members = append(members, a)
		targets[name] = a
	}
	targets[protocol.SupervisorAgent] = NewCoordinator(build(protocol.SupervisorAgent), members, 0)
	return targets
}

// OpenStore creates the memory store selected by cfg.
func OpenStore(cfg config.MemoryConfig) (memory.Store, error) {
	switch cfg.Backend {
	case config.MemoryRedis:
		return memory.NewRedisStore(memory.RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Prefix:   cfg.Prefix,
			TTL:      cfg.TTL,
			MaxTurns: cfg.MaxTurns,
		})
	case config.MemoryInMemory, "":
		return memory.NewInMemoryStore(cfg.MaxTurns), nil
	}
	return nil, fmt.Errorf("unsupported memory backend: %s", cfg.Backend)
}

// Build creates the model, the store and the directory. The store is
// returned so the caller can health-check and close it.
func Build(ctx context.Context, cfg *config.Config) (*dispatch.Directory, memory.Store, error) {
	model, err := llm.New(ctx, cfg.Model)
	if err != nil {
		return nil, nil, fmt.Errorf("model: %w", err)
	}
	store, err := OpenStore(cfg.Memory)
	if err != nil {
		return nil, nil, fmt.Errorf("memory: %w", err)
	}
	dir, err := dispatch.NewDirectory(Catalog(cfg, model, store))
	if err != nil {
		_ = store.Close()
		return nil, nil, err
	}
	return dir, store, nil
}
