// Command agentd runs one agent process: it connects to NATS, registers
// in the fleet, subscribes on both the name-keyed and reference-keyed
// grammars, and serves telemetry until signalled to stop.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/agentfleet/relay/agent"
	"github.com/agentfleet/relay/bus"
	"github.com/agentfleet/relay/config"
	"github.com/agentfleet/relay/fleet"
	"github.com/agentfleet/relay/logging"
	"github.com/agentfleet/relay/metrics"
	"github.com/agentfleet/relay/shutdown"
	"github.com/agentfleet/relay/subject"
)

func main() {
	configPath := flag.String("config", config.DefaultPath, "path to agent.toml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	ref, err := cfg.Reference()
	if err != nil {
		return err
	}

	log := logging.New().WithComponent("agentd").WithAgent(ref.ID().String())
	log.Info("starting", map[string]interface{}{
		"agent":           ref.ToHeaderValue(),
		"wave":            cfg.Agent.Wave,
		"unified_enabled": cfg.Migration.UnifiedEnabled,
	})

	busCfg := bus.DefaultNATSConfig()
	busCfg.URL = cfg.NATS.URL
	busCfg.Name = ref.ID().String()
	busCfg.Token = cfg.NATS.Token
	busCfg.User = cfg.NATS.User
	busCfg.Password = cfg.NATS.Password
	if cfg.NATS.ReconnectWait.Duration > 0 {
		busCfg.ReconnectWait = cfg.NATS.ReconnectWait.Duration
	}
	if cfg.NATS.ConnectTimeout.Duration > 0 {
		busCfg.ConnectTimeout = cfg.NATS.ConnectTimeout.Duration
	}
	mb, err := bus.NewNATSBus(busCfg)
	if err != nil {
		return err
	}

	exporter, meter, err := metrics.NewExporter("agentd", cfg.Metrics.Port)
	if err != nil {
		return err
	}
	inst, err := metrics.NewInstruments(meter)
	if err != nil {
		return err
	}
	collector := metrics.NewCollector().WithInstruments(inst)

	runtime, err := agent.New(agent.Config{
		Ref:            ref,
		Bus:            mb,
		Handler:        ackHandler(log),
		UnifiedEnabled: cfg.Migration.UnifiedEnabled,
		Collector:      collector,
		Retry: agent.RetryConfig{
			MaxAttempts:    cfg.Retry.MaxAttempts,
			InitialBackoff: cfg.Retry.InitialBackoff.Duration,
			MaxBackoff:     cfg.Retry.MaxBackoff.Duration,
		},
		Dedup: agent.DedupConfig{
			TTL:        cfg.Dedup.TTL.Duration,
			MaxEntries: cfg.Dedup.MaxEntries,
		},
	})
	if err != nil {
		return err
	}

	emitter, err := metrics.NewEmitter(metrics.EmitterConfig{
		Bus:       mb,
		Collector: collector,
		AgentID:   ref.ID(),
		Interval:  cfg.Metrics.EmitInterval.Duration,
	})
	if err != nil {
		return err
	}

	registry, err := fleet.NewNATSRegistry(mb.Conn(), fleet.NATSRegistryConfig{
		BucketName: cfg.Fleet.Bucket,
		TTL:        cfg.Fleet.TTL.Duration,
	})
	if err != nil {
		return err
	}

	ctx := context.Background()
	if err := runtime.Start(ctx); err != nil {
		return err
	}
	if err := emitter.Start(ctx); err != nil {
		runtime.Stop()
		return err
	}
	go func() {
		if err := exporter.Serve(); err != nil {
			log.Error("metrics exporter stopped", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	entry := fleet.AgentEntry{
		Ref:            ref,
		Wave:           cfg.Agent.Wave,
		UnifiedEnabled: cfg.Migration.UnifiedEnabled,
		Status:         fleet.StatusRunning,
	}
	if err := registry.Register(entry); err != nil {
		emitter.Stop()
		runtime.Stop()
		return err
	}
	go refreshRegistration(registry, entry, cfg.Fleet.TTL.Duration, log)

	coord := shutdown.New(shutdown.DefaultTimeout)
	coord.Register(shutdown.StageIntake, "runtime", func(ctx context.Context) error {
		runtime.Stop()
		return nil
	})
	coord.Register(shutdown.StageTelemetry, "emitter", func(ctx context.Context) error {
		emitter.Stop()
		return nil
	})
	coord.Register(shutdown.StageTelemetry, "exporter", func(ctx context.Context) error {
		return exporter.Shutdown(ctx)
	})
	coord.Register(shutdown.StageFleet, "deregister", func(ctx context.Context) error {
		return registry.Deregister(ref.ID())
	})
	coord.Register(shutdown.StageTransport, "bus", func(ctx context.Context) error {
		return mb.Close()
	})
	coord.NotifySignals()

	log.Info("running", map[string]interface{}{
		"metrics_port": cfg.Metrics.Port,
	})

	<-coord.Done()
	return coord.Err()
}

// ackHandler acknowledges correlated requests and logs everything else.
// Deployments replace this with domain logic via the library API.
func ackHandler(log *logging.Logger) agent.Handler {
	return func(ctx context.Context, in agent.Inbound) ([]byte, error) {
		log.Info("message received", map[string]interface{}{
			"origin":  string(in.Origin),
			"kind":    in.Kind.String(),
			"subject": in.Subject,
		})

		if in.Kind == subject.KindRequest && !in.Conversation.IsZero() {
			ack, err := json.Marshal(map[string]string{
				"status": "accepted",
			})
			if err != nil {
				return nil, err
			}
			return ack, nil
		}
		return nil, nil
	}
}

// refreshRegistration re-puts the fleet entry ahead of the KV TTL so a
// live agent never expires out of the registry.
func refreshRegistration(registry fleet.Registry, entry fleet.AgentEntry, ttl time.Duration, log *logging.Logger) {
	if ttl <= 0 {
		return
	}
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for range ticker.C {
		if err := registry.Register(entry); err != nil {
			log.Warn("registration refresh failed", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}
}
