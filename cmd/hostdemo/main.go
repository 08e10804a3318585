// Package main is a minimal stand-in for the GOX orchestrator: it loads a
// module host and drives either one fake module or a configured pool of
// modules through their full lifecycle against a toy broker reactor loop,
// printing the resulting transcript. Unlike a real broker it has no
// network listener; it exists only to exercise internal/module end to end.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/tenzoki/gobroker/internal/config"
	"github.com/tenzoki/gobroker/internal/envelope"
	"github.com/tenzoki/gobroker/internal/faketest"
	"github.com/tenzoki/gobroker/internal/lifecycle"
	"github.com/tenzoki/gobroker/internal/loader"
	"github.com/tenzoki/gobroker/internal/logging"
	"github.com/tenzoki/gobroker/internal/module"
)

func main() {
	var cfg *config.HostConfig
	if len(os.Args) >= 2 {
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.Fatalf("failed to load config from %s: %v", os.Args[1], err)
		}
		cfg = loaded
	} else {
		cfg = getDefaultConfig()
	}

	logging.Init(logging.Config{Level: logging.InfoLevel})
	log.Printf("hostdemo starting: %s", cfg.AppName)

	if len(cfg.PoolFiles) > 0 {
		runPoolDemo(cfg)
		return
	}
	runSingleModuleDemo(cfg)
}

// runSingleModuleDemo is the zero-config path: one in-memory fake module,
// no pool.yaml required, used when the caller supplies no config file or a
// config file with no pool entries.
func runSingleModuleDemo(cfg *config.HostConfig) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ld := faketest.NewLoader()
	ld.Register("./mod_echo.so", faketest.NewArtifact(faketest.EchoEntryPoint()))

	host := module.NewHost(ld, cfg, "broker-demo")

	rec, err := host.Create("", "./mod_echo.so", 0, nil, nil)
	if err != nil {
		log.Fatalf("Create: %v", err)
	}
	log.Printf("loaded module %s (uuid=%s), status=%s", rec.Name(), rec.UUID(), rec.Status())

	if err := setupStatusLogging(host, rec); err != nil {
		log.Fatalf("SetStatusCB: %v", err)
	}

	if err := host.Start(rec); err != nil {
		log.Fatalf("Start: %v", err)
	}

	reactorDone := make(chan struct{})
	go runReactorLoop(ctx, host, rec, reactorDone)

	waitForShutdown(cancel, reactorDone)

	host.Destroy(rec)
	log.Printf("module destroyed, final status=%s, errnum=%d", rec.Status(), rec.Errnum())
}

// runPoolDemo is the pool-driven boot path: cfg.PoolFiles names one or
// more YAML documents listing modules to create and start, in rank
// order, instead of a hand-written Create/Start call per module. Pool
// artifacts are real plugin paths, so this path uses the production
// loader.PluginLoader rather than faketest.
func runPoolDemo(cfg *config.HostConfig) {
	pool, err := cfg.LoadPool()
	if err != nil {
		log.Fatalf("LoadPool: %v", err)
	}

	host := module.NewHost(loader.PluginLoader{}, cfg, "broker-demo")

	created, err := host.CreatePool(pool)
	if err != nil {
		log.Printf("CreatePool: %v (booted %d of %d)", err, len(created), len(pool.Modules))
	}
	if len(created) == 0 {
		log.Fatalf("no modules started from pool")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for _, rec := range created {
		if err := setupStatusLogging(host, rec); err != nil {
			log.Printf("SetStatusCB(%s): %v", rec.Name(), err)
		}

		reactorDone := make(chan struct{})
		go runReactorLoop(ctx, host, rec, reactorDone)

		wg.Add(1)
		go func(rec *module.Record, done chan struct{}) {
			defer wg.Done()
			waitForShutdown(cancel, done)
			host.Destroy(rec)
			log.Printf("module %s destroyed, final status=%s, errnum=%d", rec.Name(), rec.Status(), rec.Errnum())
		}(rec, reactorDone)
	}
	wg.Wait()
}

// waitForShutdown blocks until the reactor observes EXITED on its own, a
// SIGINT/SIGTERM arrives, or a bounded timeout elapses, cancelling ctx and
// waiting for the reactor loop to settle in the latter two cases.
func waitForShutdown(cancel context.CancelFunc, reactorDone chan struct{}) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case <-reactorDone:
		log.Printf("module reached EXITED on its own")
	case sig := <-sigChan:
		log.Printf("received signal %s, cancelling module", sig)
		cancel()
		<-reactorDone
	case <-time.After(5 * time.Second):
		log.Printf("timed out waiting for module to finish, cancelling")
		cancel()
		<-reactorDone
	}
}

// setupStatusLogging wires a status callback that logs every lifecycle
// transition the demo module makes.
func setupStatusLogging(host *module.Host, rec *module.Record) error {
	return host.SetStatusCB(rec, func(prev, cur lifecycle.State) {
		log.Printf("module %s: %s -> %s", rec.Name(), prev, cur)
	})
}

// runReactorLoop is a toy stand-in for the broker's own reactor: it pulls
// every message the module sends, acknowledges the synchronous FINALIZING
// status report, and stops once EXITED is observed.
func runReactorLoop(ctx context.Context, host *module.Host, rec *module.Record, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
		default:
		}

		msg, ok, err := host.Receive(rec)
		if err != nil {
			log.Printf("receive error: %v", err)
			return
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Millisecond):
			}
			continue
		}

		if msg.Topic != "broker.module-status" {
			continue
		}
		var payload struct {
			Status int `json:"status"`
			Errnum int `json:"errnum,omitempty"`
		}
		_ = msg.UnmarshalPayload(&payload)

		// Only the FINALIZING report is sent synchronously; the later
		// EXITED report also carries an empty CorrelationID but has no
		// pending SendSync slot waiting on it, so gate the ack on the
		// status value rather than on CorrelationID alone.
		if payload.Status == statusCodeFinalizing {
			if ack, err := msg.Reply(nil); err == nil {
				_ = rec.Channel().AckSync(ack)
			}
		}
		if payload.Status == statusCodeExited {
			return
		}
	}
}

const (
	statusCodeFinalizing = 2
	statusCodeExited     = 3
)

func getDefaultConfig() *config.HostConfig {
	return &config.HostConfig{
		AppName: "hostdemo-default",
		Debug:   true,
		Channel: config.ChannelConfig{
			ToModuleCapacity:         32,
			CloseLingerSeconds:       3,
			FinalizingTimeoutSeconds: 5,
		},
		ProcessUserID:   "broker",
		ProcessRoleMask: envelope.RoleOwner | envelope.RoleLocal,
	}
}
