// Command maxscaled is the query-router process: it loads configuration,
// brings up the metrics and admin HTTP surfaces, and accepts client
// connections on the configured MariaDB-protocol listener.
//
// Grounded on the teacher's cmd/tqdbproxy/main.go: flag parsing, a
// metrics goroutine started before the proxy, and a signal channel for
// graceful shutdown logging.
package main

import (
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mariadb-corporation/MaxScale-sub030/internal/admin"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/config"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/frontend"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/metrics"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/policy"
	"github.com/mariadb-corporation/MaxScale-sub030/internal/router"
)

func main() {
	configPath := flag.String("config", "config.ini", "path to the router's ini configuration file")
	policyPath := flag.String("policy", "", "path to the slave-selection policy YAML file (round_robin if unset)")
	metricsAddr := flag.String("metrics", ":9090", "metrics endpoint address")
	adminAddr := flag.String("admin", ":8090", "administrative REST endpoint address")
	flag.Parse()

	snap, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	metrics.Init()
	go func() {
		http.Handle("/metrics", metrics.Handler())
		log.Printf("metrics endpoint at http://localhost%s/metrics", *metricsAddr)
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Printf("metrics server error: %v", err)
		}
	}()

	pol := loadPolicy(*policyPath)
	pool := router.NewPool(snap.Backends, pol.NewSelector())
	log.Printf("backend pool: %d members, master=%s", len(snap.Backends), pool.MasterName())

	reg := router.NewRegistry()

	adminSrv := admin.NewServer(reg, pool)
	if err := adminSrv.Start(*adminAddr); err != nil {
		log.Fatalf("failed to start admin server: %v", err)
	}
	defer adminSrv.Stop()

	listener := frontend.NewListener(pool, reg, snap)
	if err := listener.Serve(snap.Listen, snap.Socket); err != nil {
		log.Fatalf("failed to start frontend listener: %v", err)
	}

	watcher, err := config.NewWatcher(*configPath, func(fresh *config.Snapshot) {
		pool.Reconfigure(fresh.Backends)
		log.Printf("configuration reloaded: %d backends, master=%s", len(fresh.Backends), pool.MasterName())
	})
	if err != nil {
		log.Printf("config hot-reload disabled: %v", err)
	} else {
		defer watcher.Stop()
	}

	log.Println("maxscaled started, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("shutting down")
}

func loadPolicy(path string) *policy.Policy {
	if path == "" {
		return &policy.Policy{Algorithm: policy.RoundRobin}
	}
	pol, err := policy.Load(path)
	if err != nil {
		log.Printf("failed to load policy %s, falling back to round_robin: %v", path, err)
		return &policy.Policy{Algorithm: policy.RoundRobin}
	}
	return pol
}
