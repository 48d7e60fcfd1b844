// Command betterflyd runs the chat server. It takes no flags; every
// setting comes from the fixed config filenames in the working
// directory (config.json, database_config.json, cos_config.json,
// push_config.json).
package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"betterfly/internal/adminapi"
	"betterfly/internal/config"
	"betterfly/internal/dispatch"
	"betterfly/internal/fanout"
	"betterfly/internal/lifecycle"
	"betterfly/internal/logging"
	"betterfly/internal/objectstore"
	"betterfly/internal/protocol"
	"betterfly/internal/push"
	"betterfly/internal/queue"
	"betterfly/internal/reactor"
	"betterfly/internal/registry"
	"betterfly/internal/store"
)

const (
	serverConfigPath   = "config.json"
	databaseConfigPath = "database_config.json"
	cosConfigPath      = "cos_config.json"
	pushConfigPath     = "push_config.json"
	adminAddr          = ":9090"
)

func main() {
	logger := logging.New(slog.LevelInfo)
	slog.SetDefault(logger)

	serverCfg, err := config.LoadServer(serverConfigPath)
	if err != nil {
		slog.Error("load server config", "err", err)
		os.Exit(1)
	}
	dbCfg, err := config.LoadDatabase(databaseConfigPath)
	if err != nil {
		slog.Error("load database config", "err", err)
		os.Exit(1)
	}
	cosCfg, err := config.LoadObjectStore(cosConfigPath)
	if err != nil {
		slog.Error("load object store config", "err", err)
		os.Exit(1)
	}
	pushCfg, err := config.LoadPush(pushConfigPath)
	if err != nil {
		slog.Error("load push config", "err", err)
		os.Exit(1)
	}

	st, err := store.Open(dbCfg.DB)
	if err != nil {
		slog.Error("open store", "err", err)
		os.Exit(1)
	}
	defer st.Close()

	reg := registry.New()
	queues := queue.New()
	objs := objectstore.New(objectstore.Config{
		SecretID:  cosCfg.SecretID,
		SecretKey: cosCfg.SecretKey,
		Region:    cosCfg.Region,
		Bucket:    cosCfg.Bucket,
		Endpoint:  cosCfg.Endpoint,
	})

	var pushgw *push.Gateway
	if pushCfg.KeyPath != "" {
		pushgw, err = push.New(push.Config{
			TeamID:   pushCfg.TeamID,
			KeyID:    pushCfg.KeyID,
			BundleID: pushCfg.BundleID,
			KeyPath:  pushCfg.KeyPath,
			Sandbox:  pushCfg.Sandbox,
		})
		if err != nil {
			slog.Error("init push gateway", "err", err)
			os.Exit(1)
		}
	} else {
		slog.Warn("push_config.json has no key_path, push notifications disabled")
	}

	var cipher protocol.Cipher = protocol.Identity

	fan := fanout.New(reg, st, queues, cipher)
	disp := dispatch.New(reg, st, fan, objs, queues, cipher)
	workers := lifecycle.New(reg, st, pushgw, queues, cipher)
	admin := adminapi.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		slog.Info("shutting down")
		cancel()
	}()

	go workers.RunInitialize(ctx)
	go workers.RunDisconnect(ctx)
	go workers.RunPush(ctx)
	go runMetrics(ctx, reg, 30*time.Second)
	go func() {
		if err := admin.Run(ctx, adminAddr); err != nil {
			slog.Error("admin server failed", "err", err)
		}
	}()

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP(serverCfg.IP), Port: serverCfg.Port})
	if err != nil {
		slog.Error("listen", "addr", serverCfg.Addr(), "err", err)
		os.Exit(1)
	}

	r, err := reactor.New(ln, reg, queues, disp)
	if err != nil {
		slog.Error("init reactor", "err", err)
		os.Exit(1)
	}

	slog.Info("betterflyd started", "addr", serverCfg.Addr(), "at", time.Now().Format(time.RFC3339))
	r.Run(ctx)

	slog.Info("stopping")
	r.Close()
	queues.Close()
}

// runMetrics logs the connected-session count every interval until ctx is
// canceled.
func runMetrics(ctx context.Context, reg *registry.Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			slog.Info("metrics", "authenticated", reg.Count(), "staged", len(reg.SnapshotStaged()))
		}
	}
}
