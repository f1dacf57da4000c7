package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"fluentsched/internal/app"
	logx "fluentsched/pkg/logx"
)

const statusEvery = 30 * time.Second

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./schedd.yaml", "path to config yaml/json")
	flag.Parse()

	boot := logx.NewConsole("info").Named("main")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		boot.Error("fatal", logx.Err(err))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		boot.Error("fatal start", logx.Err(err))
		os.Exit(1)
	}
	notify(boot, daemon.SdNotifyReady)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-a.Done():
			if ctx.Err() == nil {
				boot.Error("app stopped unexpectedly", logx.Err(a.Err()))
			}
			break loop
		case <-hup:
			notify(boot, daemon.SdNotifyReloading)
			if err := a.Reload(ctx); err != nil {
				boot.Warn("reload failed", logx.Err(err))
			}
			notify(boot, daemon.SdNotifyReady)
		case <-ticker.C:
			notify(boot, "STATUS="+a.Status())
		}
	}

	notify(boot, daemon.SdNotifyStopping)
	// The drain timeout is enforced inside Stop; this only bounds the rest.
	stopCtx, stopCancel := context.WithTimeout(context.Background(), a.DrainTimeout()+5*time.Second)
	defer stopCancel()
	if err := a.Stop(stopCtx); err != nil {
		boot.Warn("stop", logx.Err(err))
	}
	if err := a.Err(); err != nil {
		os.Exit(1)
	}
}

// notify is a no-op outside systemd.
func notify(log logx.Logger, state string) {
	if _, err := daemon.SdNotify(false, state); err != nil {
		log.Debug("sd_notify failed", logx.String("state", state), logx.Err(err))
	}
}
