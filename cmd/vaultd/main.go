package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ordvault/vaultd/internal/config"
	"github.com/ordvault/vaultd/internal/interface/web"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:   "vaultd",
		Usage:  "ordinals vault custody and fractionalization coordinator",
		Flags:  config.Flags,
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.LoadConfig(c)
	if err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}

	log.SetLevel(log.Level(cfg.LogLevel))

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %s", err)
	}
	log.Infof("vaultd config: %s", cfg)

	appSvc, err := cfg.AppService()
	if err != nil {
		return fmt.Errorf("failed to create app service: %s", err)
	}

	log.Info("starting service...")
	if err := appSvc.Start(); err != nil {
		return fmt.Errorf("failed to start app service: %s", err)
	}

	webSvc := web.NewService(appSvc, fmt.Sprintf(":%d", cfg.Port))
	if err := webSvc.Start(); err != nil {
		appSvc.Stop()
		return fmt.Errorf("failed to start web service: %s", err)
	}
	log.Infof("vaultd listens on: %d", cfg.Port)

	log.RegisterExitHandler(func() {
		webSvc.Stop()
		appSvc.Stop()
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(
		sigChan, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP, os.Interrupt,
	)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
	return nil
}
