// Command gatewayd runs the device simulator & protocol gateway: it loads
// a channel/point/mapping configuration, brings up one DeviceRuntime per
// channel, and serves until interrupted.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/emsgateway/simulator/internal/config"
	"github.com/emsgateway/simulator/internal/controller"
	"github.com/emsgateway/simulator/internal/logging"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "gatewayd.yaml", "Path to the YAML configuration file.")
	meterDevice := pflag.StringP("meter-device", "m", "", "Device name the PCS-to-meter sync loop writes summed power into; empty disables it.")
	help := pflag.BoolP("help", "h", false, "Display help text.")
	pflag.Parse()

	if *help {
		pflag.Usage()
		return
	}

	root, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("gatewayd: %v", err)
	}

	baseLog, err := logging.New(logging.Config{Level: root.Logging.Level, Development: root.Logging.Development})
	if err != nil {
		log.Fatalf("gatewayd: logger: %v", err)
	}
	defer baseLog.Sync()
	sugar := baseLog.Sugar()

	mem := config.ToRepository(root)
	ctl := controller.New(baseLog, *meterDevice)

	if err := ctl.LoadChannels(mem.Channels(), mem.Points()); err != nil {
		sugar.Fatalw("load channels", "error", err)
	}
	if err := ctl.ReloadMappings(mem.Mappings()); err != nil {
		sugar.Fatalw("load mappings", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := ctl.StartAll(ctx); err != nil {
		sugar.Fatalw("start devices", "error", err)
	}
	sugar.Infow("gatewayd started", "devices", ctl.Names())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	sugar.Infow("shutting down")
	cancel()
	if err := ctl.StopAll(); err != nil {
		sugar.Errorw("stop devices", "error", err)
	}
}
