// Command knxgwd is a composition-root example wiring the secure session
// store and data-endpoint registry together. It is not the production
// socket loop: the UDP/TCP loops and the control-endpoint
// discovery/connect services live in the surrounding server. It builds no
// Loop: a caller supplies the SessionTransport and a DatagramSource and
// drives Loop.Run itself.
package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/knxip/gwcore"
	"github.com/knxip/gwcore/gwconfig"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to config file")
	flag.Parse()

	log.SetFormatter(&log.TextFormatter{FullTimestamp: true})

	cfg, err := gwconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if lvl, err := log.ParseLevel(cfg.Logs.Level); err == nil {
		log.SetLevel(lvl)
	}

	deviceAuthKey, err := cfg.DeviceAuthKeyBytes()
	if err != nil {
		log.Fatalf("invalid device auth key: %v", err)
	}

	runtimeOpts := gwcore.ApplyOptions(
		gwcore.WithLogger(log.NewEntry(log.StandardLogger())),
		gwcore.WithTunnelingTimeout(cfg.Timeouts.TunnelingAck.Std(), cfg.Timeouts.TunnelingRetries),
		gwcore.WithDeviceMgmtTimeout(cfg.Timeouts.DeviceMgmtAck.Std(), cfg.Timeouts.DeviceMgmtRetries),
		gwcore.WithSessionDormancy(cfg.Session.Dormancy.Std()),
		gwcore.WithSweepInterval(cfg.Session.SweepInterval.Std()),
	)

	channels := gwcore.NewRegistry()

	// A real deployment supplies a UDP-backed gwcore.SessionTransport and
	// gwcore.DatagramSource here; this example leaves socket I/O to the
	// caller.
	var transport gwcore.SessionTransport

	store := gwcore.NewStore(runtimeOpts, deviceAuthKey, cfg, gwcore.LocalSerialNumber(nil), transport, channels)
	store.SetCascade(channels)

	log.Info("knxgwd core wired: session store and channel registry ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	stop := make(chan struct{})
	go store.RunSweeper(stop)

	<-sigCh
	log.Info("shutting down")
	close(stop)
	store.Shutdown()
}
