// Command hubdevice runs a demo device against an IoT hub, or against a local
// hub emulator with -emulate. It reports fan-speed and light-switch properties,
// answers the reboot and getStatus methods and sends simulated telemetry.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mtraver/iothub"
	"github.com/mtraver/iothub/internal/fakehub"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	emulate := flag.Bool("emulate", false, "run a local hub emulator and connect to it")
	logLevel := flag.String("log-level", "", "log level, overrides the config file")
	flag.Parse()

	cfg, err := Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hubdevice: %v\n", err)
		os.Exit(1)
	}
	if *emulate {
		cfg.Emulator.Enabled = true
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "hubdevice: %v\n", err)
		os.Exit(2)
	}

	level, _ := logrus.ParseLevel(cfg.Log.Level)
	initLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		logrus.WithError(err).Fatal("Device stopped")
	}
}

func initLogger(level logrus.Level) {
	customFormatter := new(logrus.TextFormatter)
	customFormatter.TimestampFormat = "2006-01-02 15:04:05"
	customFormatter.FullTimestamp = true
	logrus.SetFormatter(customFormatter)
	logrus.SetLevel(level)
}

func run(ctx context.Context, cfg *Config) error {
	log := logrus.NewEntry(logrus.StandardLogger())

	cs, err := cfg.connectionString()
	if err != nil {
		return err
	}
	d, err := iothub.ParseConnectionString(cs)
	if err != nil {
		return err
	}
	d.PrivKeyPath = cfg.Device.PrivKeyPath

	g, ctx := errgroup.WithContext(ctx)

	if cfg.Emulator.Enabled {
		if err := startEmulator(ctx, g, cfg, d, log); err != nil {
			return err
		}
	}

	g.Go(func() error {
		return runDevice(ctx, cfg, d, log)
	})
	return g.Wait()
}

// startEmulator starts a hub emulator and points the broker config at it.
func startEmulator(ctx context.Context, g *errgroup.Group, cfg *Config, d *iothub.Device, log *logrus.Entry) error {
	mqttLn, err := net.Listen("tcp", cfg.Emulator.MQTTAddr)
	if err != nil {
		return fmt.Errorf("listening for MQTT: %w", err)
	}
	httpLn, err := net.Listen("tcp", cfg.Emulator.HTTPAddr)
	if err != nil {
		mqttLn.Close()
		return fmt.Errorf("listening for HTTP: %w", err)
	}

	options := []fakehub.Option{fakehub.WithLogger(log)}
	if d.SharedAccessKey != "" {
		options = append(options, fakehub.WithDeviceKey(d.DeviceID, d.SharedAccessKey))
	}
	hub := fakehub.New(d.HostName, options...)
	g.Go(func() error {
		return hub.Serve(ctx, mqttLn, httpLn)
	})

	addr := mqttLn.Addr().(*net.TCPAddr)
	cfg.Broker.Host = addr.IP.String()
	cfg.Broker.Port = addr.Port
	cfg.Broker.Insecure = true
	cfg.Broker.WebSocket = false

	log.WithField("api", "http://"+httpLn.Addr().String()).Info("Hub emulator running")
	return nil
}

func runDevice(ctx context.Context, cfg *Config, d *iothub.Device, log *logrus.Entry) error {
	var caCerts io.Reader
	if cfg.Broker.CACerts != "" {
		f, err := os.Open(cfg.Broker.CACerts)
		if err != nil {
			return fmt.Errorf("opening CA certs: %w", err)
		}
		defer f.Close()
		caCerts = f
	}

	clientOptions := []iothub.ClientOption{iothub.AutoReconnect(time.Minute)}
	if cfg.Device.TokenCacheFile != "" {
		clientOptions = append(clientOptions, iothub.PersistentlyCacheToken(time.Hour, cfg.Device.TokenCacheFile))
	}

	transport, err := iothub.NewMQTTTransport(d, cfg.broker(d), caCerts,
		iothub.WithTransportLogger(log),
		iothub.WithClientOptions(clientOptions...))
	if err != nil {
		return err
	}

	conn := iothub.NewConnection(transport, iothub.WithLogger(log), iothub.WithAckMessages())
	dev := newDemoDevice(conn, log)
	dev.register()

	setupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	err = conn.Setup(setupCtx)
	cancel()
	if err != nil {
		return err
	}
	defer conn.Close()

	dev.reportProperties()

	pump := time.NewTicker(cfg.Intervals.Pump)
	defer pump.Stop()
	telemetry := time.NewTicker(cfg.Intervals.Telemetry)
	defer telemetry.Stop()
	reported := time.NewTicker(cfg.Intervals.Reported)
	defer reported.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Shutting down device")
			return nil
		case <-pump.C:
			conn.Pump()
		case <-telemetry.C:
			dev.sendTelemetry()
		case <-reported.C:
			dev.reportProperties()
		}
	}
}
