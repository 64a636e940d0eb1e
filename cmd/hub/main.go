package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/companionlink/companionlink/internal/admin"
	"github.com/companionlink/companionlink/internal/callbacks"
	"github.com/companionlink/companionlink/internal/config"
	"github.com/companionlink/companionlink/internal/device"
	"github.com/companionlink/companionlink/internal/logging"
	"github.com/companionlink/companionlink/internal/manager"
	"github.com/companionlink/companionlink/internal/storage"
	"github.com/companionlink/companionlink/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML/JSON config file (optional)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.LogLevel, "hub")
	if err != nil {
		fmt.Fprintf(os.Stderr, "init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync() // best-effort flush

	passphrase, err := cfg.Passphrase()
	if err != nil {
		logger.Fatal("store passphrase unavailable", zap.Error(err))
	}

	store := storage.NewFileStore(cfg.Store.Path)
	initOrUnlockStore(logger, store, passphrase)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubID, err := store.UniqueID(ctx)
	if err != nil {
		logger.Fatal("load hub identity", zap.Error(err))
	}
	logger.Info("hub identity loaded", zap.String("hub_id", hubID.String()))

	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewGoCollector(), prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	radio := transport.NewTCPRadio(cfg.ListenAddress, logger.Named("radio"))
	links, err := transport.NewLinkManager(transport.Options{
		Radio:   radio,
		Store:   store,
		HubID:   hubID,
		Logger:  logger.Named("transport"),
		Metrics: transport.NewMetrics(reg),
	})
	if err != nil {
		logger.Fatal("build link manager", zap.Error(err))
	}

	mgr, err := manager.New(manager.Options{
		Transport:        links,
		Store:            store,
		Logger:           logger.Named("manager"),
		Metrics:          manager.NewMetrics(reg),
		ConnectTimeout:   cfg.ConnectTimeout,
		ReconnectBackoff: cfg.ReconnectBackoff,
	})
	if err != nil {
		logger.Fatal("build connection manager", zap.Error(err))
	}
	defer mgr.Close()

	var adminSrv *admin.Server
	if cfg.AdminAddress != "" {
		adminSrv = admin.New(cfg.AdminAddress, reg, logger.Named("admin"))
		adminSrv.Start()
	}

	if err := mgr.Start(ctx); err != nil {
		logger.Fatal("start connection manager", zap.Error(err))
	}
	if adminSrv != nil {
		adminSrv.SetReady(true)
	}

	mgr.RegisterConnectionCallback(&connectionLogger{log: logger}, callbacks.Go)

	go runPairingConsole(ctx, mgr, logger)

	<-ctx.Done()
	logger.Info("shutting down")
	if adminSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		adminSrv.Shutdown(shutdownCtx)
		cancel()
	}
}

func initOrUnlockStore(log *zap.Logger, store *storage.FileStore, passphrase string) {
	ctx := context.Background()
	if err := store.Unlock(ctx, passphrase); err != nil {
		if errors.Is(err, storage.ErrNotInitialized) {
			if err := store.Initialize(ctx, passphrase); err != nil {
				log.Fatal("initialize device store", zap.Error(err))
			}
			log.Info("initialized new device store", zap.String("path", store.Path()))
			return
		}
		log.Fatal("unlock device store", zap.Error(err))
		return
	}
	log.Info("device store unlocked")
}

type connectionLogger struct {
	log *zap.Logger
}

func (c *connectionLogger) OnDeviceConnected(dev device.ConnectedDevice) {
	c.log.Info("active-user device connected",
		zap.String("device_id", dev.DeviceID),
		zap.String("name", dev.DeviceName))
}

func (c *connectionLogger) OnDeviceDisconnected(dev device.ConnectedDevice) {
	c.log.Info("active-user device disconnected", zap.String("device_id", dev.DeviceID))
}

// runPairingConsole reads simple commands from stdin so an operator can pair
// a device without any UI: "pair" starts a flow, "accept" confirms the
// displayed code, "cancel" abandons it.
func runPairingConsole(ctx context.Context, mgr *manager.Manager, log *zap.Logger) {
	scanner := bufio.NewScanner(os.Stdin)
	var pending *consolePairing

	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		switch strings.TrimSpace(scanner.Text()) {
		case "pair":
			pending = &consolePairing{log: log}
			if err := mgr.StartAssociation(pending); err != nil {
				log.Warn("start pairing", zap.Error(err))
				pending = nil
			}
		case "accept":
			if pending == nil {
				fmt.Println("no pairing in progress")
				continue
			}
			if err := mgr.NotifyOutOfBandAccepted(ctx); err != nil {
				log.Warn("accept verification code", zap.Error(err))
			}
		case "cancel":
			if pending != nil {
				mgr.StopAssociation(pending)
				pending = nil
			}
		case "devices":
			for _, dev := range mgr.GetActiveUserConnectedDevices() {
				fmt.Printf("%s %s secure=%v\n", dev.DeviceID, dev.DeviceName, dev.HasSecureChannel)
			}
		case "":
		default:
			fmt.Println("commands: pair, accept, cancel, devices")
		}
	}
}

type consolePairing struct {
	log *zap.Logger
}

func (p *consolePairing) OnAssociationStartSuccess(name string) {
	fmt.Printf("advertising as %q; connect the device now\n", name)
}

func (p *consolePairing) OnAssociationStartFailure() {
	fmt.Println("pairing could not start")
}

func (p *consolePairing) OnVerificationCodeAvailable(code string) {
	fmt.Printf("verification code: %s  (type \"accept\" if it matches the device)\n", code)
}

func (p *consolePairing) OnAssociationCompleted(deviceID string) {
	fmt.Printf("paired with %s\n", deviceID)
}

func (p *consolePairing) OnAssociationError(code device.ErrorCode) {
	p.log.Warn("pairing failed", zap.Int("code", int(code)))
}
