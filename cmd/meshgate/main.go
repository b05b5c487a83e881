// Command meshgate is the composition root: it loads configuration,
// builds every core package, picks a radio transport and a storage
// backend, and starts the event loop and HTTP server.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/edgeflow/meshgate/internal/api"
	apimiddleware "github.com/edgeflow/meshgate/internal/api/middleware"
	"github.com/edgeflow/meshgate/internal/audit"
	"github.com/edgeflow/meshgate/internal/cache"
	"github.com/edgeflow/meshgate/internal/config"
	"github.com/edgeflow/meshgate/internal/gateway"
	"github.com/edgeflow/meshgate/internal/health"
	"github.com/edgeflow/meshgate/internal/logger"
	"github.com/edgeflow/meshgate/internal/metrics"
	"github.com/edgeflow/meshgate/internal/pipeline"
	"github.com/edgeflow/meshgate/internal/radio"
	"github.com/edgeflow/meshgate/internal/radio/mqttbridge"
	"github.com/edgeflow/meshgate/internal/radio/serial"
	"github.com/edgeflow/meshgate/internal/radio/sim"
	"github.com/edgeflow/meshgate/internal/registry"
	"github.com/edgeflow/meshgate/internal/rules"
	"github.com/edgeflow/meshgate/internal/security"
	"github.com/edgeflow/meshgate/internal/storage"
	"github.com/edgeflow/meshgate/internal/synchronizer"
	"github.com/edgeflow/meshgate/internal/telemetry"
	"github.com/edgeflow/meshgate/internal/websocket"
)

// Version is stamped at build time via -ldflags.
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to config file")
	adminKey := flag.String("admin-key", "", "apikey to provision at startup (generated if empty)")
	flag.Parse()

	// bindingModels holds the hot-reloadable binding-capable whitelist as
	// a map[string]bool; the synchronizer reads it through an atomic so
	// the config watcher's goroutine never races the event loop.
	var bindingModels atomic.Value
	cfg, err := config.Load(*configPath, func(t config.TimingConfig) {
		bindingModels.Store(modelSet(t.BindingCapableModels))
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "meshgate: config: %v\n", err)
		os.Exit(1)
	}
	bindingModels.Store(modelSet(cfg.Timing.BindingCapableModels))

	if err := logger.Init(logger.Config{
		Level: cfg.Logger.Level, Format: cfg.Logger.Format, LogDir: cfg.Logger.LogDir,
		MaxSizeMB: cfg.Logger.MaxSizeMB, MaxBackups: cfg.Logger.MaxBackups,
		MaxAgeDays: cfg.Logger.MaxAgeDays, Compress: cfg.Logger.Compress,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "meshgate: logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	log := logger.Get()

	log.Info("starting meshgate", zap.String("version", Version), zap.String("gateway", cfg.Gateway.Name))

	store, err := storage.New(storage.Config{
		Type: storage.BackendType(cfg.Database.Type), Path: cfg.Database.Path,
		Host: cfg.Database.Host, Port: cfg.Database.Port,
		User: cfg.Database.User, Password: cfg.Database.Password, DBName: cfg.Database.DBName,
	})
	if err != nil {
		log.Fatal("storage init failed", zap.Error(err))
	}
	defer store.Close()

	driver, err := buildDriver(cfg.Radio, log)
	if err != nil {
		log.Fatal("radio driver init failed", zap.Error(err))
	}
	defer driver.Close()

	reg := registry.New()
	cch := cache.New()
	pipe := pipeline.New(driver, log, time.Duration(cfg.Timing.GroupSendDelayMS)*time.Millisecond, cfg.Timing.MaxGroupTasks)

	if cfg.Database.RedisURL != "" {
		rateStore, err := storage.NewRedisRateStore(cfg.Database.RedisURL, "", 0)
		if err != nil {
			log.Warn("redis rate store unavailable, falling back to in-memory", zap.Error(err))
		} else {
			pipe.SetRateStore(rateStore)
			defer rateStore.Close()
		}
	}

	loadRegistry(store, reg, log)

	sy := synchronizer.New(synchronizer.Config{
		IdleUserLimit:           time.Duration(cfg.Timing.IdleUserLimitMS) * time.Millisecond,
		IdleReadLimit:           time.Duration(cfg.Timing.IdleReadLimitMS) * time.Millisecond,
		IdleAttrReportBindLimit: time.Duration(cfg.Timing.IdleAttrReportBindLimitMS) * time.Millisecond,
		MaxRuleAttrAge:          time.Duration(cfg.Timing.MaxRuleAttrAgeMS) * time.Millisecond,
		BindingCapable: func(manufacturer, model string) bool {
			m, _ := bindingModels.Load().(map[string]bool)
			return m[manufacturer+"/"+model]
		},
	}, reg, pipe, cch, log)

	hub := websocket.NewHub()
	go hub.Run()
	logger.SetBroadcaster(func(level, message, source string, fields map[string]interface{}) {
		hub.Broadcast(websocket.MessageTypeLog, map[string]interface{}{
			"level": level, "message": message, "source": source, "fields": fields,
		})
	})

	metricsReg := metrics.NewMetrics()
	pipe.OnDrop = func(taskID string, extAddr uint64) {
		metricsReg.IncrementPipelineDrops()
		hub.Broadcast(websocket.MessageTypePipelineDrop, map[string]interface{}{
			"task_id": taskID, "ext_addr": extAddr,
		})
	}

	apiKeys := apimiddleware.NewAPIKeyStore()
	if *adminKey == "" {
		generated, err := apiKeys.Generate("admin")
		if err != nil {
			log.Fatal("apikey provisioning failed", zap.Error(err))
		}
		*adminKey = generated
		log.Info("provisioned apikey", zap.String("apikey", *adminKey))
	} else {
		apiKeys.Register(*adminKey, "admin")
	}
	tokens := security.NewTokenIssuer(*adminKey, time.Hour)

	telem, err := telemetry.New(cfg.Telemetry.Enabled, cfg.Telemetry.URL, cfg.Telemetry.Token, cfg.Telemetry.Org, cfg.Telemetry.Bucket, log)
	if err != nil {
		log.Warn("telemetry sink unavailable, continuing without it", zap.Error(err))
		telem = nil
	}
	defer telem.Close()

	aud, err := audit.New(cfg.Audit.Enabled, cfg.Audit.URI, cfg.Audit.Database, cfg.Audit.Collection, log)
	if err != nil {
		log.Warn("audit trail unavailable, continuing without it", zap.Error(err))
		aud = nil
	}
	defer aud.Close()

	// The Rules Engine needs this Gateway's replay closure before it can
	// be built, and the Gateway needs the Engine to drive Tick; build
	// the Gateway with no engine first, then install it once both exist
	// (gateway.New's doc comment explains the two-phase wiring).
	gw := gateway.New(driver, reg, cch, pipe, sy, nil, store, metricsReg, hub, telem, aud, log)

	eng := rules.New(rules.Config{
		VerifyTick:               5 * time.Second,
		MaxVerifyDelay:           time.Duration(cfg.Timing.MaxVerifyDelayMS) * time.Millisecond,
		MaxBindingQueueForVerify: cfg.Timing.MaxBindingQueueForVerify,
		SaveDebounce:             time.Duration(cfg.Timing.SaveDebounceMS) * time.Millisecond,
		MaxRuleAttrAge:           time.Duration(cfg.Timing.MaxRuleAttrAgeMS) * time.Millisecond,
	}, reg, cch, pipe, gw.NewReplayFunc(), log)
	eng.Persist = func(r *rules.Rule) {
		if err := store.SaveRule(r); err != nil {
			log.Warn("rule persist failed", zap.String("rule_id", r.ID), zap.Error(err))
		}
	}
	loadRules(store, eng, log)
	gw.SetRulesEngine(eng)

	hc := health.NewChecker()
	hc.Register("radio", 30*time.Second, health.RadioLinkCheck(driver.InNetwork))
	hc.Register("storage", 30*time.Second, health.StorageCheck(func(ctx context.Context) error {
		_, err := store.ListLights()
		return err
	}))
	hc.Register("loop", 5*time.Second, health.LoopLagCheck(gw.LoopLag, 500*time.Millisecond))
	hc.Register("queue", 10*time.Second, health.QueueSaturationCheck(metricsReg.QueueDepth, pipe.QueueCapacity()))

	svc := api.NewService(cfg, reg, cch, pipe, eng, hc, metricsReg, hub, tokens, apiKeys, log)
	svc.Exec = gw.Do
	svc.OnWrite = gw.NoteExternalWrite

	app := fiber.New(fiber.Config{AppName: "meshgate v" + Version})
	app.Use(recover.New())
	app.Use(cors.New())
	api.RegisterRoutes(app, svc)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go hc.Start(ctx)

	go func() {
		if err := gw.Run(ctx); err != nil && ctx.Err() == nil {
			log.Error("gateway loop exited", zap.Error(err))
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	go func() {
		log.Info("http server listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			log.Error("http server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	_ = app.ShutdownWithTimeout(5 * time.Second)
}

// modelSet folds the configured "manufacturer/model" pairs into the
// lookup shape the synchronizer's whitelist callback reads.
func modelSet(models []string) map[string]bool {
	out := make(map[string]bool, len(models))
	for _, m := range models {
		out[m] = true
	}
	return out
}

// buildDriver selects a radio.Driver implementation from the
// configured transport: a real serial coordinator, a
// zigbee2mqtt-compatible MQTT bridge, or the in-process simulator used
// for development and tests.
func buildDriver(cfg config.RadioConfig, log *zap.Logger) (radio.Driver, error) {
	switch cfg.Transport {
	case "serial":
		return serial.Open(cfg.SerialDevice, cfg.SerialBaud, log)
	case "mqtt":
		return mqttbridge.Connect(mqttbridge.Config{
			BrokerURL: cfg.MQTTBroker,
			ClientID:  cfg.MQTTClientID,
			Topic:     cfg.MQTTBaseTopic,
		}, log)
	case "sim", "":
		return sim.New(), nil
	default:
		return nil, fmt.Errorf("unknown radio transport %q", cfg.Transport)
	}
}

// loadRegistry restores lights, sensors, and groups persisted by a
// previous run, so the gateway does not have to rediscover the entire
// network after a restart.
func loadRegistry(store storage.Store, reg *registry.Registry, log *zap.Logger) {
	lights, err := store.ListLights()
	if err != nil {
		log.Warn("light restore failed", zap.Error(err))
	}
	for _, l := range lights {
		reg.LoadLight(l)
	}

	sensors, err := store.ListSensors()
	if err != nil {
		log.Warn("sensor restore failed", zap.Error(err))
	}
	for _, s := range sensors {
		reg.LoadSensor(s)
	}

	groups, err := store.ListGroups()
	if err != nil {
		log.Warn("group restore failed", zap.Error(err))
	}
	for _, g := range groups {
		reg.LoadGroup(g)
	}

	log.Info("registry restored",
		zap.Int("lights", len(lights)), zap.Int("sensors", len(sensors)), zap.Int("groups", len(groups)))
}

// loadRules restores persisted rules into the engine at startup.
func loadRules(store storage.Store, eng *rules.Engine, log *zap.Logger) {
	stored, err := store.ListRules()
	if err != nil {
		log.Warn("rule restore failed", zap.Error(err))
		return
	}
	eng.LoadStored(stored)
	log.Info("rules restored", zap.Int("count", len(stored)))
}
