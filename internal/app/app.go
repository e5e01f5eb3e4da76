package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/valkey-io/valkey-go"

	"simcmd/internal/config"
	"simcmd/internal/core"
	"simcmd/internal/modules/action"
	"simcmd/internal/modules/camera"
	"simcmd/internal/modules/host"
	"simcmd/internal/modules/object"
	"simcmd/internal/modules/plugin"
	"simcmd/internal/storage"
	"simcmd/internal/storage/sqlite"
	"simcmd/internal/transports/common"
	"simcmd/internal/transports/framing"
	"simcmd/internal/transports/pubsub"
	"simcmd/internal/transports/tcp"
	"simcmd/internal/transports/web"
	"simcmd/internal/world"
)

// Option настраивает App.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	version   string
	collector host.Collector
	bus       pubsub.Bus
}

// WithLogger задает логгер приложения.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithVersion задает версию для vget /unrealcv/version.
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// WithHostCollector подменяет сбор метрик узла.
func WithHostCollector(c host.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithBus подменяет подключение к Valkey.
func WithBus(b pubsub.Bus) Option {
	return func(o *options) { o.bus = b }
}

// App агрегирует зависимости сервера команд.
type App struct {
	Config     config.Config
	Logger     *slog.Logger
	World      *world.Sim
	Registry   *core.Registry
	Queue      *core.Queue
	Dispatcher *core.Dispatcher
	Loop       *core.Loop
	Transports *core.TransportManager
	Store      *sqlite.Store
	Audit      *common.AuditRecorder

	tcp       *tcp.Adapter
	web       *web.Adapter
	valkey    *pubsub.Adapter
	limiter   *common.RateLimiter
	collector host.Collector
}

// NewApp строит приложение: мир, реестр модулей, цикл, хранилище и транспорты.
func NewApp(ctx context.Context, cfg config.Config, opts ...Option) (*App, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}
	lg := o.logger
	if lg == nil {
		lg = slog.New(slog.DiscardHandler)
	}
	if o.collector == nil {
		o.collector = host.Collect
	}

	a := &App{Config: cfg, Logger: lg, collector: o.collector}

	sim := world.New(world.WithLogger(lg.With("component", "world")), world.WithCameras(cfg.World.Cameras))
	if cfg.World.Level != "" && cfg.World.Level != sim.Level() {
		if err := sim.LoadLevel(cfg.World.Level); err != nil {
			return nil, fmt.Errorf("initial level: %w", err)
		}
	}
	a.World = sim

	r := core.NewRegistry()
	modules := []core.Module{
		action.New(sim),
		object.New(sim),
		camera.New(sim),
		host.New(o.collector, 0),
		plugin.New(r,
			plugin.WithVersion(o.version),
			plugin.WithStats(func() any { return a.Stats() }),
			plugin.WithStatus(a.status),
		),
	}
	for _, m := range modules {
		if err := r.Register(ctx, m); err != nil {
			return nil, fmt.Errorf("register %s module: %w", m.Name(), err)
		}
	}
	a.Registry = r

	if cfg.SQLite.Path != "" {
		st, err := sqlite.Open(cfg.SQLite.Path)
		if err != nil {
			return nil, fmt.Errorf("open storage: %w", err)
		}
		a.Store = st
		a.Audit = common.NewAuditRecorder(st, 0, lg.With("component", "audit"))
	}

	a.Queue = core.NewQueue(core.WithQueueCapacity(cfg.Loop.QueueCapacity))
	a.Dispatcher = core.NewDispatcher(r,
		core.WithDeferredTimeout(config.Millis(cfg.Loop.DeferredTimeoutMS)),
		core.WithDispatcherLogger(lg.With("component", "dispatcher")),
	)
	loopOpts := []core.LoopOption{
		core.WithMaxPerTick(cfg.Loop.MaxPerTick),
		core.WithTickBudget(config.Millis(cfg.Loop.TickBudgetMS)),
		core.WithWorld(sim),
		core.WithLoopLogger(lg.With("component", "loop")),
	}
	if a.Audit != nil {
		loopOpts = append(loopOpts, core.WithResponseHook(a.Audit.Hook()))
	}
	a.Loop = core.NewLoop(a.Queue, a.Dispatcher, loopOpts...)

	if err := a.buildTransports(o.bus); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) buildTransports(bus pubsub.Bus) error {
	cfg := a.Config
	if cfg.Limits.RequestsPerWindow > 0 {
		a.limiter = common.NewRateLimiter(cfg.Limits.RequestsPerWindow, config.Millis(cfg.Limits.WindowMS))
	}
	service := func(source string) *common.Service {
		return &common.Service{
			Source:      source,
			Queue:       a.Queue,
			RateLimiter: a.limiter,
			Audit:       a.Audit,
			Logger:      a.Logger.With("transport", source),
		}
	}

	a.Transports = core.NewTransportManager()
	if cfg.TCP.Enabled {
		mode, err := framing.ParseMode(cfg.TCP.Framing)
		if err != nil {
			return fmt.Errorf("tcp framing: %w", err)
		}
		a.tcp = tcp.NewAdapter(service("tcp"), tcp.Config{
			ListenAddr:  cfg.TCP.ListenAddr,
			Framing:     mode,
			MaxFrame:    cfg.TCP.MaxFrame,
			IdleTimeout: time.Duration(cfg.TCP.IdleTimeout) * time.Second,
		}, a.Logger.With("transport", "tcp"))
		if err := a.Transports.Register(a.tcp); err != nil {
			return fmt.Errorf("register tcp transport: %w", err)
		}
	}
	if cfg.Web.Enabled {
		var audit storage.AuditReader
		if a.Store != nil {
			audit = a.Store
		}
		a.web = web.NewAdapter(service("ws"), a.Registry, audit, func() any { return a.Stats() }, web.Config{
			ListenAddr:         cfg.Web.ListenAddr,
			ReadTimeout:        config.Millis(cfg.Web.ReadTimeoutMS),
			WriteTimeout:       config.Millis(cfg.Web.WriteTimeoutMS),
			RequestTimeout:     config.Millis(cfg.Web.RequestTimeoutMS),
			ShutdownTimeout:    time.Duration(cfg.Web.ShutdownTimeoutS) * time.Second,
			MaxRequestBody:     cfg.Web.MaxBodyBytes,
			MaxMessage:         int64(cfg.TCP.MaxFrame),
			CORSAllowedOrigins: cfg.Web.CORSAllowedOrigins,
		}, a.Logger.With("transport", "web")).WithHTTPService(service("http"))
		if err := a.Transports.Register(a.web); err != nil {
			return fmt.Errorf("register web transport: %w", err)
		}
	}
	if cfg.Valkey.Enabled {
		if bus == nil {
			var err error
			bus, err = pubsub.NewValkeyBus(cfg.Valkey.Addr, valkey.ClientOption{
				Username: cfg.Valkey.Username,
				Password: cfg.Valkey.Password,
			})
			if err != nil {
				return err
			}
		}
		a.valkey = pubsub.NewAdapter(service("valkey"), bus, pubsub.Config{
			RequestChannel: cfg.Valkey.RequestChannel,
			ReplyChannel:   cfg.Valkey.ReplyChannel,
		}, a.Logger.With("transport", "valkey"))
		if err := a.Transports.Register(a.valkey); err != nil {
			return fmt.Errorf("register valkey transport: %w", err)
		}
	}
	return nil
}

// TCPAddr возвращает адрес TCP-слушателя; пустая строка, если он не запущен.
func (a *App) TCPAddr() string {
	if a.tcp == nil || a.tcp.Addr() == nil {
		return ""
	}
	return a.tcp.Addr().String()
}

// Stats возвращает счетчики очереди, цикла, диспетчера и транспортов.
func (a *App) Stats() map[string]any {
	out := map[string]any{
		"queue":      a.Queue.Stats(),
		"loop":       a.Loop.Stats(),
		"dispatcher": a.Dispatcher.Stats(),
		"transports": a.Transports.Names(),
	}
	if a.Audit != nil {
		out["audit"] = map[string]uint64{"written": a.Audit.Written(), "dropped": a.Audit.Dropped()}
	}
	if a.valkey != nil {
		out["valkey"] = a.valkey.Stats()
	}
	return out
}

// status вызывается из owner-горутины, поэтому читает мир напрямую.
func (a *App) status() map[string]any {
	return map[string]any{
		"level":      a.World.Level(),
		"paused":     a.World.Paused(),
		"frames":     a.World.Frames(),
		"pending":    a.Queue.Len(),
		"transports": a.Transports.Names(),
	}
}

// Close высвобождает ресурсы приложения.
func (a *App) Close() error {
	if a.Audit != nil {
		a.Audit.Close()
	}
	if a.Store != nil {
		return a.Store.Close()
	}
	return nil
}

// Serve запускает транспорты и цикл выполнения. Тики мира и цикла идут
// в вызывающей горутине, сбор метрик идет в фоне.
func (a *App) Serve(ctx context.Context) error {
	if err := a.Transports.StartAll(ctx); err != nil {
		return fmt.Errorf("start transports: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Transports.StopAll(stopCtx); err != nil {
			a.Logger.Warn("stop transports", "err", err)
		}
	}()

	maintenance := core.NewScheduler(time.Duration(a.Config.Scheduler.IntervalSeconds) * time.Second).
		WithLogger(a.Logger.With("component", "maintenance"))
	if a.Store != nil {
		maintenance.Add(a.collectMetrics)
		maintenance.Add(a.pruneStorage)
	}
	if a.limiter != nil {
		maintenance.Add(func(ctx context.Context) error {
			if n := a.limiter.Sweep(time.Now()); n > 0 {
				a.Logger.Debug("rate limiter swept", "keys", n)
			}
			return nil
		})
	}
	go maintenance.Start(ctx)

	ticks := core.NewScheduler(a.Config.TickInterval()).WithLogger(a.Logger.With("component", "tick"))
	ticks.Add(func(ctx context.Context) error {
		a.World.Step()
		return nil
	})
	ticks.Add(a.Loop.Job())
	a.Logger.Info("command server running", "tick", ticks.Interval(), "transports", a.Transports.Names())
	ticks.Start(ctx)
	return ctx.Err()
}

func (a *App) collectMetrics(ctx context.Context) error {
	runCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	st, err := a.collector(runCtx)
	if err != nil {
		return fmt.Errorf("host status: %w", err)
	}
	records := map[string]any{"host": st, "server": a.Stats()}
	for module, data := range records {
		payload, err := sqlite.MarshalPayload(data)
		if err != nil {
			return err
		}
		if err := a.Store.SaveMetric(ctx, storage.MetricRecord{Module: module, Payload: payload}); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) pruneStorage(ctx context.Context) error {
	if a.Config.SQLite.RetentionDays <= 0 {
		return nil
	}
	before := time.Now().Add(-time.Duration(a.Config.SQLite.RetentionDays) * 24 * time.Hour)
	n, err := a.Store.Prune(ctx, before)
	if err != nil {
		return err
	}
	if n > 0 {
		a.Logger.Info("storage pruned", "rows", n, "before", before)
	}
	return nil
}

// Exec выполняет одну команду в текущей горутине, продвигая мир до
// завершения. Нельзя вызывать одновременно с Serve.
func (a *App) Exec(ctx context.Context, payload string) (core.ExecStatus, error) {
	if err := a.World.EnsureReady(ctx); err != nil {
		return core.ExecStatus{}, err
	}
	c := a.Dispatcher.ExecAsync(ctx, payload, nil)
	ticker := time.NewTicker(a.Config.TickInterval())
	defer ticker.Stop()
	for {
		if st, ok := c.Status(); ok {
			return st, nil
		}
		select {
		case <-ctx.Done():
			c.Cancel()
			a.Dispatcher.Pump(time.Now())
			st, _ := c.Status()
			return st, ctx.Err()
		case <-ticker.C:
			a.World.Step()
			a.Dispatcher.Pump(time.Now())
		}
	}
}
