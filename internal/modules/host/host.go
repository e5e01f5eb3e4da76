package host

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"simcmd/internal/core"
)

// Status описывает снимок метрик узла.
type Status struct {
	Hostname    string  `json:"hostname"`
	Platform    string  `json:"platform"`
	PlatformVer string  `json:"platformVer"`
	Kernel      string  `json:"kernel"`
	UptimeSec   uint64  `json:"uptime_sec"`
	BootTime    string  `json:"boot_time"`
	MemTotal    uint64  `json:"mem_total"`
	MemUsed     uint64  `json:"mem_used"`
	MemUsedPct  float64 `json:"mem_used_pct"`
	Load1       float64 `json:"load1"`
	Load5       float64 `json:"load5"`
	Load15      float64 `json:"load15"`
}

// Collector собирает метрики узла.
type Collector func(ctx context.Context) (Status, error)

// Module предоставляет базовые метрики узла.
// Сбор идет вне owner-горутины, ответ приходит отложенно.
type Module struct {
	collect Collector
	timeout time.Duration
}

// New создает модуль; nil collector означает сбор через gopsutil.
func New(collect Collector, timeout time.Duration) *Module {
	if collect == nil {
		collect = Collect
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &Module{collect: collect, timeout: timeout}
}

func (m *Module) Name() string { return "host" }

func (m *Module) Init(ctx context.Context) error { //nolint:revive // инициализация пока тривиальна
	return nil
}

func (m *Module) Commands() []core.Command {
	return []core.Command{
		{Pattern: "vget /host/status", Deferred: core.DeferredFunc(m.status), Help: "Host metrics as JSON"},
	}
}

func (m *Module) status(ctx context.Context, args []string, p *core.Promise) {
	go func() {
		runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()
		st, err := m.collect(runCtx)
		if err != nil {
			p.Resolve(core.ErrorStatus(err))
			return
		}
		raw, err := json.Marshal(st)
		if err != nil {
			p.Resolve(core.Errorf("encode: %v", err))
			return
		}
		p.Resolve(core.OK(string(raw)))
	}()
}

// Collect читает метрики узла через gopsutil.
func Collect(ctx context.Context) (Status, error) {
	hInfo, err := host.InfoWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("host info: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("memory info: %w", err)
	}
	ld, err := load.AvgWithContext(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("load info: %w", err)
	}
	return Status{
		Hostname:    hInfo.Hostname,
		Platform:    hInfo.Platform,
		PlatformVer: hInfo.PlatformVersion,
		Kernel:      hInfo.KernelVersion,
		UptimeSec:   hInfo.Uptime,
		BootTime:    time.Unix(int64(hInfo.BootTime), 0).UTC().Format(time.RFC3339),
		MemTotal:    vm.Total,
		MemUsed:     vm.Used,
		MemUsedPct:  vm.UsedPercent,
		Load1:       ld.Load1,
		Load5:       ld.Load5,
		Load15:      ld.Load15,
	}, nil
}
