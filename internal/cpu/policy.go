package cpu

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// Hold durations per decision. Thermal holds are long so the loop gets
// time to shed heat before the plan is reconsidered; the idle hold is
// short so the machine reacts quickly when an application starts.
const (
	holdHot         = 10 * time.Minute
	holdWarm        = 5 * time.Minute
	holdPerformance = time.Minute
	holdBalanced    = 2 * time.Minute
	holdIdle        = 10 * time.Second
)

// ProcessLister returns the lowercased names of running processes.
type ProcessLister func() (map[string]struct{}, error)

func listProcesses() (map[string]struct{}, error) {
	procs, err := process.Processes()
	if err != nil {
		return nil, err
	}

	names := make(map[string]struct{}, len(procs))
	for _, proc := range procs {
		name, err := proc.Name()
		if err != nil {
			continue
		}
		names[strings.ToLower(name)] = struct{}{}
	}

	return names, nil
}

// Policy selects the power plan from the blended coolant degree routed
// in from the telemetry host and from the running application set.
type Policy struct {
	log             logger.Logger
	plans           *PlanManager
	processes       ProcessLister
	performanceApps []string
	balancedApps    []string
	warm            float64
	hot             float64

	mu     sync.Mutex
	degree float64
	routed bool
}

func NewPolicy(cfg config.CPU, log logger.Logger, plans *PlanManager, processes ProcessLister) *Policy {
	if processes == nil {
		processes = listProcesses
	}

	return &Policy{
		log:             log,
		plans:           plans,
		processes:       processes,
		performanceApps: cfg.PerformanceApps,
		balancedApps:    cfg.BalancedApps,
		warm:            float64(cfg.Warm),
		hot:             float64(cfg.Hot),
	}
}

// Observe records the latest blended degree routed from the telemetry
// host. Until the first observation, thermal thresholds are skipped.
func (p *Policy) Observe(degree float64) {
	p.mu.Lock()
	p.degree = degree
	p.routed = true
	p.mu.Unlock()
}

// Run applies the policy until ctx is cancelled. settle delays the
// first decision so boot-time churn does not trigger a plan flip.
func (p *Policy) Run(ctx context.Context, settle time.Duration) {
	if !sleepInterruptible(ctx, settle) {
		return
	}

	var last Plan
	for {
		plan, hold := p.Decide()
		if err := p.plans.Apply(plan); err != nil {
			p.log.Warn().Err(err).Str("plan", string(plan)).Msg("Power plan apply failed")
		} else if plan != last {
			p.log.Info().Str("plan", string(plan)).Msg("Power plan selected")
			last = plan
		}

		if !sleepInterruptible(ctx, hold) {
			return
		}
	}
}

// Decide returns the plan the policy would hold right now and for how
// long. Thermal pressure wins over application profiles, and the hotter
// threshold is checked first so a hot loop cannot be misfiled as merely
// warm.
func (p *Policy) Decide() (Plan, time.Duration) {
	p.mu.Lock()
	degree, routed := p.degree, p.routed
	p.mu.Unlock()

	if routed && degree > p.hot {
		return PlanPowersave, holdHot
	}
	if routed && degree > p.warm {
		return PlanPowersave, holdWarm
	}

	names, err := p.processes()
	if err != nil {
		p.log.Warn().Err(err).Msg("Process listing failed")

		return PlanPowersave, holdIdle
	}
	if anyRunning(p.performanceApps, names) {
		return PlanPerformance, holdPerformance
	}
	if anyRunning(p.balancedApps, names) {
		return PlanBalancedPerformance, holdBalanced
	}

	return PlanPowersave, holdIdle
}

// anyRunning reports whether any listed application matches a running
// process, by exact name or substring (firefox matches firefox-bin).
func anyRunning(apps []string, names map[string]struct{}) bool {
	for _, app := range apps {
		app = strings.ToLower(strings.TrimSpace(app))
		if app == "" {
			continue
		}
		if _, ok := names[app]; ok {
			return true
		}
		for name := range names {
			if strings.Contains(name, app) {
				return true
			}
		}
	}

	return false
}

func sleepInterruptible(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
