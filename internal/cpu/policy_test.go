package cpu_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"codeberg.org/mutker/coolerctl/internal/config"
	"codeberg.org/mutker/coolerctl/internal/cpu"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

func policyConfig() config.CPU {
	return config.CPU{
		Enabled:         true,
		Warm:            39,
		Hot:             42,
		PerformanceApps: []string{"blender", "obs"},
		BalancedApps:    []string{"firefox", "mpv"},
	}
}

func staticProcesses(names ...string) cpu.ProcessLister {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[name] = struct{}{}
	}

	return func() (map[string]struct{}, error) {
		return set, nil
	}
}

func TestPolicyDecide(t *testing.T) {
	cases := []struct {
		name      string
		degree    float64
		observed  bool
		processes []string
		wantPlan  cpu.Plan
		wantHold  time.Duration
	}{
		{"hot loop", 45, true, nil, cpu.PlanPowersave, 10 * time.Minute},
		{"warm loop", 40, true, nil, cpu.PlanPowersave, 5 * time.Minute},
		{"hot beats warm", 42.5, true, nil, cpu.PlanPowersave, 10 * time.Minute},
		{"hot beats performance app", 45, true, []string{"blender"}, cpu.PlanPowersave, 10 * time.Minute},
		{"performance app", 30, true, []string{"systemd", "blender"}, cpu.PlanPerformance, time.Minute},
		{"performance beats balanced", 30, true, []string{"blender", "firefox"}, cpu.PlanPerformance, time.Minute},
		{"balanced app substring", 30, true, []string{"firefox-bin"}, cpu.PlanBalancedPerformance, 2 * time.Minute},
		{"idle", 30, true, []string{"systemd"}, cpu.PlanPowersave, 10 * time.Second},
		{"no degree routed yet", 0, false, nil, cpu.PlanPowersave, 10 * time.Second},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := cpu.NewPolicy(policyConfig(), logger.New(), nil, staticProcesses(tc.processes...))
			if tc.observed {
				p.Observe(tc.degree)
			}

			plan, hold := p.Decide()
			assert.Equal(t, tc.wantPlan, plan)
			assert.Equal(t, tc.wantHold, hold)
		})
	}
}

func TestPolicyProcessListingFailure(t *testing.T) {
	lister := func() (map[string]struct{}, error) {
		return nil, assert.AnError
	}
	p := cpu.NewPolicy(policyConfig(), logger.New(), nil, lister)

	plan, hold := p.Decide()
	assert.Equal(t, cpu.PlanPowersave, plan)
	assert.Equal(t, 10*time.Second, hold)
}

func TestPolicyRunAppliesDecision(t *testing.T) {
	root := eppTree(t, "performance", "performance")
	plans, err := cpu.NewPlanManager(logger.New(), root)
	require.NoError(t, err)

	p := cpu.NewPolicy(policyConfig(), logger.New(), plans, staticProcesses("systemd"))
	p.Observe(45)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 0)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		return readCpufreq(root, "cpu0", "scaling_governor") == "powersave" &&
			readCpufreq(root, "cpu0", "energy_performance_preference") == "power"
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("policy loop did not stop")
	}
}

func TestPolicyRunHonorsSettleDelay(t *testing.T) {
	root := eppTree(t, "performance", "performance")
	plans, err := cpu.NewPlanManager(logger.New(), root)
	require.NoError(t, err)

	p := cpu.NewPolicy(policyConfig(), logger.New(), plans, staticProcesses())
	p.Observe(45)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 200*time.Millisecond)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, "performance", readCpufreq(root, "cpu0", "scaling_governor"))

	assert.Eventually(t, func() bool {
		return readCpufreq(root, "cpu0", "scaling_governor") == "powersave"
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
