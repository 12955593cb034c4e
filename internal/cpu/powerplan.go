package cpu

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"codeberg.org/mutker/coolerctl/internal/errors"
	"codeberg.org/mutker/coolerctl/internal/logger"
)

// Plan is a logical power plan. Plans resolve to a cpufreq governor
// plus, on amd-pstate-epp/intel_pstate systems, an energy-performance
// preference hint.
type Plan string

const (
	PlanPerformance         Plan = "performance"
	PlanBalancedPerformance Plan = "balanced-performance"
	PlanBalancedEfficient   Plan = "balanced-efficient"
	PlanPowersave           Plan = "powersave"
)

// Governor names as the kernel spells them.
const (
	governorPerformance = "performance"
	governorSchedutil   = "schedutil"
	governorOndemand    = "ondemand"
	governorPowersave   = "powersave"
)

// Energy-performance preference hints, most performant first.
const (
	prefPerformance        = "performance"
	prefBalancePerformance = "balance_performance"
	prefBalancePower       = "balance_power"
	prefPower              = "power"
	prefDefault            = "default"
)

// ParsePlan validates a plan name, accepting the legacy aliases the
// original configuration format used.
func ParsePlan(name string) (Plan, error) {
	errFactory := errors.New()

	switch strings.ToLower(strings.TrimSpace(name)) {
	case string(PlanPerformance):
		return PlanPerformance, nil
	case string(PlanBalancedPerformance), "balanced", "schedutil":
		return PlanBalancedPerformance, nil
	case string(PlanBalancedEfficient), "balance_power":
		return PlanBalancedEfficient, nil
	case string(PlanPowersave):
		return PlanPowersave, nil
	default:
		return "", errFactory.WithData(ErrUnknownPlan, name)
	}
}

// PlanManager applies logical power plans to the cpufreq sysfs tree.
// Capabilities are detected once from cpu0 at construction; writes fan
// out to every cpu*/cpufreq directory under the configured root.
type PlanManager struct {
	log         logger.Logger
	root        string
	governors   map[string]bool
	preferences map[string]bool
	mu          sync.Mutex
}

// NewPlanManager detects available governors and preference hints from
// root/cpu0/cpufreq. A missing governor list means cpufreq is not
// available on this system and power-plan control cannot work.
func NewPlanManager(log logger.Logger, root string) (*PlanManager, error) {
	errFactory := errors.New()

	governors, err := readSet(filepath.Join(root, "cpu0", "cpufreq", "scaling_available_governors"))
	if err != nil {
		return nil, errFactory.Wrap(ErrPlanUnsupported, err)
	}

	// Preference hints are optional; legacy drivers have no EPP.
	preferences, err := readSet(filepath.Join(root, "cpu0", "cpufreq", "energy_performance_available_preferences"))
	if err != nil {
		preferences = nil
	}

	m := &PlanManager{
		log:         log,
		root:        root,
		governors:   governors,
		preferences: preferences,
	}
	log.Debug().
		Strs("governors", keys(governors)).
		Strs("preferences", keys(preferences)).
		Msg("Detected cpufreq capabilities")

	return m, nil
}

// Apply resolves plan and writes the governor and preference across all
// CPUs. Reads back cpu0 first and skips the writes when the hardware is
// already at target.
func (m *PlanManager) Apply(plan Plan) error {
	errFactory := errors.New()

	m.mu.Lock()
	defer m.mu.Unlock()

	governor, preference, err := m.resolve(plan)
	if err != nil {
		return err
	}

	currentGovernor, currentPreference, err := m.readState()
	if err == nil && currentGovernor == governor && (preference == "" || currentPreference == preference) {
		return nil
	}

	governorPaths, err := filepath.Glob(filepath.Join(m.root, "cpu[0-9]*", "cpufreq", "scaling_governor"))
	if err != nil || len(governorPaths) == 0 {
		return errFactory.WithData(ErrPlanWriteFailed, m.root)
	}
	for _, path := range governorPaths {
		if err := os.WriteFile(path, []byte(governor), 0o644); err != nil {
			return errFactory.Wrap(ErrPlanWriteFailed, err)
		}
	}

	if preference != "" {
		preferencePaths, _ := filepath.Glob(filepath.Join(m.root, "cpu[0-9]*", "cpufreq", "energy_performance_preference"))
		for _, path := range preferencePaths {
			if err := os.WriteFile(path, []byte(preference), 0o644); err != nil {
				// Preference failure is non-critical once the governor is set.
				m.log.Warn().Err(err).Str("preference", preference).Msg("Preference hint write failed")

				break
			}
		}
	}

	m.log.Debug().
		Str("plan", string(plan)).
		Str("governor", governor).
		Str("preference", preference).
		Msg("Applied power plan")

	return nil
}

// Current reads cpu0 and maps the physical state back to a logical
// plan. An unrecognized governor is returned verbatim so callers can
// still display it.
func (m *PlanManager) Current() (Plan, error) {
	governor, preference, err := m.readState()
	if err != nil {
		return "", err
	}

	switch governor {
	case governorPerformance:
		return PlanPerformance, nil
	case governorPowersave:
		switch preference {
		case prefBalancePerformance:
			return PlanBalancedPerformance, nil
		case prefBalancePower:
			return PlanBalancedEfficient, nil
		case prefPerformance:
			return PlanPerformance, nil
		default:
			return PlanPowersave, nil
		}
	case governorSchedutil:
		return PlanBalancedPerformance, nil
	case governorOndemand:
		return PlanBalancedEfficient, nil
	default:
		return Plan(governor), nil
	}
}

// resolve maps a logical plan to the (governor, preference) pair this
// system supports. The preference is empty when the driver has no EPP
// or the hint is unavailable.
func (m *PlanManager) resolve(plan Plan) (string, string, error) {
	errFactory := errors.New()

	var governor, preference string

	switch plan {
	case PlanPerformance:
		governor = governorPerformance
		preference = prefPerformance
	case PlanPowersave:
		governor = governorPowersave
		preference = prefPower
	case PlanBalancedPerformance:
		if len(m.preferences) > 0 {
			governor = m.pickGovernor(governorPowersave, governorPerformance)
			preference = m.pickPreference(prefBalancePerformance, prefDefault, prefPerformance)
		} else {
			// Without EPP, schedutil is the performance-biased dynamic governor.
			governor = m.pickGovernor(governorSchedutil, governorOndemand, governorPowersave)
		}
	case PlanBalancedEfficient:
		if len(m.preferences) > 0 {
			governor = m.pickGovernor(governorPowersave, governorPerformance)
			preference = m.pickPreference(prefBalancePower, prefBalancePerformance, prefPower)
		} else {
			governor = m.pickGovernor(governorOndemand, governorSchedutil, governorPowersave)
		}
	default:
		return "", "", errFactory.WithData(ErrUnknownPlan, string(plan))
	}

	if !m.governors[governor] {
		if !m.governors[governorPowersave] {
			return "", "", errFactory.WithData(ErrPlanUnsupported, governor)
		}
		m.log.Warn().Str("governor", governor).Msg("Governor unavailable, falling back to powersave")
		governor = governorPowersave
	}
	if preference != "" && !m.preferences[preference] {
		preference = ""
	}

	return governor, preference, nil
}

func (m *PlanManager) pickGovernor(candidates ...string) string {
	for _, candidate := range candidates {
		if m.governors[candidate] {
			return candidate
		}
	}

	return candidates[len(candidates)-1]
}

func (m *PlanManager) pickPreference(candidates ...string) string {
	for _, candidate := range candidates {
		if m.preferences[candidate] {
			return candidate
		}
	}

	return candidates[len(candidates)-1]
}

func (m *PlanManager) readState() (string, string, error) {
	errFactory := errors.New()

	governor, err := readValue(filepath.Join(m.root, "cpu0", "cpufreq", "scaling_governor"))
	if err != nil {
		return "", "", errFactory.Wrap(ErrPlanReadFailed, err)
	}

	var preference string
	if len(m.preferences) > 0 {
		preference, _ = readValue(filepath.Join(m.root, "cpu0", "cpufreq", "energy_performance_preference"))
	}

	return governor, preference, nil
}

func readValue(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(raw)), nil
}

func readSet(path string) (map[string]bool, error) {
	raw, err := readValue(path)
	if err != nil {
		return nil, err
	}

	set := make(map[string]bool)
	for _, field := range strings.Fields(raw) {
		set[field] = true
	}

	return set, nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for key := range set {
		out = append(out, key)
	}

	return out
}
