package tier

import (
	"fmt"
	"sort"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// Quota resource names used across the orchestrator
const (
	ResourceSessionCreation = "session-creation"
	ResourceCodeGeneration  = "code-generation"
	ResourceQualityAnalysis = "quality-analysis"
	ResourceAPIRequests     = "api-requests"
)

// Ceilings accepted by ValidateLimits. These are upper envelopes for
// extensibility, not a tier definition.
const (
	MaxCPUs     = 8
	MaxMemoryMB = 4096
	MaxDiskGB   = 10
)

// Resources defines the VM shape granted to a tier
type Resources struct {
	CPUKind  string
	CPUs     int
	MemoryMB int
	DiskGB   int
}

// Security defines the hardening applied to a tier's machines
type Security struct {
	AllowedPorts     []int
	DropCapabilities []string
	NoNewPrivileges  bool
	ReadOnlyRootFS   bool
	SeccompProfile   string
}

// QuotaLimit is the per-resource rate limit for a tier. A zero Concurrent,
// Burst, or Tokens field disables that layer.
type QuotaLimit struct {
	RequestsPerWindow int
	WindowSeconds     int
	Burst             int
	Tokens            int
	Concurrent        int
	Unlimited         bool
}

// Tier is an immutable policy record. Not persisted; compiled in.
type Tier struct {
	Name                 types.TierName
	Resources            Resources
	Security             Security
	MaxDurationHours     int
	CheckIntervalSeconds int
	Quotas               map[string]QuotaLimit
}

// MaxDuration returns the tier's session lifetime
func (t *Tier) MaxDuration() int {
	return t.MaxDurationHours
}

var tiers = map[types.TierName]*Tier{
	types.TierFree: {
		Name: types.TierFree,
		Resources: Resources{
			CPUKind:  "shared",
			CPUs:     1,
			MemoryMB: 256,
			DiskGB:   1,
		},
		Security: Security{
			AllowedPorts:     []int{8080},
			DropCapabilities: []string{"ALL"},
			NoNewPrivileges:  true,
			ReadOnlyRootFS:   true,
			SeccompProfile:   "runtime/default",
		},
		MaxDurationHours:     2,
		CheckIntervalSeconds: 30,
		Quotas: map[string]QuotaLimit{
			ResourceSessionCreation: {RequestsPerWindow: 5, WindowSeconds: 3600, Concurrent: 1},
			ResourceCodeGeneration:  {RequestsPerWindow: 20, WindowSeconds: 3600, Burst: 5, Tokens: 10000},
			ResourceQualityAnalysis: {RequestsPerWindow: 10, WindowSeconds: 3600, Burst: 3},
			ResourceAPIRequests:     {RequestsPerWindow: 300, WindowSeconds: 60, Burst: 50},
		},
	},
	types.TierBasic: {
		Name: types.TierBasic,
		Resources: Resources{
			CPUKind:  "shared",
			CPUs:     1,
			MemoryMB: 512,
			DiskGB:   2,
		},
		Security: Security{
			AllowedPorts:     []int{8080, 3000},
			DropCapabilities: []string{"ALL"},
			NoNewPrivileges:  true,
			ReadOnlyRootFS:   true,
			SeccompProfile:   "runtime/default",
		},
		MaxDurationHours:     4,
		CheckIntervalSeconds: 30,
		Quotas: map[string]QuotaLimit{
			ResourceSessionCreation: {RequestsPerWindow: 15, WindowSeconds: 3600, Concurrent: 2},
			ResourceCodeGeneration:  {RequestsPerWindow: 100, WindowSeconds: 3600, Burst: 15, Tokens: 50000},
			ResourceQualityAnalysis: {RequestsPerWindow: 50, WindowSeconds: 3600, Burst: 10},
			ResourceAPIRequests:     {RequestsPerWindow: 600, WindowSeconds: 60, Burst: 100},
		},
	},
	types.TierPro: {
		Name: types.TierPro,
		Resources: Resources{
			CPUKind:  "shared",
			CPUs:     2,
			MemoryMB: 1024,
			DiskGB:   4,
		},
		Security: Security{
			AllowedPorts:     []int{8080, 3000, 5173},
			DropCapabilities: []string{"NET_ADMIN", "SYS_ADMIN", "SYS_PTRACE"},
			NoNewPrivileges:  true,
			ReadOnlyRootFS:   false,
			SeccompProfile:   "runtime/default",
		},
		MaxDurationHours:     8,
		CheckIntervalSeconds: 15,
		Quotas: map[string]QuotaLimit{
			ResourceSessionCreation: {RequestsPerWindow: 50, WindowSeconds: 3600, Concurrent: 5},
			ResourceCodeGeneration:  {RequestsPerWindow: 500, WindowSeconds: 3600, Burst: 50, Tokens: 250000},
			ResourceQualityAnalysis: {RequestsPerWindow: 200, WindowSeconds: 3600, Burst: 30},
			ResourceAPIRequests:     {RequestsPerWindow: 1200, WindowSeconds: 60, Burst: 200},
		},
	},
	types.TierEnterprise: {
		Name: types.TierEnterprise,
		Resources: Resources{
			CPUKind:  "dedicated",
			CPUs:     4,
			MemoryMB: 2048,
			DiskGB:   8,
		},
		Security: Security{
			AllowedPorts:     []int{8080, 3000, 5173, 4200},
			DropCapabilities: []string{"NET_ADMIN", "SYS_ADMIN"},
			NoNewPrivileges:  true,
			ReadOnlyRootFS:   false,
			SeccompProfile:   "runtime/default",
		},
		MaxDurationHours:     24,
		CheckIntervalSeconds: 15,
		Quotas: map[string]QuotaLimit{
			ResourceSessionCreation: {RequestsPerWindow: 200, WindowSeconds: 3600, Concurrent: 20},
			ResourceCodeGeneration:  {Unlimited: true},
			ResourceQualityAnalysis: {Unlimited: true},
			ResourceAPIRequests:     {Unlimited: true},
		},
	},
}

// Policy returns the policy record for the named tier. Unknown names fall
// back to the free tier so a bad subscription row can never grant more than
// the minimum.
func Policy(name types.TierName) *Tier {
	if t, ok := tiers[name]; ok {
		return t
	}
	return tiers[types.TierFree]
}

// Names returns all defined tier names ordered from least to most permissive
func Names() []types.TierName {
	return []types.TierName{types.TierFree, types.TierBasic, types.TierPro, types.TierEnterprise}
}

// ValidateLimits reports whether the requested resources fit within the
// most-permissive envelope
func ValidateLimits(res Resources) bool {
	if res.CPUs <= 0 || res.MemoryMB <= 0 {
		return false
	}
	if res.CPUs > MaxCPUs || res.MemoryMB > MaxMemoryMB || res.DiskGB > MaxDiskGB {
		return false
	}
	return true
}

// ApplyHardening derives a hardened machine config from the given one.
// The input is not mutated and the transformation is idempotent.
func ApplyHardening(cfg *types.MachineConfig, t *Tier) *types.MachineConfig {
	hardened := cloneConfig(cfg)

	if hardened.Init == nil {
		hardened.Init = &types.MachineInit{}
	}
	hardened.Init.DropCapabilities = append([]string(nil), t.Security.DropCapabilities...)
	hardened.Init.NoNewPrivileges = true
	hardened.Init.ReadOnlyRootFS = t.Security.ReadOnlyRootFS
	hardened.Init.SeccompProfile = t.Security.SeccompProfile

	// Filter exposed services to the tier's allow-list
	allowed := make(map[int]bool, len(t.Security.AllowedPorts))
	for _, p := range t.Security.AllowedPorts {
		allowed[p] = true
	}
	var services []types.MachineService
	for _, svc := range hardened.Services {
		if allowed[svc.InternalPort] {
			services = append(services, svc)
		}
	}
	hardened.Services = services

	// Default checks: HTTP readiness plus process liveness
	if hardened.Checks == nil {
		hardened.Checks = make(map[string]types.Check)
	}
	interval := intervalString(t.CheckIntervalSeconds)
	hardened.Checks["http-health"] = types.Check{
		Type:     types.CheckTypeHTTP,
		Port:     8080,
		Path:     "/health",
		Method:   "GET",
		Interval: interval,
		Timeout:  "5s",
	}
	hardened.Checks["process-liveness"] = types.Check{
		Type:     types.CheckTypeExec,
		Command:  []string{"/bin/sh", "-c", "pgrep -f preview-server"},
		Interval: interval,
		Timeout:  "5s",
	}

	return hardened
}

func cloneConfig(cfg *types.MachineConfig) *types.MachineConfig {
	out := &types.MachineConfig{Image: cfg.Image}
	if cfg.Guest != nil {
		g := *cfg.Guest
		out.Guest = &g
	}
	if cfg.Init != nil {
		i := *cfg.Init
		i.DropCapabilities = append([]string(nil), cfg.Init.DropCapabilities...)
		out.Init = &i
	}
	out.Services = append([]types.MachineService(nil), cfg.Services...)
	if cfg.Checks != nil {
		out.Checks = make(map[string]types.Check, len(cfg.Checks))
		for k, v := range cfg.Checks {
			out.Checks[k] = v
		}
	}
	if cfg.Metadata != nil {
		out.Metadata = make(map[string]string, len(cfg.Metadata))
		for k, v := range cfg.Metadata {
			out.Metadata[k] = v
		}
	}
	if cfg.Env != nil {
		out.Env = make(map[string]string, len(cfg.Env))
		for k, v := range cfg.Env {
			out.Env[k] = v
		}
	}
	return out
}

// intervalString renders a check interval as a Machines API duration string
func intervalString(seconds int) string {
	return fmt.Sprintf("%ds", seconds)
}

// SortedPorts returns the tier's allowed ports in ascending order
func (t *Tier) SortedPorts() []int {
	out := append([]int(nil), t.Security.AllowedPorts...)
	sort.Ints(out)
	return out
}
