package tier

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tdoan35/velocity-sub008/pkg/types"
)

func TestPolicyKnownTiers(t *testing.T) {
	for _, name := range Names() {
		p := Policy(name)
		require.NotNil(t, p)
		assert.Equal(t, name, p.Name)
	}
}

func TestPolicyUnknownFallsBackToFree(t *testing.T) {
	p := Policy(types.TierName("platinum"))
	assert.Equal(t, types.TierFree, p.Name)
}

// Resource limits and durations must be monotone non-decreasing across tiers
func TestTierOrdering(t *testing.T) {
	names := Names()
	for i := 1; i < len(names); i++ {
		lower := Policy(names[i-1])
		higher := Policy(names[i])

		assert.GreaterOrEqual(t, higher.Resources.CPUs, lower.Resources.CPUs,
			"%s cpus < %s cpus", higher.Name, lower.Name)
		assert.GreaterOrEqual(t, higher.Resources.MemoryMB, lower.Resources.MemoryMB,
			"%s memory < %s memory", higher.Name, lower.Name)
		assert.GreaterOrEqual(t, higher.Resources.DiskGB, lower.Resources.DiskGB,
			"%s disk < %s disk", higher.Name, lower.Name)
		assert.GreaterOrEqual(t, higher.MaxDurationHours, lower.MaxDurationHours,
			"%s duration < %s duration", higher.Name, lower.Name)
	}

	// Strict ordering on cpus for the paid ladder (scenario S6)
	assert.Greater(t, Policy(types.TierPro).Resources.CPUs, Policy(types.TierBasic).Resources.CPUs)
	assert.GreaterOrEqual(t, Policy(types.TierBasic).Resources.CPUs, Policy(types.TierFree).Resources.CPUs)
}

func TestTiersFitWithinCeilings(t *testing.T) {
	for _, name := range Names() {
		assert.True(t, ValidateLimits(Policy(name).Resources), "tier %s exceeds ceilings", name)
	}
}

func TestValidateLimits(t *testing.T) {
	tests := []struct {
		name string
		res  Resources
		ok   bool
	}{
		{"at ceiling", Resources{CPUs: 8, MemoryMB: 4096, DiskGB: 10}, true},
		{"cpu over", Resources{CPUs: 9, MemoryMB: 1024, DiskGB: 1}, false},
		{"memory over", Resources{CPUs: 1, MemoryMB: 8192, DiskGB: 1}, false},
		{"disk over", Resources{CPUs: 1, MemoryMB: 1024, DiskGB: 20}, false},
		{"zero cpu", Resources{CPUs: 0, MemoryMB: 1024}, false},
		{"minimal", Resources{CPUs: 1, MemoryMB: 128}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.ok, ValidateLimits(tt.res))
		})
	}
}

func TestApplyHardening(t *testing.T) {
	free := Policy(types.TierFree)
	cfg := &types.MachineConfig{
		Image: "velocity/preview:latest",
		Services: []types.MachineService{
			{Protocol: "tcp", InternalPort: 8080},
			{Protocol: "tcp", InternalPort: 22}, // not in allow-list
		},
	}

	hardened := ApplyHardening(cfg, free)

	assert.True(t, hardened.Init.NoNewPrivileges)
	assert.True(t, hardened.Init.ReadOnlyRootFS)
	assert.Equal(t, []string{"ALL"}, hardened.Init.DropCapabilities)

	require.Len(t, hardened.Services, 1)
	assert.Equal(t, 8080, hardened.Services[0].InternalPort)

	require.Contains(t, hardened.Checks, "http-health")
	require.Contains(t, hardened.Checks, "process-liveness")
	assert.Equal(t, "/health", hardened.Checks["http-health"].Path)
	assert.Equal(t, "30s", hardened.Checks["http-health"].Interval)

	// Input untouched
	assert.Len(t, cfg.Services, 2)
	assert.Nil(t, cfg.Init)
}

func TestApplyHardeningIdempotent(t *testing.T) {
	pro := Policy(types.TierPro)
	cfg := &types.MachineConfig{
		Image: "velocity/preview:latest",
		Services: []types.MachineService{
			{Protocol: "tcp", InternalPort: 3000},
		},
	}

	once := ApplyHardening(cfg, pro)
	twice := ApplyHardening(once, pro)

	assert.Equal(t, once, twice)
}
