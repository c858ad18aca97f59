package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tdoan35/velocity-sub008/pkg/tier"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// FakeProvider is a deterministic in-memory Provider used by tests. Machines
// become ready immediately unless configured otherwise.
type FakeProvider struct {
	mu       sync.Mutex
	machines map[string]*types.Machine
	nextID   int

	// FailCreate makes CreateMachine fail with the given error
	FailCreate error

	// FailDestroy makes DestroyMachine fail for ids in the set
	FailDestroy map[string]bool

	// CreateState overrides the state new machines are born in
	CreateState types.MachineState

	// PreviewURL overrides URL formation; defaults to a fly.dev style URL
	PreviewURL func(sessionID string) string

	// Call records for assertions
	CreateCalls  []string // session ids
	DestroyCalls []string // machine ids
	CleanupCalls []string // project ids
}

// NewFakeProvider creates an empty fake
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{
		machines:    make(map[string]*types.Machine),
		FailDestroy: make(map[string]bool),
		CreateState: types.MachineStateStarted,
	}
}

// AddMachine seeds a machine, returning its id
func (f *FakeProvider) AddMachine(m *types.Machine) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if m.ID == "" {
		f.nextID++
		m.ID = fmt.Sprintf("fake-%d", f.nextID)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	f.machines[m.ID] = m
	return m.ID
}

func (f *FakeProvider) CreateMachine(ctx context.Context, projectID string, t *tier.Tier, sessionID string) (*types.Machine, string, error) {
	f.mu.Lock()
	f.CreateCalls = append(f.CreateCalls, sessionID)
	if f.FailCreate != nil {
		err := f.FailCreate
		f.mu.Unlock()
		return nil, "", err
	}

	f.nextID++
	cfg := tier.ApplyHardening(&types.MachineConfig{
		Image: DefaultImage,
		Metadata: map[string]string{
			MetaService:   ServiceTag,
			MetaProjectID: projectID,
			MetaSessionID: sessionID,
			MetaTier:      string(t.Name),
		},
	}, t)

	m := &types.Machine{
		ID:        fmt.Sprintf("fake-%d", f.nextID),
		Name:      "preview-" + sessionID,
		State:     f.CreateState,
		Region:    "iad",
		Config:    cfg,
		CreatedAt: time.Now(),
	}
	f.machines[m.ID] = m
	f.mu.Unlock()

	if err := f.WaitForReady(ctx, m.ID, ReadyWaitDeadline); err != nil {
		return m, "", err
	}

	url := fmt.Sprintf("https://velocity-previews.fly.dev/session/%s", sessionID)
	if f.PreviewURL != nil {
		url = f.PreviewURL(sessionID)
	}
	return m, url, nil
}

func (f *FakeProvider) DestroyMachine(ctx context.Context, machineID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DestroyCalls = append(f.DestroyCalls, machineID)
	if f.FailDestroy[machineID] {
		return fmt.Errorf("%w: %s", ErrDestroyFailed, machineID)
	}

	// 404 == success
	if m, ok := f.machines[machineID]; ok {
		m.State = types.MachineStateDestroyed
	}
	return nil
}

func (f *FakeProvider) GetMachine(ctx context.Context, machineID string) (*types.Machine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, ok := f.machines[machineID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (f *FakeProvider) ListMachines(ctx context.Context) []*types.Machine {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*types.Machine, 0, len(f.machines))
	for _, m := range f.machines {
		cp := *m
		out = append(out, &cp)
	}
	return out
}

func (f *FakeProvider) WaitForReady(ctx context.Context, machineID string, deadline time.Duration) error {
	m, err := f.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("%w: machine %s not ready after %s", ErrTimeout, machineID, deadline)
	}
	if terminalForCreate(m.State) {
		return fmt.Errorf("%w: machine %s is %s", ErrUnhealthyState, machineID, m.State)
	}
	if !machineReady(m) {
		return fmt.Errorf("%w: machine %s not ready after %s", ErrTimeout, machineID, deadline)
	}
	return nil
}

func (f *FakeProvider) CleanupProjectMachines(ctx context.Context, projectID string) (int, error) {
	f.mu.Lock()
	f.CleanupCalls = append(f.CleanupCalls, projectID)
	var ids []string
	for id, m := range f.machines {
		if m.State == types.MachineStateDestroyed {
			continue
		}
		if m.Config != nil && m.Config.Metadata[MetaProjectID] == projectID {
			ids = append(ids, id)
		}
	}
	f.mu.Unlock()

	count := 0
	for _, id := range ids {
		if err := f.DestroyMachine(ctx, id); err == nil {
			count++
		}
	}
	return count, nil
}

func (f *FakeProvider) CleanupOrphaned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)

	f.mu.Lock()
	var ids []string
	for id, m := range f.machines {
		if m.State == types.MachineStateDestroyed {
			continue
		}
		if m.Config == nil || m.Config.Metadata[MetaService] != ServiceTag {
			continue
		}
		if m.CreatedAt.After(cutoff) {
			continue
		}
		ids = append(ids, id)
	}
	f.mu.Unlock()

	count := 0
	for _, id := range ids {
		if err := f.DestroyMachine(ctx, id); err == nil {
			count++
		}
	}
	return count, nil
}

func (f *FakeProvider) MonitorMachine(ctx context.Context, session *types.Session) *types.SessionAssessment {
	m, _ := f.GetMachine(ctx, session.ContainerID)
	return assess(session, m, time.Now())
}

// LiveMachines returns the ids of machines not yet destroyed
func (f *FakeProvider) LiveMachines() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	var out []string
	for id, m := range f.machines {
		if m.State != types.MachineStateDestroyed {
			out = append(out, id)
		}
	}
	return out
}

var _ Provider = (*FakeProvider)(nil)
var _ Provider = (*FlyProvider)(nil)
