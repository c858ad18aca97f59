package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/log"
	"github.com/tdoan35/velocity-sub008/pkg/tier"
	"github.com/tdoan35/velocity-sub008/pkg/types"
)

// DefaultImage is the preview container image used when none is configured
const DefaultImage = "registry.fly.io/velocity-preview:latest"

// FlyConfig configures the Fly Machines adapter
type FlyConfig struct {
	APIBase string // e.g. https://api.machines.dev/v1
	Token   string
	AppName string
	Image   string

	// PreviewURL forms the external URL for a session id. The routing rule
	// is fixed at boot (see pkg/config).
	PreviewURL func(sessionID string) string

	// HTTPClient overrides the default client (tests)
	HTTPClient *http.Client
}

// FlyProvider talks to the Fly Machines REST API
type FlyProvider struct {
	cfg         FlyConfig
	client      *http.Client
	logger      zerolog.Logger
	verifyDelay time.Duration
}

// NewFlyProvider creates the real machines adapter
func NewFlyProvider(cfg FlyConfig) *FlyProvider {
	if cfg.Image == "" {
		cfg.Image = DefaultImage
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &FlyProvider{
		cfg:         cfg,
		client:      client,
		logger:      log.WithComponent("provider"),
		verifyDelay: time.Second,
	}
}

type createMachineRequest struct {
	Name   string               `json:"name"`
	Region string               `json:"region,omitempty"`
	Config *types.MachineConfig `json:"config"`
}

// CreateMachine submits the machine spec and blocks until ready
func (p *FlyProvider) CreateMachine(ctx context.Context, projectID string, t *tier.Tier, sessionID string) (*types.Machine, string, error) {
	cfg := p.buildConfig(projectID, t, sessionID)

	body := createMachineRequest{
		Name:   "preview-" + sessionID,
		Config: cfg,
	}

	var machine types.Machine
	if err := p.do(ctx, http.MethodPost, p.machinesPath(""), body, &machine); err != nil {
		return nil, "", fmt.Errorf("failed to create machine: %w", err)
	}

	p.logger.Info().
		Str("machine_id", machine.ID).
		Str("session_id", sessionID).
		Str("project_id", projectID).
		Msg("machine submitted, waiting for ready")

	if err := p.WaitForReady(ctx, machine.ID, ReadyWaitDeadline); err != nil {
		return &machine, "", err
	}

	return &machine, p.cfg.PreviewURL(sessionID), nil
}

// buildConfig assembles the hardened machine config for a session
func (p *FlyProvider) buildConfig(projectID string, t *tier.Tier, sessionID string) *types.MachineConfig {
	var services []types.MachineService
	for _, port := range t.SortedPorts() {
		services = append(services, types.MachineService{
			Protocol:     "tcp",
			InternalPort: port,
			Ports: []types.ServicePort{
				{Port: 443, Handlers: []string{"tls", "http"}},
			},
		})
	}

	cfg := &types.MachineConfig{
		Image: p.cfg.Image,
		Guest: &types.MachineGuest{
			CPUKind:  t.Resources.CPUKind,
			CPUs:     t.Resources.CPUs,
			MemoryMB: t.Resources.MemoryMB,
		},
		Services: services,
		Metadata: map[string]string{
			MetaService:   ServiceTag,
			MetaProjectID: projectID,
			MetaSessionID: sessionID,
			MetaTier:      string(t.Name),
		},
		Env: map[string]string{
			"SESSION_ID": sessionID,
			"PROJECT_ID": projectID,
		},
	}

	return tier.ApplyHardening(cfg, t)
}

// DestroyMachine gracefully stops then force-destroys the machine.
// 404 at any step counts as success.
func (p *FlyProvider) DestroyMachine(ctx context.Context, machineID string) error {
	err := retry.Do(
		func() error { return p.destroyOnce(ctx, machineID) },
		retry.Attempts(destroyAttempts),
		retry.Delay(destroyBackoff),
		retry.DelayType(retry.FixedDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrDestroyFailed, machineID, err)
	}
	return nil
}

func (p *FlyProvider) destroyOnce(ctx context.Context, machineID string) error {
	// Graceful stop first; ignore failures, force delete follows
	if err := p.do(ctx, http.MethodPost, p.machinesPath(machineID)+"/stop", nil, nil); err != nil {
		p.logger.Debug().Err(err).Str("machine_id", machineID).Msg("stop before destroy failed")
	}

	if err := p.do(ctx, http.MethodDelete, p.machinesPath(machineID)+"?force=true", nil, nil); err != nil {
		return err
	}

	// Verify the provider no longer reports the machine as live
	select {
	case <-time.After(p.verifyDelay):
	case <-ctx.Done():
		return ctx.Err()
	}
	m, err := p.GetMachine(ctx, machineID)
	if err != nil {
		return err
	}
	if m != nil && m.State != types.MachineStateDestroyed {
		return fmt.Errorf("machine %s still present in state %s", machineID, m.State)
	}
	return nil
}

// GetMachine returns nil without error when the machine does not exist
func (p *FlyProvider) GetMachine(ctx context.Context, machineID string) (*types.Machine, error) {
	var machine types.Machine
	err := p.do(ctx, http.MethodGet, p.machinesPath(machineID), nil, &machine)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get machine %s: %w", machineID, err)
	}
	return &machine, nil
}

// ListMachines returns the app's machines, or an empty list on failure
func (p *FlyProvider) ListMachines(ctx context.Context) []*types.Machine {
	var machines []*types.Machine
	if err := p.do(ctx, http.MethodGet, p.machinesPath(""), nil, &machines); err != nil {
		p.logger.Warn().Err(err).Msg("failed to list machines")
		return []*types.Machine{}
	}
	return machines
}

// WaitForReady polls the machine every 2s until ready, terminal, or deadline
func (p *FlyProvider) WaitForReady(ctx context.Context, machineID string, deadline time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(ReadyPollInterval)
	defer ticker.Stop()

	for {
		m, err := p.GetMachine(ctx, machineID)
		if err == nil && m != nil {
			if machineReady(m) {
				return nil
			}
			if terminalForCreate(m.State) {
				return fmt.Errorf("%w: machine %s is %s", ErrUnhealthyState, machineID, m.State)
			}
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: machine %s not ready after %s", ErrTimeout, machineID, deadline)
		case <-ticker.C:
		}
	}
}

// CleanupProjectMachines destroys every live machine tagged with the project
func (p *FlyProvider) CleanupProjectMachines(ctx context.Context, projectID string) (int, error) {
	count := 0
	for _, m := range p.ListMachines(ctx) {
		if m.State == types.MachineStateDestroyed {
			continue
		}
		if m.Config == nil || m.Config.Metadata[MetaProjectID] != projectID {
			continue
		}
		if err := p.DestroyMachine(ctx, m.ID); err != nil {
			p.logger.Warn().Err(err).Str("machine_id", m.ID).Msg("failed to clean up project machine")
			continue
		}
		count++
	}
	return count, nil
}

// CleanupOrphaned destroys aged machines that carry our service tag
func (p *FlyProvider) CleanupOrphaned(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := time.Now().Add(-maxAge)
	count := 0
	for _, m := range p.ListMachines(ctx) {
		if m.State == types.MachineStateDestroyed {
			continue
		}
		if m.Config == nil || m.Config.Metadata[MetaService] != ServiceTag {
			continue
		}
		if m.CreatedAt.After(cutoff) {
			continue
		}
		if err := p.DestroyMachine(ctx, m.ID); err != nil {
			p.logger.Warn().Err(err).Str("machine_id", m.ID).Msg("failed to clean up orphaned machine")
			continue
		}
		count++
	}
	return count, nil
}

// MonitorMachine assesses a session's machine against its tier budget
func (p *FlyProvider) MonitorMachine(ctx context.Context, session *types.Session) *types.SessionAssessment {
	m, err := p.GetMachine(ctx, session.ContainerID)
	if err != nil {
		p.logger.Warn().Err(err).Str("session_id", session.ID).Msg("monitor lookup failed")
		m = nil
	}
	return assess(session, m, time.Now())
}

func (p *FlyProvider) machinesPath(machineID string) string {
	path := fmt.Sprintf("%s/apps/%s/machines", p.cfg.APIBase, p.cfg.AppName)
	if machineID != "" {
		path += "/" + machineID
	}
	return path
}

// notFoundError marks a 404 from the provider
type notFoundError struct{ url string }

func (e *notFoundError) Error() string { return "not found: " + e.url }

func isNotFound(err error) bool {
	var nf *notFoundError
	return errors.As(err, &nf)
}

// do performs one authenticated request against the machines API
func (p *FlyProvider) do(ctx context.Context, method, url string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+p.cfg.Token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("provider request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		// Deletes treat 404 as success; reads surface it as a typed error
		if method == http.MethodDelete {
			return nil
		}
		return &notFoundError{url: url}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("provider returned %d: %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
