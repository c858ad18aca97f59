package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/rs/zerolog"

	"github.com/tdoan35/velocity-sub008/pkg/log"
)

// Channel is the realtime bus credential handed to the editor frontend
type Channel struct {
	ChannelName string `json:"channel_name"`
	AccessToken string `json:"access_token"`
}

// Registrar wires a container to the external realtime message bus so the
// editor can push file updates. Both operations are best-effort: the caller
// logs failures and proceeds.
type Registrar interface {
	Register(ctx context.Context, projectID, containerID, url string) (*Channel, error)
	Unregister(ctx context.Context, projectID, containerID string) error
}

// Reconnect policy: exponential backoff base 1s, factor 2, capped attempts
const (
	retryAttempts  = 5
	retryBaseDelay = time.Second
)

// HTTPRegistrar talks to the realtime bus over HTTP
type HTTPRegistrar struct {
	baseURL string
	client  *http.Client
	logger  zerolog.Logger
	delay   time.Duration
}

// NewHTTPRegistrar creates a registrar for the bus at baseURL
func NewHTTPRegistrar(baseURL string) *HTTPRegistrar {
	return &HTTPRegistrar{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		logger:  log.WithComponent("realtime"),
		delay:   retryBaseDelay,
	}
}

type registerRequest struct {
	ProjectID   string `json:"project_id"`
	ContainerID string `json:"container_id"`
	URL         string `json:"url,omitempty"`
}

// Register subscribes the container to its project channel
func (r *HTTPRegistrar) Register(ctx context.Context, projectID, containerID, url string) (*Channel, error) {
	var ch Channel
	err := retry.Do(
		func() error {
			return r.post(ctx, "/register", registerRequest{
				ProjectID:   projectID,
				ContainerID: containerID,
				URL:         url,
			}, &ch)
		},
		retry.Attempts(retryAttempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register container %s: %w", containerID, err)
	}

	r.logger.Debug().
		Str("project_id", projectID).
		Str("container_id", containerID).
		Str("channel", ch.ChannelName).
		Msg("container registered with realtime bus")
	return &ch, nil
}

// Unregister removes the container from its project channel
func (r *HTTPRegistrar) Unregister(ctx context.Context, projectID, containerID string) error {
	err := retry.Do(
		func() error {
			return r.post(ctx, "/unregister", registerRequest{
				ProjectID:   projectID,
				ContainerID: containerID,
			}, nil)
		},
		retry.Attempts(retryAttempts),
		retry.Delay(r.delay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return fmt.Errorf("failed to unregister container %s: %w", containerID, err)
	}
	return nil
}

func (r *HTTPRegistrar) post(ctx context.Context, path string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("realtime bus returned %d: %s", resp.StatusCode, string(msg))
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// NoopRegistrar is used when no realtime bus is configured
type NoopRegistrar struct{}

func (NoopRegistrar) Register(ctx context.Context, projectID, containerID, url string) (*Channel, error) {
	return &Channel{}, nil
}

func (NoopRegistrar) Unregister(ctx context.Context, projectID, containerID string) error {
	return nil
}

// FakeRegistrar records calls for tests and can be told to fail
type FakeRegistrar struct {
	RegisterCalls   []string // container ids
	UnregisterCalls []string
	Fail            bool
}

func (f *FakeRegistrar) Register(ctx context.Context, projectID, containerID, url string) (*Channel, error) {
	f.RegisterCalls = append(f.RegisterCalls, containerID)
	if f.Fail {
		return nil, fmt.Errorf("realtime bus unavailable")
	}
	return &Channel{
		ChannelName: "project:" + projectID,
		AccessToken: "token-" + containerID,
	}, nil
}

func (f *FakeRegistrar) Unregister(ctx context.Context, projectID, containerID string) error {
	f.UnregisterCalls = append(f.UnregisterCalls, containerID)
	if f.Fail {
		return fmt.Errorf("realtime bus unavailable")
	}
	return nil
}

var (
	_ Registrar = (*HTTPRegistrar)(nil)
	_ Registrar = (*NoopRegistrar)(nil)
	_ Registrar = (*FakeRegistrar)(nil)
)
