package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"meetingbot/internal/logging"
)

// ClusterJobConfig points at an external job-scheduler's REST API. No
// scheduler client library (Nomad, Kubernetes Jobs, etc.) appears anywhere
// in the retrieval pack, so this variant talks to the scheduler's HTTP API
// directly with net/http — the one stdlib-over-library choice in this
// module, recorded in the grounding ledger.
type ClusterJobConfig struct {
	BaseURL    string
	AuthToken  string
	JobImage   string
	HTTPClient *http.Client
}

func DefaultClusterJobConfig() *ClusterJobConfig {
	return &ClusterJobConfig{
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
	}
}

// ClusterJobLauncher starts bots as jobs on an external cluster scheduler.
type ClusterJobLauncher struct {
	cfg *ClusterJobConfig
}

func NewClusterJobLauncher(cfg *ClusterJobConfig) (*ClusterJobLauncher, error) {
	if cfg == nil || cfg.BaseURL == "" {
		return nil, fmt.Errorf("launcher: cluster job base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &ClusterJobLauncher{cfg: cfg}, nil
}

type clusterJobRequest struct {
	Image  string            `json:"image"`
	Env    map[string]string `json:"env"`
	Labels map[string]string `json:"labels"`
}

type clusterJobResponse struct {
	JobID string `json:"job_id"`
}

func (c *ClusterJobLauncher) do(ctx context.Context, method, path string, body any, out any) error {
	var reader bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("launcher: marshal request: %w", err)
		}
		reader = *bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, &reader)
	if err != nil {
		return fmt.Errorf("launcher: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.AuthToken)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("launcher: cluster job request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("launcher: cluster job scheduler returned %s", resp.Status)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *ClusterJobLauncher) StartBot(ctx context.Context, spec StartSpec) (*BotHandle, error) {
	if err := enforceConcurrency(ctx, c, spec); err != nil {
		return nil, err
	}

	labels := labelsFor(spec)

	var resp clusterJobResponse
	err := c.do(ctx, http.MethodPost, "/jobs", clusterJobRequest{
		Image: c.cfg.JobImage,
		Env: map[string]string{
			"MEETING_JOIN_URL":    spec.JoinURL,
			"MEETING_PASSCODE":    spec.Passcode,
			"MEETING_SESSION_UID": spec.SessionUID,
			"BOT_NAME":            spec.BotName,
			"BOT_LANGUAGE":        spec.Language,
			"BOT_TASK":            spec.Task,
			"CALLBACK_BASE_URL":   spec.CallbackBaseURL,
			"CALLBACK_TOKEN":      spec.CallbackToken,
			"USER_TOKEN":          spec.UserToken,
		},
		Labels: labels,
	}, &resp)
	if err != nil {
		return nil, err
	}

	logging.S().Infow("launcher: cluster job submitted", "job_id", resp.JobID, "platform", spec.Platform, "native_id", spec.NativeID)

	return &BotHandle{
		Platform:  spec.Platform,
		NativeID:  spec.NativeID,
		Handle:    resp.JobID,
		CreatedAt: time.Now().UTC(),
		Labels:    labels,
	}, nil
}

func (c *ClusterJobLauncher) StopBot(ctx context.Context, handle string) error {
	return c.do(ctx, http.MethodDelete, "/jobs/"+handle, nil, nil)
}

func (c *ClusterJobLauncher) VerifyRunning(ctx context.Context, handle string) (bool, error) {
	var status struct {
		Running bool `json:"running"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs/"+handle, nil, &status); err != nil {
		return false, err
	}
	return status.Running, nil
}

func (c *ClusterJobLauncher) ListRunningBots(ctx context.Context) ([]BotHandle, error) {
	var jobs []struct {
		JobID     string            `json:"job_id"`
		CreatedAt time.Time         `json:"created_at"`
		Labels    map[string]string `json:"labels"`
	}
	if err := c.do(ctx, http.MethodGet, "/jobs?label=meetingbot", nil, &jobs); err != nil {
		return nil, err
	}

	out := make([]BotHandle, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, BotHandle{
			Platform:  j.Labels["platform"],
			NativeID:  j.Labels["native_id"],
			Handle:    j.JobID,
			CreatedAt: j.CreatedAt,
			Labels:    j.Labels,
		})
	}
	return out, nil
}
