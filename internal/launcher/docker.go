package launcher

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"meetingbot/internal/logging"
)

// DockerConfig configures the direct-container launcher variant.
type DockerConfig struct {
	Image          string
	NetworkMode    string
	PullImage      bool
	EnvExtra       map[string]string
	MemoryBytes    int64
	NanoCPUs       int64
	ContainerLabel string // label key used to find bot containers back, e.g. "meetingbot.managed"
}

func DefaultDockerConfig() *DockerConfig {
	return &DockerConfig{
		Image:          "meetingbot/bot:latest",
		NetworkMode:    "bridge",
		MemoryBytes:    512 * 1024 * 1024,
		NanoCPUs:       1_000_000_000,
		ContainerLabel: "meetingbot.managed",
	}
}

// DockerLauncher starts bots as direct containers via the Docker Engine
// SDK, grounded on the teacher's sandbox/v2.DockerExecutor container
// lifecycle (create/start/wait/remove), adapted from short-lived code
// execution to long-running bot processes that run until stopped.
type DockerLauncher struct {
	cli *client.Client
	cfg *DockerConfig
}

// NewDockerLauncher builds a Docker SDK client from the environment, the
// same client.FromEnv convention the teacher's sandbox executor uses.
func NewDockerLauncher(cfg *DockerConfig) (*DockerLauncher, error) {
	if cfg == nil {
		cfg = DefaultDockerConfig()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("launcher: docker client init: %w", err)
	}
	return &DockerLauncher{cli: cli, cfg: cfg}, nil
}

func (d *DockerLauncher) StartBot(ctx context.Context, spec StartSpec) (*BotHandle, error) {
	if err := enforceConcurrency(ctx, d, spec); err != nil {
		return nil, err
	}

	if d.cfg.PullImage {
		if err := d.ensureImage(ctx, d.cfg.Image); err != nil {
			return nil, err
		}
	}

	labels := labelsFor(spec)
	labels[d.cfg.ContainerLabel] = "true"

	env := []string{
		"MEETING_JOIN_URL=" + spec.JoinURL,
		"MEETING_PASSCODE=" + spec.Passcode,
		"MEETING_SESSION_UID=" + spec.SessionUID,
		"BOT_NAME=" + spec.BotName,
		"BOT_LANGUAGE=" + spec.Language,
		"BOT_TASK=" + spec.Task,
		"CALLBACK_BASE_URL=" + spec.CallbackBaseURL,
		"CALLBACK_TOKEN=" + spec.CallbackToken,
		"USER_TOKEN=" + spec.UserToken,
	}
	for k, v := range d.cfg.EnvExtra {
		env = append(env, k+"="+v)
	}

	name := fmt.Sprintf("meetingbot-%s-%s", spec.Platform, sanitizeName(spec.NativeID))

	created, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:  d.cfg.Image,
		Env:    env,
		Labels: labels,
	}, &container.HostConfig{
		NetworkMode: container.NetworkMode(d.cfg.NetworkMode),
		AutoRemove:  false,
		Resources: container.Resources{
			Memory:   d.cfg.MemoryBytes,
			NanoCPUs: d.cfg.NanoCPUs,
		},
	}, nil, nil, name)
	if err != nil {
		return nil, fmt.Errorf("launcher: container create: %w", err)
	}

	if err := d.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = d.cli.ContainerRemove(context.Background(), created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("launcher: container start: %w", err)
	}

	logging.S().Infow("launcher: bot container started",
		"container_id", created.ID, "platform", spec.Platform, "native_id", spec.NativeID)

	return &BotHandle{
		Platform:  spec.Platform,
		NativeID:  spec.NativeID,
		Handle:    created.ID,
		CreatedAt: time.Now().UTC(),
		Labels:    labels,
	}, nil
}

func (d *DockerLauncher) StopBot(ctx context.Context, handle string) error {
	timeout := 15
	if err := d.cli.ContainerStop(ctx, handle, container.StopOptions{Timeout: &timeout}); err != nil {
		logging.S().Warnw("launcher: container stop failed", "container_id", handle, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true}); err != nil {
		return fmt.Errorf("launcher: container remove: %w", err)
	}
	return nil
}

func (d *DockerLauncher) VerifyRunning(ctx context.Context, handle string) (bool, error) {
	info, err := d.cli.ContainerInspect(ctx, handle)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("launcher: container inspect: %w", err)
	}
	return info.State != nil && info.State.Running, nil
}

func (d *DockerLauncher) ListRunningBots(ctx context.Context) ([]BotHandle, error) {
	f := filters.NewArgs(filters.Arg("label", d.cfg.ContainerLabel+"=true"))
	containers, err := d.cli.ContainerList(ctx, container.ListOptions{Filters: f})
	if err != nil {
		return nil, fmt.Errorf("launcher: container list: %w", err)
	}

	out := make([]BotHandle, 0, len(containers))
	for _, c := range containers {
		out = append(out, BotHandle{
			Platform:  c.Labels["platform"],
			NativeID:  c.Labels["native_id"],
			Handle:    c.ID,
			CreatedAt: time.Unix(c.Created, 0).UTC(),
			Labels:    c.Labels,
		})
	}
	return out, nil
}

func (d *DockerLauncher) ensureImage(ctx context.Context, imageName string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, imageName)
	if err == nil {
		return nil
	}
	rc, pullErr := d.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if pullErr != nil {
		return fmt.Errorf("launcher: pull image %s: %w", imageName, pullErr)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)
	return nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}
