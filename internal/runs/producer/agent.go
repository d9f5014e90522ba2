package producer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"go.uber.org/zap"

	"github.com/kandev/runorchestrator/internal/common/logger"
	"github.com/kandev/runorchestrator/internal/runs"
)

// AgentConfig is the decoded shape of a Job.AgentConfig payload: just
// enough to start the sandboxed container an agent run executes in. The
// LLM client and tool system that runs inside the container are an
// out-of-scope collaborator; this adapter only manages the container's
// lifecycle and turns its stdout into a run's event sequence.
type AgentConfig struct {
	Image      string   `json:"image"`
	Cmd        []string `json:"cmd"`
	Env        []string `json:"env,omitempty"`
	WorkingDir string   `json:"working_dir,omitempty"`
}

// AgentProducer drives one agent run by running its image in a container
// and parsing one runs.Event per newline-delimited JSON line on its
// stdout/stderr log stream (lines that are not JSON are skipped),
// adapted from the platform's Docker client and lifecycle manager and
// trimmed to the container create/start/stream/remove slice this system
// needs (no instance registry, credential resolution, or worktree
// management — those belong to the out-of-scope collaborator).
type AgentProducer struct {
	cli    *client.Client
	logger *logger.Logger

	containerID string
}

// NewAgentProducer builds an AgentProducer over an existing Docker client.
func NewAgentProducer(cli *client.Client, log *logger.Logger) *AgentProducer {
	return &AgentProducer{cli: cli, logger: log}
}

func (p *AgentProducer) Open(ctx context.Context, job runs.Job) (<-chan runs.Event, error) {
	var cfg AgentConfig
	if len(job.AgentConfig) > 0 {
		if err := json.Unmarshal(job.AgentConfig, &cfg); err != nil {
			return nil, fmt.Errorf("producer: decode agent config for run %s: %w", job.RunID, err)
		}
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("producer: run %s has no agent image configured", job.RunID)
	}

	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      cfg.Image,
		Cmd:        cfg.Cmd,
		Env:        cfg.Env,
		WorkingDir: cfg.WorkingDir,
		Labels:     map[string]string{"kandev.run_id": job.RunID},
	}, &container.HostConfig{AutoRemove: false}, nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("producer: create container for run %s: %w", job.RunID, err)
	}
	p.containerID = resp.ID

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return nil, fmt.Errorf("producer: start container for run %s: %w", job.RunID, err)
	}

	out := make(chan runs.Event)
	go p.stream(ctx, job, resp.ID, out)
	return out, nil
}

// stream reads newline-delimited JSON events from the container's
// stdout/stderr log stream and forwards them, then waits for the container's exit code and emits a
// synthesizes terminal event if the agent process itself never emitted one.
func (p *AgentProducer) stream(ctx context.Context, job runs.Job, containerID string, out chan<- runs.Event) {
	defer close(out)

	logs, err := p.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
	if err != nil {
		p.logger.Error("producer: attach logs failed", zap.String("run_id", job.RunID), zap.Error(err))
		out <- runs.NewTerminalEvent(job.Kind, runs.StatusFailed, err.Error())
		return
	}
	defer logs.Close()

	sawTerminal := false
	scanner := bufio.NewScanner(logs)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := stripDockerFrameHeader(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var ev runs.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			continue // non-JSON log noise, not a protocol event
		}
		ev.Raw = append(json.RawMessage(nil), line...)
		if _, ok := ev.IsTerminal(job.Kind); ok {
			sawTerminal = true
		}
		select {
		case out <- ev:
		case <-ctx.Done():
			return
		}
	}

	statusCh, errCh := p.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case res := <-statusCh:
		exitCode = res.StatusCode
	case err := <-errCh:
		p.logger.Error("producer: container wait failed", zap.String("run_id", job.RunID), zap.Error(err))
		if !sawTerminal {
			out <- runs.NewTerminalEvent(job.Kind, runs.StatusFailed, fmt.Sprintf("container wait failed: %v", err))
		}
		return
	case <-ctx.Done():
		return
	}

	if sawTerminal {
		return
	}
	if exitCode == 0 {
		out <- runs.NewTerminalEvent(job.Kind, runs.StatusCompleted, "")
	} else {
		out <- runs.NewTerminalEvent(job.Kind, runs.StatusFailed, fmt.Sprintf("container exited with code %d", exitCode))
	}
}

// stripDockerFrameHeader strips the 8-byte multiplexed stream header Docker
// prepends to each log chunk when the container wasn't created with a TTY.
func stripDockerFrameHeader(b []byte) []byte {
	if len(b) >= 8 && (b[0] == 1 || b[0] == 2) {
		return b[8:]
	}
	return b
}

// Close removes the container this producer started, if any.
func (p *AgentProducer) Close() error {
	if p.containerID == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return p.cli.ContainerRemove(ctx, p.containerID, container.RemoveOptions{Force: true})
}
