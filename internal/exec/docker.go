package exec

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	specs "github.com/opencontainers/image-spec/specs-go/v1"

	"codeblock/internal/models"
)

const workDir = "/workspace"

type dockerClient interface {
	ImageInspectWithRaw(ctx context.Context, image string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options types.ImagePullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *specs.Platform, containerName string) (container.ContainerCreateCreatedBody, error)
	ContainerRemove(ctx context.Context, containerID string, options types.ContainerRemoveOptions) error
	ContainerStart(ctx context.Context, containerID string, options types.ContainerStartOptions) error
	ContainerKill(ctx context.Context, containerID string, signal string) error
	ContainerExecCreate(ctx context.Context, container string, config types.ExecConfig) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, config types.ExecStartCheck) (types.HijackedResponse, error)
	ContainerExecStart(ctx context.Context, execID string, config types.ExecStartCheck) error
	ContainerExecInspect(ctx context.Context, execID string) (types.ContainerExecInspect, error)
}

var newDockerClient = func() (dockerClient, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// DockerRunner executes code in a throwaway container on the local daemon.
type DockerRunner struct {
	cli dockerClient
}

func NewDockerRunner() (*DockerRunner, error) {
	cli, err := newDockerClient()
	if err != nil {
		return nil, translateDockerErr(err)
	}
	return &DockerRunner{cli: cli}, nil
}

func (d *DockerRunner) LangSpec(lang models.Language) (models.LanguageSpec, error) {
	spec, _, err := langSpec(lang)
	return spec, err
}

func (d *DockerRunner) RunOnce(ctx context.Context, lang models.Language, code string, limits SandboxLimits) (models.RunResult, error) {
	spec, image, err := langSpec(lang)
	if err != nil {
		return models.RunResult{}, err
	}
	limits = limits.withDefaults()

	if err := d.ensureImage(ctx, image); err != nil {
		return models.RunResult{}, err
	}

	runCtx, cancel := context.WithTimeout(ctx, limits.WallTime)
	defer cancel()

	var stdout, stderr strings.Builder
	exit, runErr := d.run(runCtx, image, limits, spec, []byte(code), &stdout, &stderr)

	res := models.RunResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
		Exit:   exit,
	}
	if runErr != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			res.Exit = -1
			res.TimedOut = true
			return res, nil
		}
		return models.RunResult{}, runErr
	}
	return res, nil
}

func (d *DockerRunner) run(ctx context.Context, image string, limits SandboxLimits, spec models.LanguageSpec,
	code []byte, stdout, stderr io.Writer) (int, error) {

	hostCfg := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Mounts: []mount.Mount{
			{Type: mount.TypeTmpfs, Target: "/tmp"},
			{Type: mount.TypeTmpfs, Target: workDir},
		},
		Resources: container.Resources{
			Memory:   limits.MemoryB,
			NanoCPUs: limits.NanoCPUs,
		},
		SecurityOpt: []string{"no-new-privileges"},
	}
	conf := &container.Config{
		Image:      image,
		Cmd:        []string{"/bin/sh", "-c", "sleep infinity"},
		WorkingDir: workDir,
		Env:        []string{"PYTHONDONTWRITEBYTECODE=1"},
	}

	created, err := d.cli.ContainerCreate(ctx, conf, hostCfg, nil, nil, "")
	if err != nil {
		return -1, translateDockerErr(err)
	}
	cid := created.ID
	defer func() {
		_ = d.cli.ContainerRemove(context.Background(), cid, types.ContainerRemoveOptions{Force: true})
	}()

	if err := d.cli.ContainerStart(ctx, cid, types.ContainerStartOptions{}); err != nil {
		return -1, translateDockerErr(err)
	}

	target := workDir + "/" + spec.FileName
	if err := d.execWithInput(ctx, cid, "cat > "+shellQuote(target), code); err != nil {
		_ = d.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return -1, err
	}

	execID, attach, err := d.execStart(ctx, cid, spec.RunCmd, false)
	if err != nil {
		_ = d.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return -1, err
	}
	_, copyErr := stdcopy.StdCopy(stdout, stderr, attach.Reader)
	attach.Close()
	if ctx.Err() != nil {
		_ = d.cli.ContainerKill(context.Background(), cid, "SIGKILL")
		return -1, ctx.Err()
	}
	if copyErr != nil {
		return -1, copyErr
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return -1, translateDockerErr(err)
	}
	return inspect.ExitCode, nil
}

func (d *DockerRunner) ensureImage(ctx context.Context, image string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, image)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return translateDockerErr(err)
	}
	pullCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	reader, err := d.cli.ImagePull(pullCtx, image, types.ImagePullOptions{})
	if err != nil {
		return translateDockerErr(err)
	}
	defer reader.Close()
	_, _ = io.Copy(io.Discard, reader)
	return nil
}

func (d *DockerRunner) execStart(ctx context.Context, cid string, cmd []string, stdin bool) (string, types.HijackedResponse, error) {
	created, err := d.cli.ContainerExecCreate(ctx, cid, types.ExecConfig{
		Cmd:          cmd,
		WorkingDir:   workDir,
		AttachStdin:  stdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", types.HijackedResponse{}, translateDockerErr(err)
	}
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return "", types.HijackedResponse{}, translateDockerErr(err)
	}
	if err := d.cli.ContainerExecStart(ctx, created.ID, types.ExecStartCheck{}); err != nil {
		attach.Close()
		return "", types.HijackedResponse{}, translateDockerErr(err)
	}
	return created.ID, attach, nil
}

// execWithInput writes payload to the stdin of a shell command. The root
// filesystem is read-only, so files reach the tmpfs workspace this way.
func (d *DockerRunner) execWithInput(ctx context.Context, cid, command string, payload []byte) error {
	execID, attach, err := d.execStart(ctx, cid, []string{"/bin/sh", "-c", command}, true)
	if err != nil {
		return err
	}
	defer attach.Close()

	if len(payload) > 0 {
		if _, err := attach.Conn.Write(payload); err != nil {
			return err
		}
	}
	if closer, ok := attach.Conn.(interface{ CloseWrite() error }); ok {
		_ = closer.CloseWrite()
	}
	_, _ = stdcopy.StdCopy(io.Discard, io.Discard, attach.Reader)

	inspect, err := d.cli.ContainerExecInspect(ctx, execID)
	if err != nil {
		return translateDockerErr(err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("write failed (%s) exit=%d", command, inspect.ExitCode)
	}
	return nil
}

func shellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", "'\\''") + "'"
}

func translateDockerErr(err error) error {
	if err == nil {
		return nil
	}
	if client.IsErrConnectionFailed(err) {
		return ErrDockerUnavailable
	}
	return err
}
