// Package sandbox compiles generated code inside a long-lived Docker
// container and reports compiler diagnostics.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/containerd/errdefs"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/ashureev/dsl-copilot/internal/codegen"
)

const (
	containerName   = "dslcopilot-compiler"
	workingDir      = "/tmp"
	stopTimeoutSecs = 10

	// Resource limits.
	memoryLimitBytes = 1024 * 1024 * 1024 // 1GB
	cpuQuota         = 100000             // 1 CPU
	pidsLimit        = 256

	createRetryAttempts = 5
	createRetryDelay    = 250 * time.Millisecond

	// UnsupportedLanguageMessage is reported for anything but C#.
	UnsupportedLanguageMessage = "Only C# is supported at the moment."
)

const csproj = `<Project Sdk="Microsoft.NET.Sdk">
  <PropertyGroup>
    <OutputType>Library</OutputType>
    <TargetFramework>net8.0</TargetFramework>
    <ImplicitUsings>enable</ImplicitUsings>
    <Nullable>disable</Nullable>
  </PropertyGroup>
</Project>
`

// compileScript reads Program.cs from stdin and builds it in a fresh
// directory, restoring the project template once per container.
const compileScript = `set -e
tpl=/tmp/dslcopilot-template
if [ ! -f "$tpl/build.csproj" ]; then
  mkdir -p "$tpl"
  printf '%s' "$CSPROJ" > "$tpl/build.csproj"
  (cd "$tpl" && dotnet restore --nologo -v:q >/dev/null 2>&1 || true)
fi
dir=$(mktemp -d)
cp -r "$tpl/." "$dir/"
cat > "$dir/Program.cs"
cd "$dir"
set +e
dotnet build --nologo --no-restore -v:q -clp:NoSummary 2>&1
code=$?
rm -rf "$dir"
exit $code`

// DockerCompiler validates C# by building it with the .NET SDK in a sandbox
// container.
type DockerCompiler struct {
	cli     *client.Client
	image   string
	runtime string
	logger  *slog.Logger

	mu          sync.Mutex
	containerID string
}

// NewDockerCompiler creates a compiler that runs image with the given
// runtime ("" = default, "runsc" = gVisor).
func NewDockerCompiler(imageName, runtime string, logger *slog.Logger) (*DockerCompiler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	if runtime != "" {
		logger.Info("Docker client initialized", "runtime", runtime, "image", imageName)
	} else {
		logger.Info("Docker client initialized", "runtime", "default", "image", imageName)
	}
	return &DockerCompiler{cli: cli, image: imageName, runtime: runtime, logger: logger}, nil
}

// Validate implements codegen.Validator.
func (d *DockerCompiler) Validate(ctx context.Context, req codegen.ValidateRequest) (codegen.ValidationResult, error) {
	switch strings.ToLower(strings.TrimSpace(req.Language)) {
	case "csharp", "c#", "cs":
	default:
		return codegen.ValidationResult{IsValid: false, Errors: []string{UnsupportedLanguageMessage}}, nil
	}
	if strings.TrimSpace(req.Input) == "" {
		return codegen.ValidationResult{IsValid: false, Errors: []string{"There is no code to validate."}}, nil
	}

	containerID, err := d.ensureContainer(ctx)
	if err != nil {
		return codegen.ValidationResult{}, err
	}

	output, exitCode, err := d.compile(ctx, containerID, strings.ReplaceAll(req.Input, "\r\n", "\n"))
	if err != nil {
		return codegen.ValidationResult{}, err
	}

	diags := ParseDiagnostics(output)
	if exitCode == 0 && len(diags) == 0 {
		return codegen.ValidationResult{IsValid: true}, nil
	}
	if len(diags) == 0 {
		diags = []string{fmt.Sprintf("build failed with exit code %d: %s", exitCode, tail(output, 400))}
	}
	d.logger.Info("Compilation reported errors", "count", len(diags), "exit_code", exitCode)
	return codegen.ValidationResult{IsValid: false, Errors: diags}, nil
}

func (d *DockerCompiler) compile(ctx context.Context, containerID, code string) (string, int, error) {
	resp, err := d.cli.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"sh", "-c", compileScript},
		Env:          []string{"CSPROJ=" + csproj, "DOTNET_CLI_TELEMETRY_OPTOUT=1", "DOTNET_NOLOGO=1"},
		WorkingDir:   workingDir,
	})
	if err != nil {
		return "", 0, fmt.Errorf("create compile exec in container %s: %w", containerID, err)
	}

	attachResp, err := d.cli.ContainerExecAttach(ctx, resp.ID, container.ExecStartOptions{})
	if err != nil {
		return "", 0, fmt.Errorf("attach to compile exec %s: %w", resp.ID, err)
	}
	defer attachResp.Close()
	stop := context.AfterFunc(ctx, attachResp.Close)
	defer stop()

	if _, err := io.WriteString(attachResp.Conn, code); err != nil {
		return "", 0, fmt.Errorf("write code to compile exec: %w", err)
	}
	if err := attachResp.CloseWrite(); err != nil {
		return "", 0, fmt.Errorf("close compile exec stdin: %w", err)
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, attachResp.Reader); err != nil {
		if ctx.Err() != nil {
			return "", 0, ctx.Err()
		}
		return "", 0, fmt.Errorf("read compile output: %w", err)
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, resp.ID)
	if err != nil {
		return "", 0, fmt.Errorf("inspect compile exec: %w", err)
	}
	return stdout.String() + stderr.String(), inspect.ExitCode, nil
}

// ensureContainer returns a running compiler container, creating it when
// needed.
func (d *DockerCompiler) ensureContainer(ctx context.Context) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	inspect, err := d.cli.ContainerInspect(ctx, containerName)
	if err == nil {
		if inspect.State.Running {
			d.containerID = inspect.ID
			return inspect.ID, nil
		}
		d.logger.Info("Restarting stopped compiler container", "container_id", inspect.ID)
		if err := d.cli.ContainerStart(ctx, inspect.ID, container.StartOptions{}); err != nil {
			return "", fmt.Errorf("restart container %s: %w", inspect.ID, err)
		}
		d.containerID = inspect.ID
		return inspect.ID, nil
	}
	if !errdefs.IsNotFound(err) {
		return "", fmt.Errorf("inspect container %s: %w", containerName, err)
	}

	config := &container.Config{
		Image:      d.image,
		WorkingDir: workingDir,
		Cmd:        []string{"sleep", "infinity"},
		Env:        []string{"DOTNET_CLI_TELEMETRY_OPTOUT=1", "DOTNET_NOLOGO=1"},
	}
	hostConfig := &container.HostConfig{
		Runtime: d.runtime,
		Resources: container.Resources{
			Memory:    memoryLimitBytes,
			CPUQuota:  cpuQuota,
			PidsLimit: ptr(int64(pidsLimit)),
		},
	}

	var resp container.CreateResponse
	var createErr error
	for i := 0; i < createRetryAttempts; i++ {
		resp, createErr = d.cli.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
		if createErr == nil {
			break
		}
		if errdefs.IsNotFound(createErr) {
			if err := d.pullImage(ctx); err != nil {
				return "", err
			}
			continue
		}
		if !errdefs.IsConflict(createErr) && !strings.Contains(strings.ToLower(createErr.Error()), "is already in use") {
			return "", fmt.Errorf("create container: %w", createErr)
		}
		d.logger.Warn("Compiler container name conflict, retrying", "attempt", i+1, "error", createErr)
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(createRetryDelay):
		}
	}
	if createErr != nil {
		return "", fmt.Errorf("create container after retries: %w", createErr)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		if removeErr := d.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true}); removeErr != nil && !errors.Is(removeErr, context.Canceled) {
			d.logger.Warn("Failed to remove container after start failure", "container_id", resp.ID, "error", removeErr)
		}
		return "", fmt.Errorf("start container %s: %w", resp.ID, err)
	}

	d.logger.Info("Compiler container created and started", "container_id", resp.ID, "image", d.image)
	d.containerID = resp.ID
	return resp.ID, nil
}

func (d *DockerCompiler) pullImage(ctx context.Context) error {
	d.logger.Info("Pulling compiler image", "image", d.image)
	rc, err := d.cli.ImagePull(ctx, d.image, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", d.image, err)
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("read pull progress for %s: %w", d.image, err)
	}
	return nil
}

// Close stops and removes the compiler container. It is idempotent.
func (d *DockerCompiler) Close(ctx context.Context) error {
	d.mu.Lock()
	containerID := d.containerID
	d.containerID = ""
	d.mu.Unlock()
	if containerID == "" {
		return nil
	}

	timeout := stopTimeoutSecs
	if err := d.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &timeout}); err != nil && !errdefs.IsNotFound(err) {
		d.logger.Debug("Container stop returned error, continuing to remove", "container_id", containerID, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) || strings.Contains(err.Error(), "is already in progress") {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	d.logger.Info("Compiler container stopped and removed", "container_id", containerID)
	return d.cli.Close()
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}

func ptr[T any](v T) *T {
	return &v
}

var _ codegen.Validator = (*DockerCompiler)(nil)
