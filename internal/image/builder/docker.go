package builder

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/docker/api/types/build"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/config"
	"github.com/opencode/sandbox/internal/common/logger"
)

// Engine abstracts the container backend so builds can be exercised without
// a daemon in tests.
type Engine interface {
	PullImage(ctx context.Context, ref string) error
	BuildImage(ctx context.Context, contextDir string, tags []string) error
	TagImage(ctx context.Context, source, target string) error
	PushImage(ctx context.Context, ref string) (digest string, err error)
	InspectImage(ctx context.Context, ref string) (sizeBytes int64, err error)
	RunCommand(ctx context.Context, imageRef string, cmd []string) (exitCode int, output string, err error)
	Close() error
}

// DockerEngine implements Engine against the Docker daemon.
type DockerEngine struct {
	cli          *client.Client
	registryAuth string
	logger       *logger.Logger
}

var _ Engine = (*DockerEngine)(nil)

// NewDockerEngine creates a daemon-backed engine. Registry credentials are
// optional; without them pushes rely on the daemon's own auth.
func NewDockerEngine(cfg config.DockerConfig, registryUser, registryPassword, registryHost string, log *logger.Logger) (*DockerEngine, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}
	if cfg.APIVersion != "" {
		opts = append(opts, client.WithVersion(cfg.APIVersion))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}

	auth, err := encodeRegistryAuth(registryUser, registryPassword, registryHost)
	if err != nil {
		return nil, err
	}

	return &DockerEngine{
		cli:          cli,
		registryAuth: auth,
		logger:       log.WithFields(zap.String("component", "docker-engine")),
	}, nil
}

func encodeRegistryAuth(user, password, host string) (string, error) {
	authCfg := registry.AuthConfig{
		Username:      user,
		Password:      password,
		ServerAddress: host,
	}
	raw, err := json.Marshal(authCfg)
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// Ping verifies the daemon is reachable.
func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("failed to ping docker daemon: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (e *DockerEngine) Close() error {
	return e.cli.Close()
}

// PullImage pulls ref and drains the progress stream.
func (e *DockerEngine) PullImage(ctx context.Context, ref string) error {
	e.logger.Info("pulling image", zap.String("image", ref))

	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image pull %s failed: %w", ref, err)
	}
	return nil
}

// BuildImage tars contextDir and builds it under the given tags. Errors the
// daemon reports mid-stream surface as the returned error.
func (e *DockerEngine) BuildImage(ctx context.Context, contextDir string, tags []string) error {
	e.logger.Info("building image",
		zap.String("context", contextDir),
		zap.Strings("tags", tags))

	buildContext, err := tarDirectory(contextDir)
	if err != nil {
		return fmt.Errorf("failed to prepare build context: %w", err)
	}

	resp, err := e.cli.ImageBuild(ctx, buildContext, build.ImageBuildOptions{
		Tags:       tags,
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build: %w", err)
	}
	defer resp.Body.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(resp.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image build failed: %w", err)
	}
	return nil
}

// TagImage applies target as an additional tag on source.
func (e *DockerEngine) TagImage(ctx context.Context, source, target string) error {
	if err := e.cli.ImageTag(ctx, source, target); err != nil {
		return fmt.Errorf("failed to tag %s as %s: %w", source, target, err)
	}
	return nil
}

// PushImage pushes ref and returns the content digest reported by the
// registry.
func (e *DockerEngine) PushImage(ctx context.Context, ref string) (string, error) {
	e.logger.Info("pushing image", zap.String("image", ref))

	reader, err := e.cli.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: e.registryAuth})
	if err != nil {
		return "", fmt.Errorf("failed to push image %s: %w", ref, err)
	}
	defer reader.Close()

	var digest string
	auxCallback := func(msg jsonmessage.JSONMessage) {
		if msg.Aux == nil {
			return
		}
		var result struct {
			Digest string `json:"digest"`
		}
		if err := json.Unmarshal(*msg.Aux, &result); err == nil && result.Digest != "" {
			digest = result.Digest
		}
	}
	if err := jsonmessage.DisplayJSONMessagesStream(reader, io.Discard, 0, false, auxCallback); err != nil {
		return "", fmt.Errorf("image push %s failed: %w", ref, err)
	}
	return digest, nil
}

// InspectImage returns the on-disk size of ref.
func (e *DockerEngine) InspectImage(ctx context.Context, ref string) (int64, error) {
	inspect, err := e.cli.ImageInspect(ctx, ref)
	if err != nil {
		return 0, fmt.Errorf("failed to inspect image %s: %w", ref, err)
	}
	return inspect.Size, nil
}

// RunCommand runs cmd in a one-off container of imageRef, waits for exit and
// returns the exit code with combined output. Used by the test stage.
func (e *DockerEngine) RunCommand(ctx context.Context, imageRef string, cmd []string) (int, string, error) {
	resp, err := e.cli.ContainerCreate(ctx, &container.Config{
		Image: imageRef,
		Cmd:   cmd,
	}, &container.HostConfig{}, nil, nil, "")
	if err != nil {
		return -1, "", fmt.Errorf("failed to create container: %w", err)
	}
	containerID := resp.ID
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = e.cli.ContainerRemove(removeCtx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	}()

	if err := e.cli.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return -1, "", fmt.Errorf("failed to start container: %w", err)
	}

	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case err := <-errCh:
		if err != nil {
			return -1, "", fmt.Errorf("error waiting for container: %w", err)
		}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-ctx.Done():
		return -1, "", ctx.Err()
	}

	logs, err := e.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return int(exitCode), "", nil
	}
	defer logs.Close()

	var out bytes.Buffer
	_, _ = stdcopy.StdCopy(&out, &out, logs)
	return int(exitCode), out.String(), nil
}

// tarDirectory packs dir into an uncompressed tar stream for the build API.
// Symlinks are preserved; the .git directory is skipped since image builds
// never need history.
func tarDirectory(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if info.IsDir() && info.Name() == ".git" {
			return filepath.SkipDir
		}

		var link string
		if info.Mode()&os.ModeSymlink != 0 {
			if link, err = os.Readlink(path); err != nil {
				return err
			}
		}

		header, err := tar.FileInfoHeader(info, link)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// defaultDockerfile is written into cloned trees that ship none, so every
// target stays buildable.
func defaultDockerfile(baseImage string) string {
	return strings.Join([]string{
		"FROM " + baseImage,
		"WORKDIR /workspace",
		"COPY . /workspace",
		"",
	}, "\n")
}
