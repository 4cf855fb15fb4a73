package builder

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	"go.uber.org/zap"

	"github.com/opencode/sandbox/internal/common/logger"
	"github.com/opencode/sandbox/internal/image/githubauth"
)

// Cloner materializes a repository branch into a local directory and
// reports the HEAD commit.
type Cloner interface {
	Clone(ctx context.Context, repository, branch, dir string) (commit string, err error)
}

// GitCloner clones over HTTPS using a GitHub App installation token when an
// authenticator is configured, anonymous otherwise.
type GitCloner struct {
	auth   *githubauth.Authenticator // nil for public repositories
	logger *logger.Logger
}

var _ Cloner = (*GitCloner)(nil)

// NewGitCloner creates a cloner. auth may be nil.
func NewGitCloner(auth *githubauth.Authenticator, log *logger.Logger) *GitCloner {
	return &GitCloner{
		auth:   auth,
		logger: log.WithFields(zap.String("component", "git-cloner")),
	}
}

// Clone shallow-clones one branch of repository ("org/repo") into dir and
// returns the HEAD commit SHA. Any error string is scrubbed of tokens
// before it leaves this method.
func (c *GitCloner) Clone(ctx context.Context, repository, branch, dir string) (string, error) {
	cloneURL := "https://github.com/" + repository + ".git"

	opts := &gogit.CloneOptions{
		URL:          cloneURL,
		Depth:        1,
		SingleBranch: true,
	}
	if branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}

	if c.auth != nil {
		token, err := c.auth.InstallationToken(ctx)
		if err != nil {
			return "", err
		}
		opts.Auth = &gogithttp.BasicAuth{
			Username: "x-access-token",
			Password: token,
		}
	}

	repo, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return "", c.redactedError("clone of %s failed: %v", repository, err)
	}

	head, err := repo.Head()
	if err != nil {
		return "", c.redactedError("failed to resolve HEAD of %s: %v", repository, err)
	}

	commit := head.Hash().String()
	c.logger.Info("repository cloned",
		zap.String("repository", repository),
		zap.String("branch", branch),
		zap.String("commit", commit))
	return commit, nil
}

func (c *GitCloner) redactedError(format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	if c.auth != nil {
		msg = c.auth.Redact(msg)
	}
	return fmt.Errorf("%s", msg)
}

// ensureDockerfile writes a generated Dockerfile into dir when the clone
// ships none.
func ensureDockerfile(dir, baseImage string) error {
	path := filepath.Join(dir, "Dockerfile")
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(path, []byte(defaultDockerfile(baseImage)), 0o644)
}
