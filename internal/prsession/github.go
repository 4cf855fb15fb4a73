package prsession

import (
	"context"
	"strconv"

	"github.com/google/go-github/v68/github"

	"github.com/opencode/sandbox/internal/image/githubauth"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// appGitHubClient talks to the GitHub API with a fresh installation token
// per call. Tokens are short-lived, so the client is rebuilt each time
// rather than cached.
type appGitHubClient struct {
	auth *githubauth.Authenticator
}

// NewGitHubClient wraps a GitHub App authenticator in the coordinator's
// client interface. Returns nil when auth is nil so callers can pass the
// result straight through.
func NewGitHubClient(auth *githubauth.Authenticator) GitHubClient {
	if auth == nil {
		return nil
	}
	return &appGitHubClient{auth: auth}
}

func (c *appGitHubClient) client(ctx context.Context) (*github.Client, error) {
	token, err := c.auth.InstallationToken(ctx)
	if err != nil {
		return nil, err
	}
	return github.NewClient(nil).WithAuthToken(token), nil
}

func (c *appGitHubClient) ListPRComments(ctx context.Context, owner, repo string, number int) ([]v1.PRComment, error) {
	cli, err := c.client(ctx)
	if err != nil {
		return nil, err
	}

	opts := &github.PullRequestListCommentsOptions{
		ListOptions: github.ListOptions{PerPage: 100},
	}
	var out []v1.PRComment
	for {
		comments, resp, err := cli.PullRequests.ListComments(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, err
		}
		for _, comment := range comments {
			out = append(out, v1.PRComment{
				ID:     strconv.FormatInt(comment.GetID(), 10),
				Author: comment.GetUser().GetLogin(),
				Body:   comment.GetBody(),
				Path:   comment.GetPath(),
				Line:   comment.GetLine(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return out, nil
}

func (c *appGitHubClient) PostPRComment(ctx context.Context, owner, repo string, number int, body string) error {
	cli, err := c.client(ctx)
	if err != nil {
		return err
	}
	_, _, err = cli.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	return err
}
