package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	gh "github.com/google/go-github/v80/github"
	"golang.org/x/oauth2"

	"github.com/seanblong/repocontext/pkg/models"
)

// DefaultLookupTimeout bounds a single GitHub API request.
const DefaultLookupTimeout = 15 * time.Second

// Lookup resolves repository metadata before cloning.
type Lookup interface {
	DefaultBranch(ctx context.Context, ref models.RepositoryRef) (string, error)
}

// GitHubLookup resolves repositories through the GitHub REST API.
type GitHubLookup struct {
	gh *gh.Client
}

// NewGitHubLookup creates a lookup; an empty token uses anonymous access.
func NewGitHubLookup(token string) *GitHubLookup {
	var hc *http.Client
	if token != "" {
		ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		hc = oauth2.NewClient(context.Background(), ts)
	} else {
		hc = &http.Client{}
	}
	hc.Timeout = DefaultLookupTimeout
	return &GitHubLookup{gh: gh.NewClient(hc)}
}

// NewGitHubLookupWithClient wraps an existing go-github client.
func NewGitHubLookupWithClient(c *gh.Client) *GitHubLookup {
	return &GitHubLookup{gh: c}
}

func (l *GitHubLookup) DefaultBranch(ctx context.Context, ref models.RepositoryRef) (string, error) {
	repo, resp, err := l.gh.Repositories.Get(ctx, ref.Owner, ref.Name)
	if err != nil {
		return "", wrapGitHubError(resp, err)
	}
	return repo.GetDefaultBranch(), nil
}

func wrapGitHubError(resp *gh.Response, err error) error {
	var rle *gh.RateLimitError
	var are *gh.AbuseRateLimitError
	if errors.As(err, &rle) || errors.As(err, &are) {
		return fmt.Errorf("github rate limit: %w", err)
	}
	if resp != nil {
		switch resp.StatusCode {
		case http.StatusNotFound:
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
	}
	return fmt.Errorf("get repository: %w", err)
}
