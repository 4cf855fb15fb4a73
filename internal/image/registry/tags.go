package registry

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// tagNamespace is the fixed path segment every generated tag carries.
const tagNamespace = "opencode"

// TagInfo is the decoded form of a sandbox image tag.
type TagInfo struct {
	Org       string
	Repo      string
	Branch    string
	Timestamp time.Time // zero when IsLatest
	IsLatest  bool
}

// Repository returns the "org/repo" key used by the registry indexes.
func (t *TagInfo) Repository() string {
	return t.Org + "/" + t.Repo
}

// ParseTag decodes a tag of the form
// {registry?}/opencode/{org}/{repo}:{branch}-{timestamp|latest}.
// An optional registry host (which may carry a port) is tolerated before the
// opencode segment. Returns nil when the shape does not match.
func ParseTag(tag string) *TagInfo {
	slash := strings.LastIndex(tag, "/")
	colon := strings.LastIndex(tag, ":")
	if colon < 0 || colon < slash {
		return nil
	}

	name := tag[:colon]
	ref := tag[colon+1:]

	segs := strings.Split(name, "/")
	if len(segs) < 3 {
		return nil
	}
	if segs[len(segs)-3] != tagNamespace {
		return nil
	}
	org := segs[len(segs)-2]
	repo := segs[len(segs)-1]
	if org == "" || repo == "" {
		return nil
	}

	dash := strings.LastIndex(ref, "-")
	if dash <= 0 || dash == len(ref)-1 {
		return nil
	}
	branch := ref[:dash]
	suffix := ref[dash+1:]

	info := &TagInfo{Org: org, Repo: repo, Branch: branch}
	if suffix == "latest" {
		info.IsLatest = true
		return info
	}

	ts, err := strconv.ParseInt(suffix, 10, 64)
	if err != nil {
		return nil
	}
	info.Timestamp = time.Unix(ts, 0).UTC()
	return info
}

// GenerateTag builds the timestamped tag for a build finished at ts.
func (r *Registry) GenerateTag(org, repo, branch string, ts time.Time) string {
	return r.prefixed(fmt.Sprintf("%s/%s/%s:%s-%d", tagNamespace, org, repo, SanitizeBranch(branch), ts.Unix()))
}

// GenerateLatestTag builds the floating latest tag for a branch.
func (r *Registry) GenerateLatestTag(org, repo, branch string) string {
	return r.prefixed(fmt.Sprintf("%s/%s/%s:%s-latest", tagNamespace, org, repo, SanitizeBranch(branch)))
}

func (r *Registry) prefixed(tag string) string {
	if r.cfg.Prefix == "" {
		return tag
	}
	return strings.TrimSuffix(r.cfg.Prefix, "/") + "/" + tag
}

// SanitizeBranch makes a branch name safe for use inside a docker tag.
// Slashes become dashes; any other character outside [a-zA-Z0-9_.-] becomes
// a dash as well.
func SanitizeBranch(branch string) string {
	var b strings.Builder
	b.Grow(len(branch))
	for _, c := range branch {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9',
			c == '_', c == '.', c == '-':
			b.WriteRune(c)
		default:
			b.WriteByte('-')
		}
	}
	return b.String()
}
