// Package registry indexes built sandbox images by id, tag and digest and
// tracks the floating latest image per repository branch.
package registry

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/ids"
	"github.com/opencode/sandbox/internal/common/logger"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// Config controls tag generation and retention.
type Config struct {
	Prefix             string // optional registry host prepended to generated tags
	MaxImagesPerBranch int
	MaxImageAge        time.Duration
}

// Registry is the in-process image index. All lookups return copies so
// callers can never mutate indexed state.
type Registry struct {
	mu                 sync.RWMutex
	images             map[string]*v1.Image
	byTag              map[string]string
	byDigest           map[string]string
	latestByRepoBranch map[string]string // "repo:branch" -> imageID

	cfg    Config
	logger *logger.Logger
	now    func() time.Time
}

// ListOptions filters and pages List results.
type ListOptions struct {
	Repository string
	Branch     string
	LatestOnly bool
	Limit      int
	Offset     int
}

// NewRegistry creates an empty image registry.
func NewRegistry(cfg Config, log *logger.Logger) *Registry {
	return &Registry{
		images:             make(map[string]*v1.Image),
		byTag:              make(map[string]string),
		byDigest:           make(map[string]string),
		latestByRepoBranch: make(map[string]string),
		cfg:                cfg,
		logger:             log.WithFields(zap.String("component", "image-registry")),
		now:                time.Now,
	}
}

func latestKey(repository, branch string) string {
	return repository + ":" + branch
}

// Register indexes a built image. The newest build for a (repository, branch)
// pair becomes latest; on a BuiltAt tie the new image wins. Caller-supplied
// IDs are respected and an ID collision replaces the previous record.
func (r *Registry) Register(img *v1.Image) *v1.Image {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := cloneImage(img)
	if stored.ID == "" {
		stored.ID = ids.New("img")
	}

	// An ID collision replaces the old record. Routing through the shared
	// delete path keeps the latest pointer consistent before reinsertion.
	if _, ok := r.images[stored.ID]; ok {
		_ = r.deleteLocked(stored.ID)
	}

	key := latestKey(stored.Repository, stored.Branch)
	currentID, hasLatest := r.latestByRepoBranch[key]
	if !hasLatest || !stored.BuiltAt.Before(r.images[currentID].BuiltAt) {
		if hasLatest {
			r.images[currentID].IsLatest = false
		}
		stored.IsLatest = true
		r.latestByRepoBranch[key] = stored.ID
	} else {
		stored.IsLatest = false
	}

	r.images[stored.ID] = stored
	if stored.Tag != "" {
		r.byTag[stored.Tag] = stored.ID
	}
	if stored.Digest != "" {
		r.byDigest[stored.Digest] = stored.ID
	}

	r.logger.Info("image registered",
		zap.String("image_id", stored.ID),
		zap.String("tag", stored.Tag),
		zap.String("repository", stored.Repository),
		zap.String("branch", stored.Branch),
		zap.Bool("is_latest", stored.IsLatest))

	return cloneImage(stored)
}

// Get returns the image with the given ID.
func (r *Registry) Get(id string) (*v1.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	img, ok := r.images[id]
	if !ok {
		return nil, apperrors.NotFound("image", id)
	}
	return cloneImage(img), nil
}

// GetByTag returns the image indexed under the exact tag.
func (r *Registry) GetByTag(tag string) (*v1.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byTag[tag]
	if !ok {
		return nil, apperrors.NotFound("image", tag)
	}
	return cloneImage(r.images[id]), nil
}

// GetByDigest returns the image with the given content digest.
func (r *Registry) GetByDigest(digest string) (*v1.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byDigest[digest]
	if !ok {
		return nil, apperrors.NotFound("image", digest)
	}
	return cloneImage(r.images[id]), nil
}

// LatestFor returns the current latest image for a repository branch.
func (r *Registry) LatestFor(repository, branch string) (*v1.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.latestByRepoBranch[latestKey(repository, branch)]
	if !ok {
		return nil, apperrors.NotFound("image", latestKey(repository, branch))
	}
	return cloneImage(r.images[id]), nil
}

// List returns images matching opts, newest first.
func (r *Registry) List(opts ListOptions) []*v1.Image {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matches := make([]*v1.Image, 0, len(r.images))
	for _, img := range r.images {
		if opts.Repository != "" && img.Repository != opts.Repository {
			continue
		}
		if opts.Branch != "" && img.Branch != opts.Branch {
			continue
		}
		if opts.LatestOnly && !img.IsLatest {
			continue
		}
		matches = append(matches, img)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].BuiltAt.After(matches[j].BuiltAt)
	})

	if opts.Offset > 0 {
		if opts.Offset >= len(matches) {
			matches = nil
		} else {
			matches = matches[opts.Offset:]
		}
	}
	if opts.Limit > 0 && len(matches) > opts.Limit {
		matches = matches[:opts.Limit]
	}

	out := make([]*v1.Image, len(matches))
	for i, img := range matches {
		out[i] = cloneImage(img)
	}
	return out
}

// Delete removes an image. Deleting the latest image promotes the most
// recent remaining sibling for the branch, or clears the pointer when none
// remain.
func (r *Registry) Delete(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.deleteLocked(id)
}

func (r *Registry) deleteLocked(id string) error {
	img, ok := r.images[id]
	if !ok {
		return apperrors.NotFound("image", id)
	}

	wasLatest := img.IsLatest
	r.unindexLocked(img)
	delete(r.images, id)

	if wasLatest {
		key := latestKey(img.Repository, img.Branch)
		if next := r.newestLocked(img.Repository, img.Branch); next != nil {
			next.IsLatest = true
			r.latestByRepoBranch[key] = next.ID
		} else {
			delete(r.latestByRepoBranch, key)
		}
	}

	r.logger.Info("image deleted", zap.String("image_id", id), zap.String("tag", img.Tag))
	return nil
}

// Cleanup applies retention per (repository, branch): the latest image is
// never removed, anything beyond MaxImagesPerBranch goes, and so does
// anything older than MaxImageAge. Returns the number of images removed.
func (r *Registry) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	groups := make(map[string][]*v1.Image)
	for _, img := range r.images {
		key := latestKey(img.Repository, img.Branch)
		groups[key] = append(groups[key], img)
	}

	now := r.now()
	removed := 0
	for _, members := range groups {
		sort.Slice(members, func(i, j int) bool {
			return members[i].BuiltAt.After(members[j].BuiltAt)
		})
		for i, img := range members {
			if img.IsLatest {
				continue
			}
			tooMany := r.cfg.MaxImagesPerBranch > 0 && i >= r.cfg.MaxImagesPerBranch
			tooOld := r.cfg.MaxImageAge > 0 && now.Sub(img.BuiltAt) > r.cfg.MaxImageAge
			if tooMany || tooOld {
				if err := r.deleteLocked(img.ID); err == nil {
					removed++
				}
			}
		}
	}

	if removed > 0 {
		r.logger.Info("image retention pass complete", zap.Int("removed", removed))
	}
	return removed
}

// Count returns the number of indexed images.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.images)
}

func (r *Registry) unindexLocked(img *v1.Image) {
	if img.Tag != "" && r.byTag[img.Tag] == img.ID {
		delete(r.byTag, img.Tag)
	}
	if img.Digest != "" && r.byDigest[img.Digest] == img.ID {
		delete(r.byDigest, img.Digest)
	}
}

// newestLocked finds the most recently built image for a branch, ignoring
// any record currently being deleted (already removed from r.images).
func (r *Registry) newestLocked(repository, branch string) *v1.Image {
	var newest *v1.Image
	for _, img := range r.images {
		if img.Repository != repository || img.Branch != branch {
			continue
		}
		if newest == nil || img.BuiltAt.After(newest.BuiltAt) {
			newest = img
		}
	}
	return newest
}

func cloneImage(img *v1.Image) *v1.Image {
	if img == nil {
		return nil
	}
	out := *img
	if img.Services != nil {
		out.Services = append([]string(nil), img.Services...)
	}
	if img.Labels != nil {
		out.Labels = make(map[string]string, len(img.Labels))
		for k, v := range img.Labels {
			out.Labels[k] = v
		}
	}
	return &out
}
