// Package skill manages reusable prompt templates: built-in defaults,
// documents loaded from a directory and skills created over the API.
package skill

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opencode/sandbox/internal/common/config"
	apperrors "github.com/opencode/sandbox/internal/common/errors"
	"github.com/opencode/sandbox/internal/common/logger"
	v1 "github.com/opencode/sandbox/pkg/api/v1"
)

// placeholderPattern matches {{key}} slots in a skill template.
var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z0-9_.-]+)\}\}`)

// skillFrontmatter is the YAML header of a skill document.
type skillFrontmatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
}

// Registry holds all known skills by name.
type Registry struct {
	logger *logger.Logger

	mu     sync.RWMutex
	skills map[string]*v1.Skill

	now func() time.Time
}

// NewRegistry creates a skill registry with the built-in defaults and, when
// cfg.Dir is set, the documents found there. File documents override
// built-ins of the same name.
func NewRegistry(cfg config.SkillsConfig, log *logger.Logger) (*Registry, error) {
	r := &Registry{
		logger: log.WithFields(zap.String("component", "skill-registry")),
		skills: make(map[string]*v1.Skill),
		now:    time.Now,
	}

	for _, s := range DefaultSkills() {
		c := *s
		c.UpdatedAt = r.now()
		r.skills[c.Name] = &c
	}

	if cfg.Dir != "" {
		if err := r.loadDir(cfg.Dir); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// loadDir reads every markdown document in dir. A missing directory is not
// an error so deployments without custom skills need no setup.
func (r *Registry) loadDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			r.logger.Info("skills directory absent, using built-ins only", zap.String("dir", dir))
			return nil
		}
		return apperrors.InternalError("reading skills directory "+dir, err)
	}

	loaded := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			return apperrors.InternalError("reading skill document "+path, err)
		}
		skill, err := parseSkillDocument(entry.Name(), data)
		if err != nil {
			r.logger.Warn("skipping malformed skill document",
				zap.String("path", path),
				zap.Error(err))
			continue
		}
		skill.UpdatedAt = r.now()
		r.skills[skill.Name] = skill
		loaded++
	}

	r.logger.Info("skill documents loaded", zap.String("dir", dir), zap.Int("count", loaded))
	return nil
}

// parseSkillDocument splits an optional YAML frontmatter block from the
// template body. Without frontmatter the whole file is the template and the
// name derives from the filename.
func parseSkillDocument(filename string, data []byte) (*v1.Skill, error) {
	content := strings.ReplaceAll(string(data), "\r\n", "\n")
	name := strings.TrimSuffix(filename, ".md")
	skill := &v1.Skill{Name: name, Source: v1.SkillSourceFile}

	if strings.HasPrefix(content, "---\n") {
		rest := content[len("---\n"):]
		end := strings.Index(rest, "\n---")
		if end < 0 {
			return nil, apperrors.BadRequest("unterminated frontmatter in " + filename)
		}
		var meta skillFrontmatter
		if err := yaml.Unmarshal([]byte(rest[:end]), &meta); err != nil {
			return nil, apperrors.BadRequest("invalid frontmatter in " + filename + ": " + err.Error())
		}
		if meta.Name != "" {
			skill.Name = meta.Name
		}
		skill.Description = meta.Description

		body := rest[end+len("\n---"):]
		body = strings.TrimPrefix(body, "\n")
		skill.Template = body
	} else {
		skill.Template = content
	}

	if strings.TrimSpace(skill.Template) == "" {
		return nil, apperrors.BadRequest("skill document " + filename + " has an empty template")
	}
	return skill, nil
}

// List returns all skills sorted by name.
func (r *Registry) List() []v1.Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]v1.Skill, 0, len(r.skills))
	for _, s := range r.skills {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Get returns one skill by name.
func (r *Registry) Get(name string) (*v1.Skill, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.skills[name]
	if !ok {
		return nil, apperrors.NotFound("skill", name)
	}
	out := *s
	return &out, nil
}

// Create registers a new skill. The name must be unused.
func (r *Registry) Create(name, description, template string) (*v1.Skill, error) {
	if name == "" {
		return nil, apperrors.ValidationError("name", "must not be empty")
	}
	if template == "" {
		return nil, apperrors.ValidationError("template", "must not be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.skills[name]; exists {
		return nil, apperrors.Conflict("skill '" + name + "' already exists")
	}
	s := &v1.Skill{
		Name:        name,
		Description: description,
		Template:    template,
		Source:      v1.SkillSourceAPI,
		UpdatedAt:   r.now(),
	}
	r.skills[name] = s
	out := *s
	return &out, nil
}

// Update replaces a skill's description and template. Empty fields keep
// their current value.
func (r *Registry) Update(name, description, template string) (*v1.Skill, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.skills[name]
	if !ok {
		return nil, apperrors.NotFound("skill", name)
	}
	if description != "" {
		s.Description = description
	}
	if template != "" {
		s.Template = template
	}
	s.UpdatedAt = r.now()
	out := *s
	return &out, nil
}

// Delete removes a skill by name.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.skills[name]; !ok {
		return apperrors.NotFound("skill", name)
	}
	delete(r.skills, name)
	return nil
}

// Invoke materializes a skill's template with the given arguments. Every
// {{key}} placeholder must be covered; the error lists any that are not.
func (r *Registry) Invoke(name string, args map[string]string) (string, error) {
	skill, err := r.Get(name)
	if err != nil {
		return "", err
	}

	missing := map[string]bool{}
	result := placeholderPattern.ReplaceAllStringFunc(skill.Template, func(match string) string {
		key := placeholderPattern.FindStringSubmatch(match)[1]
		value, ok := args[key]
		if !ok {
			missing[key] = true
			return match
		}
		return value
	})

	if len(missing) > 0 {
		keys := make([]string, 0, len(missing))
		for k := range missing {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return "", apperrors.ValidationError("args", "missing: "+strings.Join(keys, ", "))
	}
	return result, nil
}
