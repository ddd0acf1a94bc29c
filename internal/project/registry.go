// Package project manages projects stored in a taskvault data directory:
// the global registry (config.json), each project's documents, and the
// background tasks derived from them.
package project

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/filestore"
)

// RegistryVersion is the schema version written to config.json.
const RegistryVersion = 1

// Project is a registered project. The same record is stored in the
// registry and as the project's project.json.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Goal      string    `json:"goal,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Registry is the global config.json document.
type Registry struct {
	Version         int       `json:"version"`
	ActiveProjectID string    `json:"activeProjectId,omitempty"`
	Projects        []Project `json:"projects"`
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{Version: RegistryVersion, Projects: []Project{}}
}

// Register adds p. IDs must be unique.
func (r *Registry) Register(p Project) error {
	for _, existing := range r.Projects {
		if existing.ID == p.ID {
			return fmt.Errorf("project %s already registered", p.ID)
		}
	}
	r.Projects = append(r.Projects, p)
	return nil
}

// Unregister removes a project and clears it as the active project.
func (r *Registry) Unregister(id string) error {
	for i, p := range r.Projects {
		if p.ID == id {
			r.Projects = append(r.Projects[:i], r.Projects[i+1:]...)
			if r.ActiveProjectID == id {
				r.ActiveProjectID = ""
			}
			return nil
		}
	}
	return projectNotFound(id)
}

// Get returns a project by ID.
func (r *Registry) Get(id string) (*Project, error) {
	for _, p := range r.Projects {
		if p.ID == id {
			return &p, nil
		}
	}
	return nil, projectNotFound(id)
}

// List returns all registered projects.
func (r *Registry) List() []Project {
	return r.Projects
}

func projectNotFound(id string) error {
	e := verrors.ErrDocumentNotFound("projects/" + id)
	e.What = fmt.Sprintf("project %s not found", id)
	e.Fix = "Run 'taskvault init <name>' to create it"
	return e
}

var nonSlug = regexp.MustCompile(`[^a-z0-9]+`)

// generateID derives a readable, unique ID from the name and creation time.
func generateID(name string, created time.Time) string {
	slug := strings.Trim(nonSlug.ReplaceAllString(strings.ToLower(name), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		slug = "project"
	}
	sum := filestore.FormatChecksum(filestore.Checksum([]byte(name + "\x00" + created.UTC().Format(time.RFC3339Nano))))
	return slug + "-" + sum[:8]
}
