package project

import (
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/tidwall/gjson"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
)

// rename maps a legacy key to its canonical spelling.
type rename struct {
	from, to string
}

var (
	registryRenames = []rename{
		{"current_project", "activeProjectId"},
		{"activeProject", "activeProjectId"},
	}
	projectRenames = []rename{
		{"project_id", "id"},
		{"created", "createdAt"},
	}
)

// MigrateRegistry decodes config.json, mapping legacy key spellings to the
// canonical schema. changed reports whether the stored bytes are legacy
// and should be rewritten. nil data yields an empty registry.
func MigrateRegistry(data []byte) (reg *Registry, changed bool, err error) {
	if data == nil {
		return NewRegistry(), false, nil
	}
	if !gjson.ValidBytes(data) {
		return nil, false, verrors.ErrDocumentCorrupt("config.json", fmt.Errorf("invalid JSON"))
	}

	if registryIsLegacy(data) {
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, false, verrors.ErrDocumentCorrupt("config.json", err)
		}
		renameKeys(m, registryRenames)
		if projects, ok := m["projects"].([]any); ok {
			for _, p := range projects {
				if pm, ok := p.(map[string]any); ok {
					renameKeys(pm, projectRenames)
				}
			}
		}
		if data, err = json.Marshal(m); err != nil {
			return nil, false, fmt.Errorf("re-encode registry: %w", err)
		}
		changed = true
	}

	reg = NewRegistry()
	if err := json.Unmarshal(data, reg); err != nil {
		return nil, false, verrors.ErrDocumentCorrupt("config.json", err)
	}
	if reg.Projects == nil {
		reg.Projects = []Project{}
	}
	if reg.Version < RegistryVersion {
		reg.Version = RegistryVersion
		changed = true
	}
	return reg, changed, nil
}

// MigrateProject maps legacy keys in a project.json document. It returns
// the canonical bytes and whether anything changed.
func MigrateProject(data []byte) ([]byte, bool, error) {
	if data == nil || !hasAny(gjson.ParseBytes(data), projectRenames) {
		return data, false, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, false, verrors.ErrDocumentCorrupt("project.json", err)
	}
	renameKeys(m, projectRenames)
	out, err := json.Marshal(m)
	if err != nil {
		return nil, false, fmt.Errorf("re-encode project: %w", err)
	}
	return out, true, nil
}

func registryIsLegacy(data []byte) bool {
	root := gjson.ParseBytes(data)
	if hasAny(root, registryRenames) {
		return true
	}
	legacy := false
	root.Get("projects").ForEach(func(_, p gjson.Result) bool {
		legacy = hasAny(p, projectRenames)
		return !legacy
	})
	return legacy
}

func hasAny(obj gjson.Result, renames []rename) bool {
	for _, r := range renames {
		if obj.Get(r.from).Exists() {
			return true
		}
	}
	return false
}

// renameKeys moves legacy keys to canonical ones. A canonical key that is
// already present wins over its legacy spelling.
func renameKeys(m map[string]any, renames []rename) {
	for _, r := range renames {
		v, ok := m[r.from]
		if !ok {
			continue
		}
		delete(m, r.from)
		if _, exists := m[r.to]; !exists {
			m[r.to] = v
		}
	}
}
