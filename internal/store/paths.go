package store

import (
	"path/filepath"
	"regexp"
	"strings"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
)

// On-disk layout under the data directory:
//
//	<root>/config.json
//	<root>/error.log
//	<root>/projects/<projectId>/<filename>.json
//	<root>/projects/<projectId>/paths/<pathName>/<filename>.json
const (
	RegistryFile = "config.json"
	ErrorLogFile = "error.log"
	ProjectsDir  = "projects"
	PathsDir     = "paths"
	ArchivesDir  = "archives"
	jsonExt      = ".json"
)

var idPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// Doc identifies a document. PathName is empty for project-level documents.
type Doc struct {
	ProjectID string `json:"project_id"`
	PathName  string `json:"path_name,omitempty"`
	Filename  string `json:"filename"`
}

// ProjectDoc names a project-level document.
func ProjectDoc(projectID, filename string) Doc {
	return Doc{ProjectID: projectID, Filename: filename}
}

// PathDoc names a document under a project's path.
func PathDoc(projectID, pathName, filename string) Doc {
	return Doc{ProjectID: projectID, PathName: pathName, Filename: filename}
}

// String returns the document's path relative to the data directory.
func (d Doc) String() string {
	rel, err := d.rel()
	if err != nil {
		return d.ProjectID + "/" + d.PathName + "/" + d.Filename
	}
	return rel
}

// rel validates d and returns its slash-free relative location.
func (d Doc) rel() (string, error) {
	if err := ValidateID("project id", d.ProjectID); err != nil {
		return "", err
	}
	name, err := normalizeFilename(d.Filename)
	if err != nil {
		return "", err
	}
	if d.PathName == "" {
		return filepath.Join(ProjectsDir, d.ProjectID, name), nil
	}
	if err := ValidateID("path name", d.PathName); err != nil {
		return "", err
	}
	return filepath.Join(ProjectsDir, d.ProjectID, PathsDir, d.PathName, name), nil
}

// ValidateID rejects identifiers that could escape their directory.
func ValidateID(kind, value string) error {
	if !idPattern.MatchString(value) || strings.Contains(value, "..") {
		return verrors.ErrInvalidPath(kind, value)
	}
	return nil
}

// normalizeFilename appends .json when missing.
func normalizeFilename(name string) (string, error) {
	base := strings.TrimSuffix(name, jsonExt)
	if err := ValidateID("filename", base); err != nil {
		return "", err
	}
	return base + jsonExt, nil
}

// ProjectDir returns the directory holding a project's documents.
func (s *Store) ProjectDir(projectID string) (string, error) {
	if err := ValidateID("project id", projectID); err != nil {
		return "", err
	}
	return filepath.Join(s.root, ProjectsDir, projectID), nil
}

// RegistryPath returns the path of the global project registry.
func (s *Store) RegistryPath() string {
	return filepath.Join(s.root, RegistryFile)
}

// ErrorLogPath returns the path of the persisted error log.
func (s *Store) ErrorLogPath() string {
	return filepath.Join(s.root, ErrorLogFile)
}

// Path resolves d to an absolute file path.
func (s *Store) Path(d Doc) (string, error) {
	rel, err := d.rel()
	if err != nil {
		return "", err
	}
	return filepath.Join(s.root, rel), nil
}
