package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	json "github.com/goccy/go-json"
	"github.com/spf13/afero"

	"github.com/randalmurphal/taskvault/internal/boundary"
	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/txn"
)

// Save writes data to d. With a nil tx the write commits on its own;
// otherwise it is staged on tx and becomes visible when tx commits.
// []byte and json.RawMessage values are stored as-is and must hold JSON.
func (s *Store) Save(ctx context.Context, d Doc, data any, tx *txn.Transaction) error {
	path, err := s.Path(d)
	if err != nil {
		return err
	}
	return s.saveAt(ctx, path, data, tx)
}

// Load returns the JSON bytes of d, or nil when it does not exist.
// A document that exists but does not parse returns DOCUMENT_CORRUPT.
func (s *Store) Load(ctx context.Context, d Doc) ([]byte, error) {
	path, err := s.Path(d)
	if err != nil {
		return nil, err
	}
	return s.loadAt(ctx, path)
}

// LoadInto decodes d into v. found is false when d does not exist.
func (s *Store) LoadInto(ctx context.Context, d Doc, v any) (found bool, err error) {
	data, err := s.Load(ctx, d)
	if err != nil || data == nil {
		return false, err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return true, verrors.ErrDocumentCorrupt(d.String(), err)
	}
	return true, nil
}

// SaveProjectData writes projects/<projectID>/<filename>.
func (s *Store) SaveProjectData(ctx context.Context, projectID, filename string, data any, tx *txn.Transaction) error {
	return s.Save(ctx, ProjectDoc(projectID, filename), data, tx)
}

// LoadProjectData reads projects/<projectID>/<filename>.
func (s *Store) LoadProjectData(ctx context.Context, projectID, filename string) ([]byte, error) {
	return s.Load(ctx, ProjectDoc(projectID, filename))
}

// SavePathData writes projects/<projectID>/paths/<pathName>/<filename>.
func (s *Store) SavePathData(ctx context.Context, projectID, pathName, filename string, data any, tx *txn.Transaction) error {
	return s.Save(ctx, PathDoc(projectID, pathName, filename), data, tx)
}

// LoadPathData reads projects/<projectID>/paths/<pathName>/<filename>.
func (s *Store) LoadPathData(ctx context.Context, projectID, pathName, filename string) ([]byte, error) {
	return s.Load(ctx, PathDoc(projectID, pathName, filename))
}

// SaveRegistry writes the global registry (config.json).
func (s *Store) SaveRegistry(ctx context.Context, data any, tx *txn.Transaction) error {
	return s.saveAt(ctx, s.RegistryPath(), data, tx)
}

// LoadRegistry reads the global registry, or nil when absent.
func (s *Store) LoadRegistry(ctx context.Context) ([]byte, error) {
	return s.loadAt(ctx, s.RegistryPath())
}

// Documents lists the documents stored for a project, sorted by path.
func (s *Store) Documents(projectID string) ([]Doc, error) {
	if err := ValidateID("project id", projectID); err != nil {
		return nil, err
	}
	fsys := afero.NewIOFS(afero.NewBasePathFs(s.fs, s.root))
	pattern := ProjectsDir + "/" + projectID + "/**/*" + jsonExt
	matches, err := doublestar.Glob(fsys, pattern, doublestar.WithFilesOnly())
	if err != nil {
		return nil, fmt.Errorf("list documents for %s: %w", projectID, err)
	}
	sort.Strings(matches)

	docs := make([]Doc, 0, len(matches))
	for _, m := range matches {
		if d, ok := parseDoc(m); ok {
			docs = append(docs, d)
		}
	}
	return docs, nil
}

// parseDoc maps a slash-separated relative path back to a Doc.
func parseDoc(rel string) (Doc, bool) {
	parts := strings.Split(rel, "/")
	switch {
	case len(parts) == 3 && parts[0] == ProjectsDir:
		return ProjectDoc(parts[1], parts[2]), true
	case len(parts) == 5 && parts[0] == ProjectsDir && parts[2] == PathsDir:
		return PathDoc(parts[1], parts[3], parts[4]), true
	}
	return Doc{}, false
}

func (s *Store) saveAt(ctx context.Context, path string, data any, tx *txn.Transaction) error {
	payload, err := encode(data)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	if tx != nil {
		return s.txns.StageWrite(ctx, tx, path, payload)
	}
	// Each attempt is a fresh single-write transaction, so retrying is safe.
	return s.boundaries.Execute(ctx, BoundaryWrites, func(ctx context.Context) error {
		return s.txns.Write(ctx, path, payload)
	})
}

func (s *Store) loadAt(ctx context.Context, path string) ([]byte, error) {
	// Corruption is a property of the document, not of the I/O path, so it
	// bypasses the boundary's retry and failure accounting.
	var corrupt error
	data, err := boundary.Do(ctx, s.boundaries.Get(BoundaryReads), func(ctx context.Context) ([]byte, error) {
		data, err := s.cache.Get(path, func() ([]byte, error) {
			return s.files.Read(ctx, path)
		})
		if errors.Is(err, verrors.ErrCorruption) {
			corrupt = err
			return nil, nil
		}
		return data, err
	}, nil)
	if corrupt != nil {
		return nil, corrupt
	}
	return data, err
}

func encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case json.RawMessage:
		return validJSON(v)
	case []byte:
		return validJSON(v)
	default:
		return json.Marshal(data)
	}
}

func validJSON(b []byte) ([]byte, error) {
	if !json.Valid(b) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return b, nil
}
