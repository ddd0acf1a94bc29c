package project

import (
	"archive/tar"
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/spf13/afero"
	"golang.org/x/crypto/blake2b"
	"golang.org/x/sync/errgroup"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/filestore"
	"github.com/randalmurphal/taskvault/internal/queue"
	"github.com/randalmurphal/taskvault/internal/store"
	"github.com/randalmurphal/taskvault/internal/tasktree"
	"github.com/randalmurphal/taskvault/internal/txn"
	"github.com/randalmurphal/taskvault/internal/util"
)

// Background task kinds.
const (
	TaskArchive   = "archive"
	TaskSyncState = "sync-state"
	TaskWarmCache = "warm-cache"
)

// warmConcurrency bounds parallel loads while warming the cache.
const warmConcurrency = 4

type taskSpec struct {
	difficulty int
	estimate   time.Duration
	run        func(s *Service, ctx context.Context, id string) error
}

var taskSpecs = map[string]taskSpec{
	TaskArchive: {difficulty: 5, estimate: 30 * time.Second, run: func(s *Service, ctx context.Context, id string) error {
		_, err := s.Archive(ctx, id)
		return err
	}},
	TaskSyncState: {difficulty: 2, estimate: 5 * time.Second, run: func(s *Service, ctx context.Context, id string) error {
		_, err := s.SyncState(ctx, id)
		return err
	}},
	TaskWarmCache: {difficulty: 1, estimate: 5 * time.Second, run: func(s *Service, ctx context.Context, id string) error {
		_, err := s.WarmCache(ctx, id)
		return err
	}},
}

// Enqueue submits a background task of the given kind for project id.
func (s *Service) Enqueue(kind, id string, priority int) (bool, error) {
	spec, ok := taskSpecs[kind]
	if !ok {
		return false, fmt.Errorf("unknown task kind %q", kind)
	}
	if err := store.ValidateID("project id", id); err != nil {
		return false, err
	}
	return s.store.QueueTask(queue.Task{
		Type:              kind,
		Data:              id,
		Priority:          priority,
		Difficulty:        spec.difficulty,
		EstimatedDuration: spec.estimate,
		Handler: func(ctx context.Context, data any) error {
			projectID, ok := data.(string)
			if !ok {
				return fmt.Errorf("%s task: unexpected data %T", kind, data)
			}
			return spec.run(s, ctx, projectID)
		},
	})
}

// ArchiveEntry describes one document inside an archive.
type ArchiveEntry struct {
	Path     string `json:"path"`
	Size     int    `json:"size"`
	Checksum string `json:"checksum"`
}

// ArchiveRecord describes a tar+zstd snapshot of a project.
type ArchiveRecord struct {
	Archive   string         `json:"archive"`
	CreatedAt time.Time      `json:"createdAt"`
	Digest    string         `json:"digest"`
	Size      int            `json:"size"`
	Files     []ArchiveEntry `json:"files"`
}

// Archives is the document stored as archives.json.
type Archives struct {
	Archives []ArchiveRecord `json:"archives"`
}

// Archive writes every document of project id to
// <root>/archives/<id>-<timestamp>.tar.zst and records the archive, with
// its blake2b digest, in the project's archives.json.
func (s *Service) Archive(ctx context.Context, id string) (*ArchiveRecord, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	docs, err := s.store.Documents(id)
	if err != nil {
		return nil, err
	}

	now := s.store.Clock().Now().UTC()
	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	tw := tar.NewWriter(enc)

	files := make([]ArchiveEntry, 0, len(docs))
	for _, d := range docs {
		if d.PathName == "" && d.Filename == ArchiveFile {
			continue
		}
		if err := ctx.Err(); err != nil {
			enc.Close()
			return nil, err
		}
		data, err := s.store.Load(ctx, d)
		if err != nil {
			enc.Close()
			return nil, fmt.Errorf("archive %s: %w", d, err)
		}
		if data == nil {
			continue
		}
		name := filepath.ToSlash(d.String())
		hdr := &tar.Header{Name: name, Mode: 0o644, Size: int64(len(data)), ModTime: now}
		if err := tw.WriteHeader(hdr); err != nil {
			enc.Close()
			return nil, fmt.Errorf("write tar header: %w", err)
		}
		if _, err := tw.Write(data); err != nil {
			enc.Close()
			return nil, fmt.Errorf("write tar entry: %w", err)
		}
		files = append(files, ArchiveEntry{
			Path:     name,
			Size:     len(data),
			Checksum: filestore.FormatChecksum(filestore.Checksum(data)),
		})
	}
	if err := tw.Close(); err != nil {
		enc.Close()
		return nil, fmt.Errorf("close tar: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("close zstd: %w", err)
	}

	digest := blake2b.Sum256(buf.Bytes())
	name := fmt.Sprintf("%s-%s.tar.zst", id, now.Format("20060102T150405.000000000Z"))
	dir := filepath.Join(s.store.Root(), store.ArchivesDir)
	if err := s.store.Fs().MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive directory: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := util.AtomicWriteFile(s.store.Fs(), path, buf.Bytes(), 0o644); err != nil {
		return nil, fmt.Errorf("write archive: %w", err)
	}

	rec := ArchiveRecord{
		Archive:   filepath.ToSlash(filepath.Join(store.ArchivesDir, name)),
		CreatedAt: now,
		Digest:    hex.EncodeToString(digest[:]),
		Size:      buf.Len(),
		Files:     files,
	}
	if err := s.recordArchive(ctx, id, rec); err != nil {
		return nil, err
	}
	s.logger.Info("project archived", "project_id", id, "archive", rec.Archive, "files", len(files))
	return &rec, nil
}

func (s *Service) recordArchive(ctx context.Context, id string, rec ArchiveRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var list Archives
	if _, err := s.store.LoadInto(ctx, store.ProjectDoc(id, ArchiveFile), &list); err != nil {
		return err
	}
	list.Archives = append(list.Archives, rec)

	h, err := s.appendHistory(ctx, id, HistoryEntry{At: rec.CreatedAt, Action: "archived", Detail: rec.Archive})
	if err != nil {
		return err
	}

	tx := s.store.Begin(txn.WithTopic("project"))
	err = s.stage(ctx, tx,
		func() error { return s.store.SaveProjectData(ctx, id, ArchiveFile, list, tx) },
		func() error { return s.store.SaveProjectData(ctx, id, HistoryFile, h, tx) },
	)
	if err != nil {
		return err
	}
	return s.store.Commit(ctx, tx)
}

// Archives lists the archives recorded for project id.
func (s *Service) Archives(ctx context.Context, id string) ([]ArchiveRecord, error) {
	var list Archives
	if _, err := s.store.LoadInto(ctx, store.ProjectDoc(id, ArchiveFile), &list); err != nil {
		return nil, err
	}
	return list.Archives, nil
}

// ReadArchive verifies rec's digest and returns the archived documents
// keyed by their path relative to the data directory.
func (s *Service) ReadArchive(rec ArchiveRecord) (map[string][]byte, error) {
	path := filepath.Join(s.store.Root(), filepath.FromSlash(rec.Archive))
	raw, err := afero.ReadFile(s.store.Fs(), path)
	if err != nil {
		return nil, fmt.Errorf("read archive: %w", err)
	}
	digest := blake2b.Sum256(raw)
	if hex.EncodeToString(digest[:]) != rec.Digest {
		return nil, verrors.ErrDocumentCorrupt(rec.Archive, errors.New("archive digest mismatch"))
	}

	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, verrors.ErrDocumentCorrupt(rec.Archive, err)
	}
	defer dec.Close()

	out := make(map[string][]byte, len(rec.Files))
	tr := tar.NewReader(dec)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, verrors.ErrDocumentCorrupt(rec.Archive, err)
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return nil, verrors.ErrDocumentCorrupt(rec.Archive, err)
		}
		out[hdr.Name] = data
	}
	return out, nil
}

// State is the document stored as state.json: a summary of the project's
// documents for external consumers.
type State struct {
	ProjectID      string                  `json:"projectId"`
	Name           string                  `json:"name"`
	Documents      int                     `json:"documents"`
	Tasks          int                     `json:"tasks"`
	TasksByStatus  map[tasktree.Status]int `json:"tasksByStatus"`
	HistoryEntries int                     `json:"historyEntries"`
	LastActivity   time.Time               `json:"lastActivity"`
	SyncedAt       time.Time               `json:"syncedAt"`
}

// SyncState recomputes and stores state.json for project id.
func (s *Service) SyncState(ctx context.Context, id string) (*State, error) {
	p, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	tree, err := s.TaskTree(ctx, id)
	if err != nil {
		return nil, err
	}
	h, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	docs, err := s.store.Documents(id)
	if err != nil {
		return nil, err
	}

	st := &State{
		ProjectID:      id,
		Name:           p.Name,
		Documents:      len(docs),
		Tasks:          len(tree.Tasks),
		TasksByStatus:  make(map[tasktree.Status]int),
		HistoryEntries: len(h.Entries),
		SyncedAt:       s.store.Clock().Now().UTC(),
	}
	for _, n := range tree.Tasks {
		status := n.Status
		if status == "" {
			status = tasktree.StatusPending
		}
		st.TasksByStatus[status]++
	}
	if n := len(h.Entries); n > 0 {
		st.LastActivity = h.Entries[n-1].At
	}

	if err := s.store.SaveProjectData(ctx, id, StateFile, st, nil); err != nil {
		return nil, fmt.Errorf("save state: %w", err)
	}
	return st, nil
}

// WarmCache loads every document of project id so later reads hit the
// cache. It returns the number of documents loaded.
func (s *Service) WarmCache(ctx context.Context, id string) (int, error) {
	docs, err := s.store.Documents(id)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(warmConcurrency)
	for _, d := range docs {
		g.Go(func() error {
			if _, err := s.store.Load(ctx, d); err != nil {
				return fmt.Errorf("warm %s: %w", d, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(docs), nil
}
