package project

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	verrors "github.com/randalmurphal/taskvault/internal/errors"
	"github.com/randalmurphal/taskvault/internal/store"
	"github.com/randalmurphal/taskvault/internal/tasktree"
	"github.com/randalmurphal/taskvault/internal/txn"
)

// Project document names.
const (
	ProjectFile = "project.json"
	TasksFile   = "tasks.json"
	HistoryFile = "history.json"
	StateFile   = "state.json"
	ArchiveFile = "archives.json"
)

// HistoryEntry records one change to a project.
type HistoryEntry struct {
	At     time.Time `json:"at"`
	Action string    `json:"action"`
	Detail string    `json:"detail,omitempty"`
}

// History is the document stored as history.json.
type History struct {
	Entries []HistoryEntry `json:"entries"`
}

// Service creates and updates projects. Read-modify-write operations are
// serialized within the service; transactions give cross-document
// atomicity.
type Service struct {
	store    *store.Store
	logger   *slog.Logger
	maxDepth int

	mu sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMaxDepth bounds the task tree cycle walk.
func WithMaxDepth(depth int) Option {
	return func(s *Service) {
		if depth > 0 {
			s.maxDepth = depth
		}
	}
}

// NewService creates a Service over st.
func NewService(st *store.Store, opts ...Option) *Service {
	s := &Service{
		store:    st,
		logger:   st.Logger(),
		maxDepth: tasktree.DefaultMaxDepth,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Registry loads config.json through migration. Legacy documents are
// rewritten in canonical form once.
func (s *Service) Registry(ctx context.Context) (*Registry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.registry(ctx)
}

func (s *Service) registry(ctx context.Context) (*Registry, error) {
	data, err := s.store.LoadRegistry(ctx)
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	reg, changed, err := MigrateRegistry(data)
	if err != nil {
		return nil, err
	}
	if changed && data != nil {
		tx := s.store.Begin(txn.WithTopic("migrate"))
		if err := s.store.SaveRegistry(ctx, reg, tx); err != nil {
			s.store.Rollback(tx)
			return nil, fmt.Errorf("stage migrated registry: %w", err)
		}
		if err := s.store.Commit(ctx, tx); err != nil {
			return nil, fmt.Errorf("persist migrated registry: %w", err)
		}
		s.logger.Info("migrated registry to canonical schema", "version", reg.Version)
	}
	return reg, nil
}

// CreateProject registers a new project and writes its initial documents
// (registry, project, task tree, history) in one transaction. The first
// project becomes the active one.
func (s *Service) CreateProject(ctx context.Context, name, goal string) (*Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, verrors.ErrInvalidPath("project name", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.registry(ctx)
	if err != nil {
		return nil, err
	}

	now := s.store.Clock().Now().UTC()
	p := Project{
		ID:        generateID(name, now),
		Name:      name,
		Goal:      goal,
		CreatedAt: now,
	}
	if err := reg.Register(p); err != nil {
		return nil, err
	}
	if reg.ActiveProjectID == "" {
		reg.ActiveProjectID = p.ID
	}

	history := History{Entries: []HistoryEntry{{At: now, Action: "created", Detail: name}}}
	tx := s.store.Begin(txn.WithTopic("project"))
	err = s.stage(ctx, tx,
		func() error { return s.store.SaveRegistry(ctx, reg, tx) },
		func() error { return s.store.SaveProjectData(ctx, p.ID, ProjectFile, p, tx) },
		func() error { return s.store.SaveProjectData(ctx, p.ID, TasksFile, tasktree.Tree{Tasks: []tasktree.Node{}}, tx) },
		func() error { return s.store.SaveProjectData(ctx, p.ID, HistoryFile, history, tx) },
	)
	if err != nil {
		return nil, err
	}
	if err := s.store.Commit(ctx, tx); err != nil {
		return nil, fmt.Errorf("create project %s: %w", p.ID, err)
	}

	s.logger.Info("project created", "project_id", p.ID, "name", name)
	return &p, nil
}

// stage runs each staging step, rolling tx back on the first failure.
func (s *Service) stage(ctx context.Context, tx *txn.Transaction, steps ...func() error) error {
	for _, step := range steps {
		if err := step(); err != nil {
			s.store.Rollback(tx)
			return err
		}
	}
	return nil
}

// Get loads a project's project.json.
func (s *Service) Get(ctx context.Context, id string) (*Project, error) {
	data, err := s.store.LoadProjectData(ctx, id, ProjectFile)
	if err != nil {
		return nil, err
	}
	if data == nil {
		return nil, projectNotFound(id)
	}
	data, _, err = MigrateProject(data)
	if err != nil {
		return nil, err
	}
	var p Project
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, verrors.ErrDocumentCorrupt(id+"/"+ProjectFile, err)
	}
	return &p, nil
}

// List returns every registered project.
func (s *Service) List(ctx context.Context) ([]Project, error) {
	reg, err := s.Registry(ctx)
	if err != nil {
		return nil, err
	}
	return reg.List(), nil
}

// SetActiveProject marks id as the active project.
func (s *Service) SetActiveProject(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	reg, err := s.registry(ctx)
	if err != nil {
		return err
	}
	if _, err := reg.Get(id); err != nil {
		return err
	}
	if reg.ActiveProjectID == id {
		return nil
	}
	reg.ActiveProjectID = id
	return s.store.SaveRegistry(ctx, reg, nil)
}

// ActiveProject returns the active project, or nil when none is set.
func (s *Service) ActiveProject(ctx context.Context) (*Project, error) {
	reg, err := s.Registry(ctx)
	if err != nil {
		return nil, err
	}
	if reg.ActiveProjectID == "" {
		return nil, nil
	}
	return s.Get(ctx, reg.ActiveProjectID)
}

// History loads a project's history.
func (s *Service) History(ctx context.Context, id string) (*History, error) {
	var h History
	if _, err := s.store.LoadInto(ctx, store.ProjectDoc(id, HistoryFile), &h); err != nil {
		return nil, err
	}
	if h.Entries == nil {
		h.Entries = []HistoryEntry{}
	}
	return &h, nil
}

// AppendHistory adds an entry to a project's history.
func (s *Service) AppendHistory(ctx context.Context, id string, entry HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.appendHistory(ctx, id, entry)
	if err != nil {
		return err
	}
	return s.store.SaveProjectData(ctx, id, HistoryFile, h, nil)
}

func (s *Service) appendHistory(ctx context.Context, id string, entry HistoryEntry) (*History, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	h, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}
	if entry.At.IsZero() {
		entry.At = s.store.Clock().Now().UTC()
	}
	h.Entries = append(h.Entries, entry)
	return h, nil
}

// TaskTree loads a project's task tree.
func (s *Service) TaskTree(ctx context.Context, id string) (*tasktree.Tree, error) {
	var t tasktree.Tree
	if _, err := s.store.LoadInto(ctx, store.ProjectDoc(id, TasksFile), &t); err != nil {
		return nil, err
	}
	if t.Tasks == nil {
		t.Tasks = []tasktree.Node{}
	}
	return &t, nil
}

// UpdateTaskTree validates and stores a new task tree together with a
// history entry. Trees with unknown references or cycles are rejected
// before anything is written.
func (s *Service) UpdateTaskTree(ctx context.Context, id string, tree *tasktree.Tree) error {
	if err := tree.Validate(s.maxDepth); err != nil {
		return fmt.Errorf("update task tree for %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.appendHistory(ctx, id, HistoryEntry{
		Action: "tasks_updated",
		Detail: fmt.Sprintf("%d tasks", len(tree.Tasks)),
	})
	if err != nil {
		return err
	}

	tx := s.store.Begin(txn.WithTopic("project"))
	err = s.stage(ctx, tx,
		func() error { return s.store.SaveProjectData(ctx, id, TasksFile, tree, tx) },
		func() error { return s.store.SaveProjectData(ctx, id, HistoryFile, h, tx) },
	)
	if err != nil {
		return err
	}
	return s.store.Commit(ctx, tx)
}

// MigrationReport summarizes a MigrateAll run.
type MigrationReport struct {
	Projects int      `json:"projects"`
	Migrated []string `json:"migrated"`
}

// MigrateAll rewrites the registry and every project.json still using
// legacy key spellings.
func (s *Service) MigrateAll(ctx context.Context) (*MigrationReport, error) {
	reg, err := s.Registry(ctx)
	if err != nil {
		return nil, err
	}

	report := &MigrationReport{Projects: len(reg.Projects), Migrated: []string{}}
	for _, p := range reg.Projects {
		data, err := s.store.LoadProjectData(ctx, p.ID, ProjectFile)
		if err != nil {
			return report, err
		}
		out, changed, err := MigrateProject(data)
		if err != nil {
			return report, err
		}
		if !changed {
			continue
		}
		if err := s.store.SaveProjectData(ctx, p.ID, ProjectFile, json.RawMessage(out), nil); err != nil {
			return report, fmt.Errorf("migrate %s: %w", p.ID, err)
		}
		report.Migrated = append(report.Migrated, p.ID)
	}
	if len(report.Migrated) > 0 {
		s.logger.Info("migrated project documents", "count", len(report.Migrated))
	}
	return report, nil
}
