package fs

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/viant/afs"
	"github.com/viant/afs/file"
	"github.com/viant/afs/option"
	"github.com/viant/afs/url"
	"gopkg.in/yaml.v3"
)

// Service implements a filesystem-backed definition registry.  Definitions
// are stored as YAML documents under basePath and cached after first load.
// Refresh discards the cache so that edited files are picked up on the next
// Load (hot swap).
type Service struct {
	basePath string
	fs       afs.Service
	cache    map[string]*model.ProcessDefinition
	mu       sync.RWMutex
}

var _ definition.Service = (*Service)(nil)
var _ definition.Refresher = (*Service)(nil)

// Load retrieves a definition by name, reading it from the filesystem when
// not cached.
func (s *Service) Load(ctx context.Context, name string) (*model.ProcessDefinition, error) {
	if name == "" {
		return nil, dao.ErrInvalidID
	}

	s.mu.RLock()
	cached, ok := s.cache[name]
	s.mu.RUnlock()
	if ok {
		return cached, nil
	}

	filePath := s.definitionPath(name)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to check if definition exists: %w", err)
	}
	if !exists {
		return nil, dao.ErrNotFound
	}

	data, err := s.fs.DownloadWithURL(ctx, filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read definition file: %w", err)
	}

	def, err := s.decode(filePath, data)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.cache[def.Name] = def
	s.mu.Unlock()
	return def, nil
}

// List returns all definitions stored under basePath.
func (s *Service) List(ctx context.Context) ([]*model.ProcessDefinition, error) {
	objects, err := s.fs.List(ctx, s.basePath, option.NewRecursive(true))
	if err != nil {
		return nil, fmt.Errorf("failed to list definition files: %w", err)
	}

	var definitions []*model.ProcessDefinition
	for _, object := range objects {
		if object.IsDir() {
			continue
		}
		ext := filepath.Ext(object.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}

		data, err := s.fs.Download(ctx, object)
		if err != nil {
			continue
		}
		def, err := s.decode(object.URL(), data)
		if err != nil {
			continue
		}
		definitions = append(definitions, def)
	}
	return definitions, nil
}

// Upsert writes a definition to the filesystem and replaces the cache entry.
func (s *Service) Upsert(ctx context.Context, def *model.ProcessDefinition) error {
	if def == nil {
		return dao.ErrNilEntity
	}
	if def.Name == "" {
		return dao.ErrInvalidID
	}

	data, err := yaml.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	filePath := s.definitionPath(def.Name)
	if err := s.fs.Upload(ctx, filePath, file.DefaultFileOsMode, strings.NewReader(string(data))); err != nil {
		return fmt.Errorf("failed to save definition to file %s: %w", filePath, err)
	}

	s.mu.Lock()
	s.cache[def.Name] = def
	s.mu.Unlock()
	return nil
}

// Delete removes a definition file and evicts the cache entry.
func (s *Service) Delete(ctx context.Context, name string) error {
	if name == "" {
		return dao.ErrInvalidID
	}

	filePath := s.definitionPath(name)
	exists, err := s.fs.Exists(ctx, filePath)
	if err != nil {
		return fmt.Errorf("failed to check if definition exists: %w", err)
	}
	if !exists {
		return dao.ErrNotFound
	}
	if err := s.fs.Delete(ctx, filePath); err != nil {
		return fmt.Errorf("failed to delete definition file %s: %w", filePath, err)
	}

	s.mu.Lock()
	delete(s.cache, name)
	s.mu.Unlock()
	return nil
}

// Refresh discards all cached definitions.
func (s *Service) Refresh(_ context.Context) error {
	s.mu.Lock()
	s.cache = make(map[string]*model.ProcessDefinition)
	s.mu.Unlock()
	return nil
}

func (s *Service) decode(URL string, data []byte) (*model.ProcessDefinition, error) {
	def, err := definition.DecodeYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse definition from %s: %w", URL, err)
	}
	if def.Name == "" {
		base := filepath.Base(URL)
		def.Name = strings.TrimSuffix(base, filepath.Ext(base))
	}
	if def.Source == nil {
		def.Source = &model.Source{URL: URL}
	}
	return def, nil
}

func (s *Service) definitionPath(name string) string {
	return path.Join(s.basePath, fmt.Sprintf("%s.yaml", name))
}

// New creates a new filesystem definition registry.
func New(basePath string) (*Service, error) {
	if basePath == "" {
		return nil, fmt.Errorf("base path cannot be empty")
	}

	fs := afs.New()

	ctx := context.Background()
	exists, _ := fs.Exists(ctx, basePath)
	if !exists {
		if err := fs.Create(ctx, basePath, file.DefaultDirOsMode, true); err != nil {
			return nil, fmt.Errorf("failed to create base directory: %w", err)
		}
	}

	basePath = url.Normalize(basePath, file.Scheme)

	return &Service{
		basePath: basePath,
		fs:       fs,
		cache:    make(map[string]*model.ProcessDefinition),
	}, nil
}
