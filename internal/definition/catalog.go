package definition

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/jonathan/storyforge/internal/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Catalog holds every definition version it has seen.
// Replacing a definition adds a version; older versions stay resolvable so runs that
// started against them keep advancing against the same steps.
// Returned definitions are shared and must not be mutated.
type Catalog struct {
	mu       sync.RWMutex
	versions map[string]map[string]*types.PipelineDefinition
	latest   map[string]string
	logger   zerolog.Logger
}

// NewCatalog creates an empty catalog.
func NewCatalog(logger zerolog.Logger) *Catalog {
	return &Catalog{
		versions: make(map[string]map[string]*types.PipelineDefinition),
		latest:   make(map[string]string),
		logger:   logger,
	}
}

// Put validates def and registers it as the latest version of its id.
func (c *Catalog) Put(def *types.PipelineDefinition) (*types.PipelineDefinition, error) {
	if err := Validate(def); err != nil {
		return nil, err
	}
	version, err := Version(def)
	if err != nil {
		return nil, err
	}

	stored := *def
	stored.Steps = append([]types.StepDefinition(nil), def.Steps...)
	stored.Version = version

	c.mu.Lock()
	defer c.mu.Unlock()
	byVersion, ok := c.versions[def.ID]
	if !ok {
		byVersion = make(map[string]*types.PipelineDefinition)
		c.versions[def.ID] = byVersion
	}
	if existing, ok := byVersion[version]; ok {
		c.latest[def.ID] = version
		return existing, nil
	}
	byVersion[version] = &stored
	c.latest[def.ID] = version
	return &stored, nil
}

// Get returns a specific version. An empty version means the latest.
func (c *Catalog) Get(id, version string) (*types.PipelineDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if version == "" {
		version = c.latest[id]
	}
	if def, ok := c.versions[id][version]; ok {
		return def, nil
	}
	return nil, &types.NotFoundError{Resource: "definition", ID: id + "@" + version}
}

// Latest returns the most recently registered version of id.
func (c *Catalog) Latest(id string) (*types.PipelineDefinition, error) {
	return c.Get(id, "")
}

// List returns the latest version of every definition, ordered by id.
func (c *Catalog) List() []*types.PipelineDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*types.PipelineDefinition, 0, len(c.latest))
	for id, v := range c.latest {
		out = append(out, c.versions[id][v])
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LoadDir registers every definition file in dir. Valid files are registered even when
// others fail; the failures are returned joined.
func (c *Catalog) LoadDir(ctx context.Context, dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read definitions dir %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if _, ok := FormatFromPath(e.Name()); ok {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}

	defs := make([]*types.PipelineDefinition, len(paths))
	errs := make([]error, len(paths))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, path := range paths {
		g.Go(func() error {
			defs[i], errs[i] = ReadFile(path)
			return nil
		})
	}
	_ = g.Wait()

	loaded := 0
	for i, def := range defs {
		if errs[i] != nil {
			continue
		}
		if _, err := c.Put(def); err != nil {
			errs[i] = fmt.Errorf("%s: %w", paths[i], err)
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Watch reloads definition files in dir as they change until ctx is done.
// Invalid files are logged and skipped; the previous version stays registered.
func (c *Catalog) Watch(ctx context.Context, dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close() //nolint:errcheck

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	c.logger.Info().Str("dir", dir).Msg("watching definitions")

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}
			if _, ok := FormatFromPath(ev.Name); !ok {
				continue
			}
			c.reload(ev.Name)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Warn().Err(err).Msg("definition watcher error")
		}
	}
}

func (c *Catalog) reload(path string) {
	def, err := ReadFile(path)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("skipping invalid definition")
		return
	}
	stored, err := c.Put(def)
	if err != nil {
		c.logger.Warn().Err(err).Str("path", path).Msg("skipping invalid definition")
		return
	}
	c.logger.Info().Str("definition_id", stored.ID).Str("version", stored.Version).Msg("definition reloaded")
}
