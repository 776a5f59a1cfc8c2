// Package registry holds the job processors available to the dispatcher.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"slices"
	"sync"

	"github.com/dukex/jobflow/pkg/models"
)

// PluginSymbol is the exported variable a processor plugin must provide.
const PluginSymbol = "Processor"

var (
	ErrNoProcessorFound   = errors.New("no processor found")
	ErrDuplicateProcessor = errors.New("duplicate processor")
	ErrInvalidPlugin      = errors.New("invalid processor plugin")
)

// Processor executes jobs of the task types it declares.
type Processor interface {
	ID() string
	TaskTypes() []models.TaskType
	CanHandle(job *models.Job) bool
	Process(ctx context.Context, job *models.Job) models.JobResult
}

// Registry is an ordered collection of processors. At most one processor may claim a task type.
type Registry struct {
	logger     *slog.Logger
	mu         sync.RWMutex
	processors []Processor
	byTaskType map[models.TaskType]Processor
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		logger:     log.With("module", "registry"),
		byTaskType: make(map[models.TaskType]Processor),
	}
}

// Register adds a processor, rejecting duplicate ids and overlapping task types.
func (r *Registry) Register(processor Processor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.processors {
		if existing.ID() == processor.ID() {
			return fmt.Errorf("%w: processor '%s' already registered", ErrDuplicateProcessor, processor.ID())
		}
	}

	for _, taskType := range processor.TaskTypes() {
		if owner, ok := r.byTaskType[taskType]; ok {
			return fmt.Errorf("%w: task type '%s' is handled by both '%s' and '%s'",
				ErrDuplicateProcessor, taskType, owner.ID(), processor.ID())
		}
	}

	r.processors = append(r.processors, processor)

	for _, taskType := range processor.TaskTypes() {
		r.byTaskType[taskType] = processor
	}

	r.logger.Info("Registered processor", "processor", processor.ID(), "task_types", processor.TaskTypes())

	return nil
}

// MustRegister registers the processor and panics on conflict. Meant for startup wiring.
func (r *Registry) MustRegister(processor Processor) {
	if err := r.Register(processor); err != nil {
		panic(err)
	}
}

// Find returns the first registered processor whose CanHandle accepts the job.
func (r *Registry) Find(job *models.Job) (Processor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, processor := range r.processors {
		if processor.CanHandle(job) {
			return processor, nil
		}
	}

	return nil, fmt.Errorf("%w for task type '%s' (job %s)", ErrNoProcessorFound, job.TaskType, job.ID)
}

// Validate checks every listed task type has a registered processor.
func (r *Registry) Validate(taskTypes ...models.TaskType) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	missing := make([]error, 0)

	for _, taskType := range taskTypes {
		if _, ok := r.byTaskType[taskType]; !ok {
			missing = append(missing, fmt.Errorf("%w for task type '%s'", ErrNoProcessorFound, taskType))
		}
	}

	return errors.Join(missing...)
}

// Processors returns the registered processors in registration order.
func (r *Registry) Processors() []Processor {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return slices.Clone(r.processors)
}

// TaskTypes returns every task type with a registered processor.
func (r *Registry) TaskTypes() []models.TaskType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]models.TaskType, 0, len(r.byTaskType))
	for taskType := range r.byTaskType {
		types = append(types, taskType)
	}

	slices.Sort(types)

	return types
}

// LoadPlugins opens every *.so file under pluginsPath/processors and registers the Processor
// each one exports.
func (r *Registry) LoadPlugins(ctx context.Context, pluginsPath string) error {
	rootPath := filepath.Join(pluginsPath, "processors")

	if _, err := os.Stat(rootPath); os.IsNotExist(err) {
		r.logger.DebugContext(ctx, "No processor plugins directory", "path", rootPath)

		return nil
	}

	pluginPathList, err := fs.Glob(os.DirFS(rootPath), "*.so")
	if err != nil {
		return fmt.Errorf("failed to list processor plugins: %w", err)
	}

	l := r.logger.With(slog.String("path", rootPath))
	l.InfoContext(ctx, "Loading processor plugins", "count", len(pluginPathList))

	for _, p := range pluginPathList {
		plg, err := plugin.Open(filepath.Join(rootPath, p))
		if err != nil {
			return fmt.Errorf("%w: failed to open %s: %w", ErrInvalidPlugin, p, err)
		}

		symbol, err := plg.Lookup(PluginSymbol)
		if err != nil {
			return fmt.Errorf("%w: %s does not export %s: %w", ErrInvalidPlugin, p, PluginSymbol, err)
		}

		processor, ok := asProcessor(symbol)
		if !ok {
			return fmt.Errorf("%w: %s symbol %s is not a registry.Processor", ErrInvalidPlugin, p, PluginSymbol)
		}

		if err := r.Register(processor); err != nil {
			return err
		}

		l.InfoContext(ctx, "Loaded processor plugin", slog.String("plugin", p))
	}

	return nil
}

// Lookup returns a pointer to the exported variable, so both forms are accepted.
func asProcessor(symbol plugin.Symbol) (Processor, bool) {
	switch v := symbol.(type) {
	case Processor:
		return v, true
	case *Processor:
		return *v, true
	default:
		return nil, false
	}
}

// TaskTypeProcessor is a convenience base for processors that handle a fixed set of task types.
type TaskTypeProcessor struct {
	Types []models.TaskType
}

func (p TaskTypeProcessor) TaskTypes() []models.TaskType {
	return p.Types
}

func (p TaskTypeProcessor) CanHandle(job *models.Job) bool {
	return slices.Contains(p.Types, job.TaskType)
}

// ProcessorFunc adapts a function into a Processor.
type ProcessorFunc struct {
	TaskTypeProcessor

	Name string
	Fn   func(ctx context.Context, job *models.Job) models.JobResult
}

func NewProcessorFunc(name string, fn func(ctx context.Context, job *models.Job) models.JobResult, types ...models.TaskType) *ProcessorFunc {
	return &ProcessorFunc{
		TaskTypeProcessor: TaskTypeProcessor{Types: types},
		Name:              name,
		Fn:                fn,
	}
}

func (p *ProcessorFunc) ID() string {
	return p.Name
}

func (p *ProcessorFunc) Process(ctx context.Context, job *models.Job) models.JobResult {
	return p.Fn(ctx, job)
}
