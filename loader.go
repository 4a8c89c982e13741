package streamwork

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// ModuleDataLoader is the registered name of the data loader module.
const ModuleDataLoader = "data_loader"

// Built-in loader ids.
const (
	// LoaderPayload consumes a load task whose data already rides on the
	// message and forwards the payload untouched.
	LoaderPayload = "payload"
	// LoaderFileToTable reads the task's files into a table and attaches it
	// to the message payload.
	LoaderFileToTable = "file_to_table"
)

// fileReadAttempts bounds how often LoaderFileToTable retries one file.
const fileReadAttempts = 2

// LoaderFunc materializes one load task against a message and returns the
// message to continue with. Loaders run inside data loader stages across
// pipelines, so they must be safe for concurrent use.
type LoaderFunc func(ctx context.Context, msg *ControlMessage, task Task) (*ControlMessage, error)

type loaderTable map[string]LoaderFunc

// loaderRegistry holds loader functions keyed by id. Like the module
// registry, it is write-once: writers serialize on a mutex and publish a
// fresh snapshot, lookups read the current snapshot without locking.
type loaderRegistry struct {
	mu       sync.Mutex
	snapshot atomic.Value // loaderTable
}

func newLoaderRegistry() *loaderRegistry {
	r := &loaderRegistry{}
	r.snapshot.Store(make(loaderTable))
	return r
}

func (r *loaderRegistry) table() loaderTable {
	return r.snapshot.Load().(loaderTable)
}

func (r *loaderRegistry) register(id string, fn LoaderFunc) error {
	if id == "" {
		return errors.New("loader id cannot be empty")
	}
	if fn == nil {
		return fmt.Errorf("loader %q requires a function", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.table()
	if _, exists := current[id]; exists {
		return fmt.Errorf("loader %q: %w", id, ErrLoaderExists)
	}
	next := make(loaderTable, len(current)+1)
	for k, v := range current {
		next[k] = v
	}
	next[id] = fn
	r.snapshot.Store(next)
	return nil
}

func (r *loaderRegistry) get(id string) (LoaderFunc, error) {
	fn, ok := r.table()[id]
	if !ok {
		return nil, fmt.Errorf("loader %q: %w", id, ErrLoaderNotFound)
	}
	return fn, nil
}

var defaultLoaders = newLoaderRegistry()

// RegisterLoader adds a loader function to the process-wide registry. Ids are
// write-once for the life of the process, matching module registration.
func RegisterLoader(id string, fn LoaderFunc) error {
	return defaultLoaders.register(id, fn)
}

// MustRegisterLoader adds a loader function and panics on failure. Intended
// for use from init functions.
func MustRegisterLoader(id string, fn LoaderFunc) {
	if err := RegisterLoader(id, fn); err != nil {
		panic(fmt.Sprintf("streamwork.MustRegisterLoader: %v", err))
	}
}

// GetLoader returns the loader registered under id, or an error wrapping
// ErrLoaderNotFound.
func GetLoader(id string) (LoaderFunc, error) {
	return defaultLoaders.get(id)
}

// DataLoader consumes every queued "load" task of a message in FIFO order,
// dispatching each to the loader its config names. Tasks of other types stay
// queued for downstream stages. Only loaders listed in the module
// configuration may run; a task naming any other loader is an error, and the
// module's node runs with the stop strategy so that a bad task brings the
// pipeline down instead of silently dropping data.
type DataLoader struct {
	loaders    map[string]LoaderFunc
	properties map[string]map[string]any
	logger     *log.Logger
	metrics    MetricsCollector
}

var _ Stage[*ControlMessage, *ControlMessage] = (*DataLoader)(nil)

// NewDataLoader builds a DataLoader from module configuration. The "loaders"
// list is the allowlist: each entry names a registered loader id and may
// carry default task properties. An empty list is a configuration error.
func NewDataLoader(cfg ModuleConfig) (*DataLoader, error) {
	entries, err := loaderEntries(cfg["loaders"])
	if err != nil {
		return nil, NewConfigError(ModuleDataLoader, "loaders", err)
	}
	if len(entries) == 0 {
		return nil, NewConfigError(ModuleDataLoader, "loaders",
			errors.New("at least one loader must be configured"))
	}

	dl := &DataLoader{
		loaders:    make(map[string]LoaderFunc, len(entries)),
		properties: make(map[string]map[string]any, len(entries)),
		metrics:    DefaultMetricsCollector,
	}
	for i, entry := range entries {
		id, _ := entry["id"].(string)
		if id == "" {
			return nil, NewConfigError(ModuleDataLoader, "loaders",
				fmt.Errorf("entry %d has no loader id", i))
		}
		if _, dup := dl.loaders[id]; dup {
			return nil, NewConfigError(ModuleDataLoader, "loaders",
				fmt.Errorf("loader %q listed twice", id))
		}
		fn, err := GetLoader(id)
		if err != nil {
			return nil, NewConfigError(ModuleDataLoader, "loaders", err)
		}
		dl.loaders[id] = fn
		if props, ok := entry["properties"].(map[string]any); ok {
			dl.properties[id] = props
		}
	}
	return dl, nil
}

// WithLogger sets the logger used for diagnostic output.
func (dl *DataLoader) WithLogger(logger *log.Logger) *DataLoader {
	if logger != nil {
		dl.logger = logger
	}
	return dl
}

// WithMetrics sets the collector that receives per-task timings.
func (dl *DataLoader) WithMetrics(collector MetricsCollector) *DataLoader {
	if collector != nil {
		dl.metrics = collector
	}
	return dl
}

// Process drains the message's load tasks in FIFO order.
func (dl *DataLoader) Process(ctx context.Context, msg *ControlMessage) (*ControlMessage, error) {
	for {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		config, ok := msg.PopTask(TaskTypeLoad)
		if !ok {
			return msg, nil
		}
		id, _ := config["loader_id"].(string)
		loader, allowed := dl.loaders[id]
		if !allowed {
			return nil, fmt.Errorf("load task on message %s names loader %q: %w", msg.ID(), id, ErrLoaderNotFound)
		}

		dl.logf("DEBUG: streamwork.DataLoader running loader %q for message %s", id, msg.ID())
		task := Task{Type: TaskTypeLoad, Config: mergeTaskConfig(config, dl.properties[id])}
		started := time.Now()
		out, err := loader(ctx, msg, task)
		dl.metrics.TaskCompleted(ctx, id, time.Since(started), err)
		if err != nil {
			return nil, fmt.Errorf("loader %q: %w", id, err)
		}
		if out != nil {
			msg = out
		}
	}
}

func (dl *DataLoader) logf(format string, args ...any) {
	if dl.logger != nil {
		dl.logger.Printf(format, args...)
	}
}

// loaderEntries normalizes the "loaders" config list. YAML decodes it as
// []any of mappings; Go literals may use []map[string]any directly.
func loaderEntries(raw any) ([]map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case []map[string]any:
		return v, nil
	case []any:
		out := make([]map[string]any, len(v))
		for i, item := range v {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("entry %d must be a mapping, got %T", i, item)
			}
			out[i] = m
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be a list of mappings, got %T", raw)
	}
}

// mergeTaskConfig overlays the task's own settings on the loader's configured
// properties. Task settings win.
func mergeTaskConfig(config, properties map[string]any) map[string]any {
	if len(properties) == 0 {
		return config
	}
	merged := deepCopyMap(properties)
	for k, v := range config {
		merged[k] = v
	}
	return merged
}

// payloadLoader consumes a load task whose data is already attached to the
// message and forwards it as is.
func payloadLoader(_ context.Context, msg *ControlMessage, _ Task) (*ControlMessage, error) {
	return msg, nil
}

// fileToTableLoader reads the task's files into one table, using a content
// cache keyed by the file set, and attaches the table to the message payload.
// A message that already has a payload receives the new rows appended to it.
func fileToTableLoader(ctx context.Context, msg *ControlMessage, task Task) (*ControlMessage, error) {
	cfg := ModuleConfig(task.Config)
	if strategy := cfg.StringOr("strategy", "aggregate"); strategy != "aggregate" {
		return nil, fmt.Errorf("loader %q supports only the aggregate strategy, got %q", LoaderFileToTable, strategy)
	}
	files, ok := cfg.GetStringSlice("files")
	if !ok || len(files) == 0 {
		return nil, errors.New("load task names no files")
	}
	rawBatcher, ok := cfg.GetMap("batcher_config")
	if !ok {
		return nil, errors.New("load task carries no batcher_config")
	}
	batcher := ModuleConfig(rawBatcher)

	rawSchema, ok := batcher.GetMap("schema")
	if !ok {
		return nil, errors.New("batcher_config requires a schema")
	}
	schema, err := SchemaFromConfig(rawSchema)
	if err != nil {
		return nil, fmt.Errorf("batcher_config schema: %w", err)
	}
	fileType, err := ParseFileType(batcher.StringOr("file_type", "json"))
	if err != nil {
		return nil, fmt.Errorf("batcher_config file_type: %w", err)
	}
	readOpts := ReadOptions{}
	if kwargs, ok := batcher.GetMap("parser_kwargs"); ok {
		readOpts, err = ReadOptionsFromConfig(kwargs)
		if err != nil {
			return nil, fmt.Errorf("batcher_config parser_kwargs: %w", err)
		}
	}
	tsColumn := batcher.StringOr("timestamp_column_name", "timestamp")

	cacheDir, ok := batcher.GetString("cache_dir")
	if !ok || cacheDir == "" {
		cacheDir = defaultCacheDir
		log.Printf("WARNING: streamwork loader %q has no cache_dir configured, using %q", LoaderFileToTable, cacheDir)
	}
	cache, err := openBatchCache(cacheDir)
	if err != nil {
		return nil, err
	}
	defer cache.Close()

	hash, err := batchHash(files)
	if err != nil {
		return nil, err
	}

	table, hit, err := cache.Fetch(hash, *schema)
	if err != nil {
		return nil, err
	}
	if !hit {
		table, err = readFilesToTable(ctx, files, *schema, fileType, readOpts,
			tsColumn, batcher.BoolOr("filter_null", false))
		if err != nil {
			return nil, err
		}
		if err := cache.Store(hash, table); err != nil {
			log.Printf("WARNING: streamwork loader %q failed to cache batch %s: %v", LoaderFileToTable, hash, err)
		}
	}

	// Provenance columns ride on the loaded rows, never in the cache file,
	// so a cached batch can serve tasks with different group counts.
	if groups, ok := cfg.GetInt("n_groups"); ok {
		table, err = table.WithColumn(ColumnSpec{Name: "batch_count", Kind: KindInt}, groups)
		if err != nil {
			return nil, err
		}
	}
	table, err = table.WithColumn(ColumnSpec{Name: "origin_hash", Kind: KindString}, hash)
	if err != nil {
		return nil, err
	}

	if payload := msg.Payload(); payload != nil {
		err := payload.Mutate(func(existing *Table) (*Table, error) {
			if existing == nil {
				return table, nil
			}
			return ConcatTables([]*Table{existing, table})
		})
		if err != nil {
			return nil, fmt.Errorf("merging loaded batch into payload: %w", err)
		}
		return msg, nil
	}
	msg.SetPayload(NewTableMeta(table))
	return msg, nil
}

// readFilesToTable reads every file concurrently, retrying transient per-file
// failures, then concatenates and orders the result by timestamp.
func readFilesToTable(
	ctx context.Context,
	files []string,
	schema TableSchema,
	fileType FileType,
	opts ReadOptions,
	tsColumn string,
	filterNull bool,
) (*Table, error) {
	readFile := StageFunc[string, *Table](func(_ context.Context, path string) (*Table, error) {
		return ReadTableFile(path, fileType, schema, opts)
	})
	mapper := NewMap[string, *Table](NewRetry[string, *Table](readFile, fileReadAttempts))
	tables, err := mapper.Process(ctx, files)
	if err != nil {
		return nil, err
	}
	out, err := ConcatTables(tables)
	if err != nil {
		return nil, err
	}
	if filterNull {
		out, err = out.FilterNull(tsColumn)
		if err != nil {
			return nil, err
		}
	}
	if err := out.SortByColumn(tsColumn, true); err != nil {
		return nil, err
	}
	return out, nil
}

func init() {
	MustRegisterLoader(LoaderPayload, payloadLoader)
	MustRegisterLoader(LoaderFileToTable, fileToTableLoader)

	MustRegisterModule(ModuleDefinition{
		ID:          ModuleID{Namespace: ModuleNamespace, Name: ModuleDataLoader, Version: EngineVersion},
		Description: "Consumes queued load tasks by dispatching them to configured loaders.",
		Defaults: map[string]any{
			"loaders": nil,
		},
		Strict: true,
		Builder: func(b *ModuleBuilder, cfg ModuleConfig) error {
			dl, err := NewDataLoader(cfg)
			if err != nil {
				return err
			}
			dl.WithLogger(b.Logger()).WithMetrics(b.Metrics())
			node := b.AddNode(NewNode[*ControlMessage, *ControlMessage]("load", dl,
				WithAdapterErrorStrategy[*ControlMessage, *ControlMessage](StopOnError)))
			b.ExposeInput("input", node.In(DefaultInPort))
			b.ExposeOutput("output", node.Out(DefaultOutPort))
			return nil
		},
	})
}
