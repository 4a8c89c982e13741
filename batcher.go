package streamwork

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ModuleFileBatcher is the registered name of the file batcher module.
const ModuleFileBatcher = "file_batcher"

// MetadataKeyBatchingOptions is the metadata key that carries per-message
// batching overrides. Its value must be a mapping; the keys "period",
// "sampling_rate_s", "start_time" and "end_time" overlay the module
// configuration for that message only.
const MetadataKeyBatchingOptions = "batching_options"

// DefaultTimestampPattern extracts an ISO-8601 timestamp embedded in a file
// name. The named groups feed the extracted time; "year", "month" and "day"
// are required, the rest default to zero.
const DefaultTimestampPattern = `(?P<year>\d{4})-(?P<month>\d{1,2})-(?P<day>\d{1,2})` +
	`T(?P<hour>\d{1,2})(:|_)(?P<minute>\d{1,2})(:|_)(?P<second>\d{1,2})(?P<microsecond>\.\d{1,6})?Z`

// filesColumn is the payload column the batcher reads file paths from.
const filesColumn = "files"

// batchWindow holds the effective batching parameters for one message after
// per-message overrides are applied.
type batchWindow struct {
	period       string
	samplingRate time.Duration
	start        *time.Time
	end          *time.Time
}

// timestampedFile pairs a file path with the timestamp extracted from it.
type timestampedFile struct {
	ts   time.Time
	path string
}

// FileBatcher expands a message listing files into load tasks, one per time
// period. File paths come from the "files" column of the incoming payload,
// glob patterns included. Each path is stamped with the timestamp embedded in
// its name (or the file's modification time when the name carries none),
// filtered to the configured window, optionally thinned to a minimum spacing,
// and grouped by period.
//
// Messages with "data_type" metadata of "payload" collect every group's load
// task onto the original message; "streaming" messages fan out one copy per
// group. A message whose window holds no files produces nothing.
type FileBatcher struct {
	window       batchWindow
	pattern      *regexp.Regexp
	loaderConfig map[string]any
	logger       *log.Logger
	metrics      MetricsCollector
}

var _ Expander[*ControlMessage, *ControlMessage] = (*FileBatcher)(nil)

// NewFileBatcher builds a FileBatcher from module configuration. See the
// module defaults for the recognized keys.
func NewFileBatcher(cfg ModuleConfig) (*FileBatcher, error) {
	window := batchWindow{period: cfg.StringOr("period", "1d")}
	if _, err := periodUnit(window.period); err != nil {
		return nil, NewConfigError(ModuleFileBatcher, "period", err)
	}

	rate := cfg.IntOr("sampling_rate_s", 0)
	if rate < 0 {
		return nil, NewConfigError(ModuleFileBatcher, "sampling_rate_s",
			fmt.Errorf("sampling rate cannot be negative, got %d", rate))
	}
	window.samplingRate = time.Duration(rate) * time.Second

	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"start_time", &window.start}, {"end_time", &window.end}} {
		raw, ok := cfg.GetString(bound.key)
		if !ok {
			continue
		}
		ts, err := parseWindowBound(raw)
		if err != nil {
			return nil, NewConfigError(ModuleFileBatcher, bound.key, err)
		}
		*bound.dst = &ts
	}

	pattern, err := regexp.Compile(cfg.StringOr("timestamp_pattern", DefaultTimestampPattern))
	if err != nil {
		return nil, NewConfigError(ModuleFileBatcher, "timestamp_pattern", err)
	}

	// The loader settings ride along unparsed inside every load task; the
	// loader validates them when the task is executed.
	loaderConfig := map[string]any{
		"timestamp_column_name": cfg.StringOr("timestamp_column_name", "timestamp"),
		"file_type":             cfg.StringOr("file_type", "json"),
		"filter_null":           cfg.BoolOr("filter_null", false),
	}
	for _, key := range []string{"schema", "parser_kwargs", "cache_dir"} {
		if v := cfg[key]; v != nil {
			loaderConfig[key] = v
		}
	}

	return &FileBatcher{
		window:       window,
		pattern:      pattern,
		loaderConfig: loaderConfig,
		metrics:      DefaultMetricsCollector,
	}, nil
}

// WithLogger sets the logger used for diagnostic output.
func (fb *FileBatcher) WithLogger(logger *log.Logger) *FileBatcher {
	if logger != nil {
		fb.logger = logger
	}
	return fb
}

// WithMetrics sets the collector that receives batch statistics.
func (fb *FileBatcher) WithMetrics(collector MetricsCollector) *FileBatcher {
	if collector != nil {
		fb.metrics = collector
	}
	return fb
}

// Expand turns one file-listing message into per-period load tasks.
func (fb *FileBatcher) Expand(ctx context.Context, msg *ControlMessage) ([]*ControlMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	startedAt := time.Now()

	window, err := fb.messageWindow(msg)
	if err != nil {
		return nil, err
	}
	dataType, err := messageDataType(msg)
	if err != nil {
		return nil, err
	}
	paths, err := payloadFilePaths(msg)
	if err != nil {
		return nil, err
	}
	paths, err = expandGlobs(paths)
	if err != nil {
		return nil, err
	}

	files, err := fb.stampFiles(paths)
	if err != nil {
		return nil, err
	}
	files = filterWindow(files, window)
	sort.SliceStable(files, func(i, j int) bool { return files[i].ts.Before(files[j].ts) })
	files = sampleFiles(files, window.samplingRate)

	unit, err := periodUnit(window.period)
	if err != nil {
		return nil, err
	}
	groups, keys := groupByPeriod(files, unit)

	fb.metrics.BufferBatchProcessed(ctx, len(files), time.Since(startedAt))

	if len(keys) == 0 {
		fb.logf("DEBUG: streamwork.FileBatcher message %s holds no files within the window", msg.ID())
		return nil, nil
	}

	nGroups := len(keys)
	if dataType == DataTypePayload {
		for _, key := range keys {
			msg.AddTask(TaskTypeLoad, fb.loadTask(groups[key], nGroups))
		}
		return []*ControlMessage{msg}, nil
	}
	out := make([]*ControlMessage, 0, nGroups)
	for _, key := range keys {
		cm := msg.Copy()
		cm.AddTask(TaskTypeLoad, fb.loadTask(groups[key], nGroups))
		out = append(out, cm)
	}
	return out, nil
}

// messageWindow merges the message's batching options over the module
// configuration. The metadata entry is required so that upstream senders stay
// explicit about the window they expect.
func (fb *FileBatcher) messageWindow(msg *ControlMessage) (batchWindow, error) {
	raw, ok := msg.Metadata(MetadataKeyBatchingOptions)
	if !ok {
		return batchWindow{}, fmt.Errorf("message %s carries no %q metadata", msg.ID(), MetadataKeyBatchingOptions)
	}
	opts, ok := raw.(map[string]any)
	if !ok {
		return batchWindow{}, fmt.Errorf("%q metadata on message %s must be a mapping, got %T",
			MetadataKeyBatchingOptions, msg.ID(), raw)
	}

	window := fb.window
	overrides := ModuleConfig(opts)
	if period, ok := overrides.GetString("period"); ok {
		if _, err := periodUnit(period); err != nil {
			return batchWindow{}, err
		}
		window.period = period
	}
	if rate, ok := overrides.GetInt("sampling_rate_s"); ok {
		if rate < 0 {
			return batchWindow{}, fmt.Errorf("sampling_rate_s cannot be negative, got %d", rate)
		}
		window.samplingRate = time.Duration(rate) * time.Second
	}
	for _, bound := range []struct {
		key string
		dst **time.Time
	}{{"start_time", &window.start}, {"end_time", &window.end}} {
		raw, ok := overrides.GetString(bound.key)
		if !ok {
			continue
		}
		ts, err := parseWindowBound(raw)
		if err != nil {
			return batchWindow{}, fmt.Errorf("invalid %s: %w", bound.key, err)
		}
		*bound.dst = &ts
	}
	return window, nil
}

// loadTask builds one load task for a group of files.
func (fb *FileBatcher) loadTask(files []string, nGroups int) map[string]any {
	return map[string]any{
		"loader_id":      LoaderFileToTable,
		"strategy":       "aggregate",
		"files":          files,
		"n_groups":       nGroups,
		"batcher_config": deepCopyValue(fb.loaderConfig),
	}
}

// stampFiles resolves the timestamp for every path.
func (fb *FileBatcher) stampFiles(paths []string) ([]timestampedFile, error) {
	files := make([]timestampedFile, 0, len(paths))
	for _, path := range paths {
		ts, err := fb.extractTimestamp(path)
		if err != nil {
			return nil, err
		}
		files = append(files, timestampedFile{ts: ts, path: path})
	}
	return files, nil
}

// extractTimestamp reads the timestamp embedded in the path using the
// configured pattern. Paths the pattern does not match fall back to the
// file's modification time.
func (fb *FileBatcher) extractTimestamp(path string) (time.Time, error) {
	match := fb.pattern.FindStringSubmatch(path)
	if match == nil {
		info, err := os.Stat(path)
		if err != nil {
			return time.Time{}, fmt.Errorf("no timestamp in %q and stat failed: %w", path, err)
		}
		return info.ModTime().UTC(), nil
	}

	parts := make(map[string]int)
	micros := 0
	for i, name := range fb.pattern.SubexpNames() {
		if i == 0 || name == "" || match[i] == "" {
			continue
		}
		if name == "microsecond" {
			digits := strings.TrimPrefix(match[i], ".")
			for len(digits) < 6 {
				digits += "0"
			}
			n, err := strconv.Atoi(digits)
			if err != nil {
				return time.Time{}, fmt.Errorf("bad fractional seconds %q in %q: %w", match[i], path, err)
			}
			micros = n
			continue
		}
		n, err := strconv.Atoi(match[i])
		if err != nil {
			return time.Time{}, fmt.Errorf("bad %s %q in %q: %w", name, match[i], path, err)
		}
		parts[name] = n
	}
	for _, required := range []string{"year", "month", "day"} {
		if _, ok := parts[required]; !ok {
			return time.Time{}, fmt.Errorf("timestamp pattern matched %q without a %q group", path, required)
		}
	}
	return time.Date(parts["year"], time.Month(parts["month"]), parts["day"],
		parts["hour"], parts["minute"], parts["second"], micros*1000, time.UTC), nil
}

func (fb *FileBatcher) logf(format string, args ...any) {
	if fb.logger != nil {
		fb.logger.Printf(format, args...)
	}
}

// messageDataType reads and validates the "data_type" metadata entry.
func messageDataType(msg *ControlMessage) (string, error) {
	raw, _ := msg.Metadata(MetadataKeyDataType)
	dt, ok := raw.(string)
	if !ok || (dt != DataTypePayload && dt != DataTypeStreaming) {
		return "", fmt.Errorf("message %s has unsupported %q metadata %v", msg.ID(), MetadataKeyDataType, raw)
	}
	return dt, nil
}

// payloadFilePaths reads the "files" column from the message payload.
func payloadFilePaths(msg *ControlMessage) ([]string, error) {
	payload := msg.Payload()
	if payload == nil {
		return nil, fmt.Errorf("message %s has no payload to list files from", msg.ID())
	}
	var paths []string
	err := payload.View(func(t *Table) error {
		if t == nil {
			return fmt.Errorf("message %s payload holds no table", msg.ID())
		}
		values, err := t.Column(filesColumn)
		if err != nil {
			return err
		}
		paths = make([]string, 0, len(values))
		for i, v := range values {
			s, ok := v.(string)
			if !ok {
				return fmt.Errorf("%q column row %d is %T, want string", filesColumn, i, v)
			}
			paths = append(paths, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}

// expandGlobs replaces glob patterns with their matches and keeps literal
// paths untouched. A pattern that matches nothing contributes nothing.
func expandGlobs(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, path := range paths {
		if !strings.ContainsAny(path, "*?[") {
			out = append(out, path)
			continue
		}
		matches, err := filepath.Glob(path)
		if err != nil {
			return nil, fmt.Errorf("bad file pattern %q: %w", path, err)
		}
		out = append(out, matches...)
	}
	return out, nil
}

// filterWindow drops files stamped before the window start or after its end.
// Both bounds are inclusive.
func filterWindow(files []timestampedFile, window batchWindow) []timestampedFile {
	if window.start == nil && window.end == nil {
		return files
	}
	kept := make([]timestampedFile, 0, len(files))
	for _, f := range files {
		if window.start != nil && f.ts.Before(*window.start) {
			continue
		}
		if window.end != nil && f.ts.After(*window.end) {
			continue
		}
		kept = append(kept, f)
	}
	return kept
}

// sampleFiles keeps the first file and every later file at least minGap after
// the previously kept one. Files must already be sorted by timestamp.
func sampleFiles(files []timestampedFile, minGap time.Duration) []timestampedFile {
	if minGap <= 0 || len(files) < 2 {
		return files
	}
	kept := make([]timestampedFile, 0, len(files))
	kept = append(kept, files[0])
	last := files[0].ts
	for _, f := range files[1:] {
		if f.ts.Sub(last) >= minGap {
			kept = append(kept, f)
			last = f.ts
		}
	}
	return kept
}

// groupByPeriod buckets file paths by the period key of their timestamps and
// returns the buckets together with the keys in ascending order.
func groupByPeriod(files []timestampedFile, unit string) (map[string][]string, []string) {
	groups := make(map[string][]string)
	keys := make([]string, 0)
	for _, f := range files {
		key := periodKey(f.ts, unit)
		if _, ok := groups[key]; !ok {
			keys = append(keys, key)
		}
		groups[key] = append(groups[key], f.path)
	}
	sort.Strings(keys)
	return groups, keys
}

// periodUnit normalizes a batching period such as "1d", "D" or "min" to a
// canonical unit code. "M" means months and "min" means minutes; a bare "m"
// is rejected as ambiguous.
func periodUnit(period string) (string, error) {
	switch strings.TrimPrefix(period, "1") {
	case "s", "S":
		return "s", nil
	case "min", "T", "t":
		return "min", nil
	case "h", "H":
		return "h", nil
	case "d", "D":
		return "d", nil
	case "w", "W":
		return "w", nil
	case "M":
		return "M", nil
	case "y", "Y":
		return "y", nil
	default:
		return "", fmt.Errorf("unsupported batching period %q", period)
	}
}

// periodKey formats the timestamp down to the period's resolution so that all
// files in one period share one key. Keys of one unit sort chronologically.
func periodKey(ts time.Time, unit string) string {
	ts = ts.UTC()
	switch unit {
	case "s":
		return ts.Format("2006-01-02 15:04:05")
	case "min":
		return ts.Format("2006-01-02 15:04")
	case "h":
		return ts.Format("2006-01-02 15")
	case "d":
		return ts.Format("2006-01-02")
	case "w":
		year, week := ts.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week)
	case "M":
		return ts.Format("2006-01")
	default:
		return ts.Format("2006")
	}
}

// parseWindowBound accepts a bare date or a full RFC 3339 timestamp.
func parseWindowBound(value string) (time.Time, error) {
	for _, layout := range []string{"2006-01-02", time.RFC3339} {
		if ts, err := time.Parse(layout, value); err == nil {
			return ts.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("time bound %q is neither a date (2006-01-02) nor an RFC 3339 timestamp", value)
}

func init() {
	MustRegisterModule(ModuleDefinition{
		ID:          ModuleID{Namespace: ModuleNamespace, Name: ModuleFileBatcher, Version: EngineVersion},
		Description: "Groups files named in the payload into per-period load tasks for the data loader.",
		Defaults: map[string]any{
			"period":                "1d",
			"sampling_rate_s":       0,
			"start_time":            nil,
			"end_time":              nil,
			"timestamp_pattern":     DefaultTimestampPattern,
			"timestamp_column_name": "timestamp",
			"schema":                nil,
			"file_type":             "json",
			"filter_null":           false,
			"parser_kwargs":         nil,
			"cache_dir":             nil,
		},
		Strict: true,
		Builder: func(b *ModuleBuilder, cfg ModuleConfig) error {
			batcher, err := NewFileBatcher(cfg)
			if err != nil {
				return err
			}
			batcher.WithLogger(b.Logger()).WithMetrics(b.Metrics())
			node := b.AddNode(NewExpandNode[*ControlMessage, *ControlMessage]("batch", batcher))
			b.ExposeInput("input", node.In(DefaultInPort))
			b.ExposeOutput("output", node.Out(DefaultOutPort))
			return nil
		},
	})
}
