package streamwork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ModuleWriteToFile is the registered name of the file sink module.
const ModuleWriteToFile = "write_to_file"

// WriteToFile appends every message's payload to one output file and passes
// the message through unchanged. CSV output carries the header exactly once,
// before the first payload; JSON output is one line per row. The file handle
// follows the pipeline lifecycle: it opens on Start and closes on Stop.
type WriteToFile struct {
	filename string
	fileType FileType
	flush    bool

	mu            sync.Mutex
	file          *os.File
	headerWritten bool
}

var (
	_ Stage[*ControlMessage, *ControlMessage] = (*WriteToFile)(nil)
	_ Starter                                 = (*WriteToFile)(nil)
	_ Stopper                                 = (*WriteToFile)(nil)
)

// NewWriteToFile builds a WriteToFile from module configuration. The target
// must not already exist unless overwrite is enabled; the check runs here so
// that a doomed pipeline fails at build time rather than on the first write.
func NewWriteToFile(cfg ModuleConfig) (*WriteToFile, error) {
	filename, ok := cfg.GetString("filename")
	if !ok || filename == "" {
		return nil, NewConfigError(ModuleWriteToFile, "filename", errors.New("filename is required"))
	}
	fileType, err := ParseFileType(cfg.StringOr("file_type", "auto"))
	if err != nil {
		return nil, NewConfigError(ModuleWriteToFile, "file_type", err)
	}
	fileType, err = resolveFileType(filename, fileType)
	if err != nil {
		return nil, NewConfigError(ModuleWriteToFile, "file_type", err)
	}

	if !cfg.BoolOr("overwrite", false) {
		if _, err := os.Stat(filename); err == nil {
			return nil, NewConfigError(ModuleWriteToFile, "filename",
				fmt.Errorf("file %q exists and overwrite is disabled", filename))
		}
	}

	return &WriteToFile{
		filename: filename,
		fileType: fileType,
		flush:    cfg.BoolOr("flush", false),
	}, nil
}

// Start creates the parent directories and opens the output file, truncating
// any previous content.
func (w *WriteToFile) Start(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file != nil {
		return nil
	}
	if dir := filepath.Dir(w.filename); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating output directory for %q: %w", w.filename, err)
		}
	}
	f, err := os.OpenFile(w.filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	w.file = f
	w.headerWritten = false
	return nil
}

// Stop closes the output file.
func (w *WriteToFile) Stop(_ context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("closing output file %q: %w", w.filename, err)
	}
	return nil
}

// Process appends the message payload to the output file. Messages without a
// payload pass through without writing anything.
func (w *WriteToFile) Process(ctx context.Context, msg *ControlMessage) (*ControlMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	payload := msg.Payload()
	if payload == nil {
		return msg, nil
	}
	if err := payload.View(func(t *Table) error {
		if t == nil || t.NumRows() == 0 {
			return nil
		}
		return w.writeTable(t)
	}); err != nil {
		return nil, err
	}
	return msg, nil
}

func (w *WriteToFile) writeTable(t *Table) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("output file %q is not open; the stage must be started first", w.filename)
	}

	var err error
	switch w.fileType {
	case FileTypeCSV:
		err = WriteTableCSV(w.file, t, !w.headerWritten)
		if err == nil {
			w.headerWritten = true
		}
	case FileTypeJSON:
		err = WriteTableJSON(w.file, t)
	default:
		err = fmt.Errorf("unsupported file type %s for %q", w.fileType, w.filename)
	}
	if err != nil {
		return fmt.Errorf("writing payload to %q: %w", w.filename, err)
	}
	if w.flush {
		if err := w.file.Sync(); err != nil {
			return fmt.Errorf("flushing %q: %w", w.filename, err)
		}
	}
	return nil
}

func init() {
	MustRegisterModule(ModuleDefinition{
		ID:          ModuleID{Namespace: ModuleNamespace, Name: ModuleWriteToFile, Version: EngineVersion},
		Description: "Appends message payloads to a CSV or JSON-lines file and passes messages through.",
		Defaults: map[string]any{
			"filename":  nil,
			"file_type": "auto",
			"overwrite": false,
			"flush":     false,
		},
		Strict: true,
		Builder: func(b *ModuleBuilder, cfg ModuleConfig) error {
			sink, err := NewWriteToFile(cfg)
			if err != nil {
				return err
			}
			node := b.AddNode(NewNode[*ControlMessage, *ControlMessage]("write", sink))
			b.ExposeInput("input", node.In(DefaultInPort))
			b.ExposeOutput("output", node.Out(DefaultOutPort))
			return nil
		},
	})
}
