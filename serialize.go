package streamwork

import (
	"context"
	"fmt"
	"regexp"
	"sync"
)

// ModuleSerialize is the registered name of the column projection module.
const ModuleSerialize = "serialize"

// defaultSerializeExclude drops the engine's bookkeeping columns from
// serialized output: row identifiers, internal timestamps and the provenance
// columns the file loader attaches.
var defaultSerializeExclude = []string{`^ID$`, `^_ts_`, `^origin_hash$`, `^batch_count$`}

// Serialize projects the message payload down to the columns selected by the
// include and exclude patterns. An empty include list selects every column;
// exclude patterns then drop their matches. With fixed columns enabled the
// selection computed for the first message is reused for all later ones, so
// late schema drift cannot change the output shape mid-stream.
type Serialize struct {
	include      []*regexp.Regexp
	exclude      []*regexp.Regexp
	fixedColumns bool

	mu       sync.Mutex
	selected []string
}

var _ Stage[*ControlMessage, *ControlMessage] = (*Serialize)(nil)

// NewSerialize builds a Serialize from module configuration.
func NewSerialize(cfg ModuleConfig) (*Serialize, error) {
	include, err := compilePatternList(cfg, "include", nil)
	if err != nil {
		return nil, err
	}
	exclude, err := compilePatternList(cfg, "exclude", defaultSerializeExclude)
	if err != nil {
		return nil, err
	}
	return &Serialize{
		include:      include,
		exclude:      exclude,
		fixedColumns: cfg.BoolOr("fixed_columns", true),
	}, nil
}

// Process replaces the payload with a projection holding only the selected
// columns. The incoming payload is left untouched so sibling branches keep
// their full view.
func (s *Serialize) Process(ctx context.Context, msg *ControlMessage) (*ControlMessage, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	payload := msg.Payload()
	if payload == nil {
		return nil, fmt.Errorf("message %s has no payload to serialize", msg.ID())
	}

	var projected *Table
	err := payload.View(func(t *Table) error {
		if t == nil {
			return fmt.Errorf("message %s payload holds no table", msg.ID())
		}
		columns, err := s.selectColumns(t.ColumnNames())
		if err != nil {
			return err
		}
		projected, err = t.SelectColumns(columns)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := msg.Copy()
	out.SetPayload(NewTableMeta(projected))
	return out, nil
}

// selectColumns applies the include and exclude patterns to the payload's
// column names, caching the result when fixed columns are enabled.
func (s *Serialize) selectColumns(names []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fixedColumns && s.selected != nil {
		return s.selected, nil
	}

	selected := make([]string, 0, len(names))
	for _, name := range names {
		if len(s.include) > 0 && !anyPatternMatches(s.include, name) {
			continue
		}
		if anyPatternMatches(s.exclude, name) {
			continue
		}
		selected = append(selected, name)
	}
	if len(selected) == 0 {
		return nil, fmt.Errorf("column selection matches none of %v", names)
	}
	if s.fixedColumns {
		s.selected = selected
	}
	return selected, nil
}

func anyPatternMatches(patterns []*regexp.Regexp, name string) bool {
	for _, p := range patterns {
		if p.MatchString(name) {
			return true
		}
	}
	return false
}

// compilePatternList compiles the named config key as a list of regular
// expressions, falling back to the given defaults when the key is absent.
func compilePatternList(cfg ModuleConfig, key string, defaults []string) ([]*regexp.Regexp, error) {
	raw := defaults
	if v := cfg[key]; v != nil {
		var ok bool
		raw, ok = cfg.GetStringSlice(key)
		if !ok {
			return nil, NewConfigError(ModuleSerialize, key,
				fmt.Errorf("must be a list of patterns, got %T", v))
		}
	}
	patterns := make([]*regexp.Regexp, 0, len(raw))
	for _, expr := range raw {
		p, err := regexp.Compile(expr)
		if err != nil {
			return nil, NewConfigError(ModuleSerialize, key, err)
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}

func init() {
	MustRegisterModule(ModuleDefinition{
		ID:          ModuleID{Namespace: ModuleNamespace, Name: ModuleSerialize, Version: EngineVersion},
		Description: "Projects payload columns through include and exclude patterns.",
		Defaults: map[string]any{
			"include":       nil,
			"exclude":       defaultSerializeExclude,
			"fixed_columns": true,
		},
		Strict: true,
		Builder: func(b *ModuleBuilder, cfg ModuleConfig) error {
			stage, err := NewSerialize(cfg)
			if err != nil {
				return err
			}
			node := b.AddNode(NewNode[*ControlMessage, *ControlMessage]("project", stage))
			b.ExposeInput("input", node.In(DefaultInPort))
			b.ExposeOutput("output", node.Out(DefaultOutPort))
			return nil
		},
	})
}
