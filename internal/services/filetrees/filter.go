// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetrees

import (
	"fmt"
	"path"
	"strings"

	"github.com/autobrr/autobrr/pkg/ttlcache"
	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog/log"

	"github.com/autobrr/qui-files/internal/filetree"
)

// FileEnv is what a filter expression sees for each file, e.g.
// `Ext == "mkv" && Size > 1e9 && !Wanted`.
type FileEnv struct {
	Name     string
	Path     string
	Dir      string
	Ext      string
	Index    int
	Depth    int
	Size     int64
	Done     int64
	Progress float64
	Wanted   bool
	Priority string
}

func newFileEnv(n *filetree.Node) FileEnv {
	view := n.View()
	return FileEnv{
		Name:     view.Name,
		Path:     view.FullPath,
		Dir:      strings.TrimSuffix(strings.TrimSuffix(view.FullPath, view.Name), "/"),
		Ext:      strings.ToLower(strings.TrimPrefix(path.Ext(view.Name), ".")),
		Index:    view.Index,
		Depth:    view.Depth,
		Size:     view.Size,
		Done:     view.Done,
		Progress: view.PercentDone,
		Wanted:   n.Wanted(),
		Priority: view.Priority.String(),
	}
}

type Filter struct {
	source  string
	program *vm.Program
}

// CompileFilter compiles a boolean file filter, reusing recently compiled
// programs.
func (s *Service) CompileFilter(source string) (*Filter, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidFilter)
	}

	if p, ok := s.programs.Get(source); ok {
		log.Trace().Str("expr", source).Msg("Using cached expression")
		return &Filter{source: source, program: p}, nil
	}

	program, err := expr.Compile(source, expr.Env(FileEnv{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}
	s.programs.Set(source, program, ttlcache.DefaultTTL)

	return &Filter{source: source, program: program}, nil
}

// Match evaluates the filter against one file.
func (p *Filter) Match(n *filetree.Node) (bool, error) {
	result, err := expr.Run(p.program, newFileEnv(n))
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	matched, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression result is not a boolean", ErrInvalidFilter)
	}
	return matched, nil
}

func (p *Filter) filterFiles(tree *filetree.CachedFileTree) ([]filetree.NodeView, error) {
	var rows []filetree.NodeView
	for _, leaf := range tree.Files() {
		ok, err := p.Match(leaf)
		if err != nil {
			return nil, err
		}
		if ok {
			rows = append(rows, leaf.View())
		}
	}
	return rows, nil
}

func (p *Filter) String() string {
	return p.source
}
