// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetrees

import (
	"context"
	"sort"
	"strings"

	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/autobrr/qui-files/internal/filetree"
)

const defaultSearchLimit = 50

type SearchResult struct {
	Node filetree.NodeView `json:"node"`
	// Score is 0 for substring matches; fuzzy matches rank by edit distance
	// starting at 1.
	Score int `json:"score"`
}

// Search finds files whose path matches query. Substring matches come
// first, then fuzzy matches ordered by distance.
func (s *Service) Search(ctx context.Context, hash, query string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	results := []SearchResult{}
	if query == "" {
		return results, nil
	}

	err := s.withTree(ctx, hash, func(sess *session) error {
		files := sess.tree.Files()
		targets := make([]string, len(files))
		for i, leaf := range files {
			targets[i] = leaf.FullPath()
		}

		normalized := strings.ToLower(query)
		seen := make(map[int]struct{})
		for i, target := range targets {
			if strings.Contains(strings.ToLower(target), normalized) {
				results = append(results, SearchResult{Node: files[i].View()})
				seen[i] = struct{}{}
			}
		}

		ranks := fuzzy.RankFindNormalizedFold(query, targets)
		sort.Sort(ranks)
		for _, rank := range ranks {
			if _, ok := seen[rank.OriginalIndex]; ok {
				continue
			}
			results = append(results, SearchResult{
				Node:  files[rank.OriginalIndex].View(),
				Score: rank.Distance + 1,
			})
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(results) > limit {
		results = results[:limit]
	}
	return results, nil
}
