// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetree

import "errors"

var (
	// ErrIdentityMismatch means the snapshot does not belong to the tree's
	// torrent or no longer matches its file list; the caller must re-parse.
	ErrIdentityMismatch  = errors.New("snapshot does not match file tree")
	ErrNotFound          = errors.New("file tree node not found")
	ErrInvalidIndex      = errors.New("file index out of range")
	ErrMalformedSnapshot = errors.New("malformed torrent snapshot")
)
