// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package filetrees

import (
	"encoding/binary"
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/autobrr/qui-files/internal/filetree"
)

// Fingerprint hashes everything in a snapshot a tree depends on. Equal
// fingerprints mean applying the snapshot would be a no-op.
func Fingerprint(snap filetree.Snapshot) uint64 {
	d := xxhash.New()
	buf := make([]byte, 0, 64)

	_, _ = d.WriteString(strings.ToLower(strings.TrimSpace(snap.Identity.Hash)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(snap.Identity.ID))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(len(snap.Files)))
	_, _ = d.Write(buf)

	for _, f := range snap.Files {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.Index))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.Size))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(f.BytesCompleted))
		buf = append(buf, boolByte(f.Wanted), byte(f.Priority))
		_, _ = d.Write(buf)
		for _, segment := range f.Path {
			_, _ = d.WriteString(segment)
			_, _ = d.Write([]byte{0})
		}
	}

	// Stats take precedence over the file records, so they change the hash too.
	for _, st := range snap.Stats {
		buf = buf[:0]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(st.BytesCompleted))
		buf = append(buf, boolByte(st.Wanted), byte(st.Priority))
		_, _ = d.Write(buf)
	}

	return d.Sum64()
}

// FormatFingerprint renders a fingerprint for use as an HTTP entity tag.
func FormatFingerprint(fp uint64) string {
	return fmt.Sprintf("%016x", fp)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
