package wal

import (
	"bytes"
	"fmt"
	"path/filepath"

	"github.com/calvinalkan/kvwal/pkg/walcodec"
)

// segmentFileName returns the on-disk name for sequence number seq:
// "wal.log.segment.<n>" with n starting at 1.
func segmentFileName(seq int) string {
	return fmt.Sprintf("wal.log.segment.%d", seq)
}

func segmentPath(dir string, seq int) string {
	return filepath.Join(dir, segmentFileName(seq))
}

// scanResult is the outcome of scanning one segment's raw bytes into
// decoded entries.
type scanResult struct {
	entries        []walcodec.LogEntry
	corruptSkipped int
	// tornTailOffset is the byte offset at which a torn tail begins. Only
	// meaningful when tornTail is true.
	tornTailOffset int
	tornTail       bool
}

// scanSegment walks newline-delimited records in data, decoding each with
// [walcodec.Decode].
//
// A record that fails to decode is either:
//   - a torn tail, if it is the last chunk in the file (whether or not it
//     ends with a trailing newline) — recorded via tornTail/tornTailOffset so
//     the caller can truncate it away, or
//   - a corrupt record, if something else follows it — counted in
//     corruptSkipped and otherwise ignored.
//
// A failed final record is treated as a torn tail (discarded silently,
// since a crash mid-append looks identical to a short read); a failed
// record with good data after it is corruption and gets logged and skipped
// instead of discarded.
func scanSegment(data []byte) scanResult {
	var result scanResult

	offset := 0

	for offset < len(data) {
		nl := bytes.IndexByte(data[offset:], '\n')

		isLast := nl == -1 || len(bytes.TrimSpace(data[offset+nl+1:])) == 0

		var line []byte

		var next int

		if isLast {
			line = data[offset:]
			next = len(data)
		} else {
			line = data[offset : offset+nl]
			next = offset + nl + 1
		}

		if len(bytes.TrimSpace(line)) == 0 {
			offset = next
			continue
		}

		entry, err := walcodec.Decode(line)
		if err != nil {
			if isLast {
				result.tornTail = true
				result.tornTailOffset = offset

				return result
			}

			result.corruptSkipped++
			offset = next

			continue
		}

		result.entries = append(result.entries, entry)
		offset = next
	}

	return result
}
