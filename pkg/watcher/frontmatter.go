package watcher

import "strings"

const recoveryUUIDLen = 36

// findRecoveryUUID scans content for a `uuid: <doc-id>` line appearing
// before the first blank line, the resurrection marker that reunites a
// file that lost both its path binding and its inode hint (e.g.
// restored from a backup) with its original doc-id.
func findRecoveryUUID(content []byte) (string, bool) {
	for _, line := range strings.Split(string(content), "\n") {
		trimmed := strings.TrimRight(line, "\r")
		if strings.TrimSpace(trimmed) == "" {
			break
		}
		rest, ok := strings.CutPrefix(strings.TrimSpace(trimmed), "uuid:")
		if !ok {
			continue
		}
		candidate := strings.TrimSpace(rest)
		if len(candidate) == recoveryUUIDLen {
			return candidate, true
		}
	}
	return "", false
}
