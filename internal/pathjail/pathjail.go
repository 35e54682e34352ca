// Package pathjail resolves client-supplied TNFS paths against a session's
// export root and refuses to let any of them escape it (spec.md §4.2).
package pathjail

import (
	"errors"
	"path/filepath"
	"strings"
)

// ErrEscape is returned when a client path resolves outside the export root.
var ErrEscape = errors.New("pathjail: path escapes export root")

// Resolve strips leading separators from clientPath, joins it under root,
// lexically cleans `.`/`..` segments, and rejects the result unless it is
// root itself or a descendant of it. It never touches the filesystem —
// purely lexical, matching the "canonicalize(join(root, P))" invariant in
// spec.md §8, which must hold even for paths that don't exist yet (e.g. the
// target of a MKDIR or a RENAMEFILE destination).
func Resolve(root, clientPath string) (string, error) {
	root = filepath.Clean(root)
	stripped := strings.TrimLeft(clientPath, "/\\")
	joined := filepath.Join(root, stripped)
	joined = filepath.Clean(joined)

	prefix := root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if joined != root && !strings.HasPrefix(joined, prefix) {
		return "", ErrEscape
	}
	return joined, nil
}
