package policy

import (
	"path/filepath"
	"strings"
)

// boundaryResult is the outcome of the workspace-boundary stage.
type boundaryResult struct {
	escaped    bool   // a path resolved outside the workspace root
	escapePath string // the offending path
	flagged    bool   // inside the root but outside the caller's workbranch
	flagPath   string
}

// checkBoundary tokenizes the command on whitespace, treats tokens containing
// a path separator as candidate paths, and resolves each against the
// workspace root. Escaping the root rejects; merely leaving the caller's own
// workbranch subdirectory is allowed but flagged for observability, because
// isolation here is advisory, not absolute.
func checkBoundary(command, workspaceRoot, workbranch string) boundaryResult {
	var res boundaryResult
	branchDir := filepath.Join(workspaceRoot, "workbranches", workbranch)

	for _, tok := range strings.Fields(command) {
		if !looksLikePath(tok) {
			continue
		}
		p := strings.ReplaceAll(tok, "\\", "/")
		if !filepath.IsAbs(p) {
			p = filepath.Join(workspaceRoot, p)
		}
		p = filepath.Clean(p)

		if !within(p, workspaceRoot) {
			res.escaped = true
			res.escapePath = tok
			return res
		}
		if !res.flagged && !within(p, branchDir) {
			res.flagged = true
			res.flagPath = tok
		}
	}
	return res
}

// looksLikePath reports whether a token should be resolved as a filesystem
// path. Flags, URLs, and bare words are skipped.
func looksLikePath(tok string) bool {
	if strings.HasPrefix(tok, "-") {
		return false
	}
	if strings.Contains(tok, "://") {
		return false
	}
	return strings.ContainsAny(tok, `/\`)
}

// within reports whether path is dir or inside dir. Both must be cleaned.
func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
