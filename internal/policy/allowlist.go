package policy

import (
	"path/filepath"
	"strings"
)

// safeExecutables is the built-in set of executables accepted when the
// service runs in the default (non-dangerous) mode: navigation, inspection,
// git, the node/python/go toolchains, and editors.
var safeExecutables = map[string]bool{
	// navigation and inspection
	"cd": true, "ls": true, "dir": true, "pwd": true, "tree": true,
	"cat": true, "type": true, "head": true, "tail": true, "less": true,
	"more": true, "grep": true, "findstr": true, "find": true, "stat": true,
	"file": true, "wc": true, "which": true, "where": true, "echo": true,
	"env": true, "set": true, "date": true, "whoami": true, "hostname": true,
	"uname": true, "ver": true, "clear": true, "cls": true, "history": true,
	"help": true, "exit": true,
	// file manipulation inside the workspace
	"mkdir": true, "touch": true, "cp": true, "copy": true, "mv": true,
	"move": true, "ren": true,
	// version control and toolchains
	"git": true, "npm": true, "npx": true, "node": true, "yarn": true,
	"pnpm": true, "python": true, "python3": true, "pip": true, "pip3": true,
	"go": true, "cargo": true, "dotnet": true, "make": true,
	// editors
	"code": true, "vim": true, "nvim": true, "nano": true, "emacs": true,
}

// npmSubcommands are the npm invocations accepted without further checks.
var npmSubcommands = map[string]bool{
	"install": true, "ci": true, "start": true, "dev": true, "build": true,
	"test": true, "lint": true, "audit": true, "outdated": true, "ls": true,
	"list": true, "view": true, "info": true, "init": true, "version": true,
	"help": true, "run": true,
}

// npmScripts are the script names accepted for "npm run <name>" (and for the
// shorthand subcommand forms like "npm test").
var npmScripts = map[string]bool{
	"start": true, "dev": true, "build": true, "test": true, "lint": true,
	"format": true, "typecheck": true, "watch": true, "serve": true,
	"preview": true, "compile": true, "clean": true,
}

// executableToken extracts the first whitespace-delimited token of the
// command and strips any path prefix, so "/usr/bin/git status" checks "git".
func executableToken(command string) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return ""
	}
	exe := filepath.Base(strings.ReplaceAll(fields[0], "\\", "/"))
	exe = strings.TrimSuffix(strings.ToLower(exe), ".exe")
	return exe
}

// checkNpm validates an npm invocation against the subcommand and script
// allowlists. Returns "" when accepted, or a rejection reason.
func checkNpm(command string) string {
	fields := strings.Fields(command)
	if len(fields) < 2 {
		return "" // bare "npm" prints usage, harmless
	}
	sub := strings.ToLower(fields[1])
	if !npmSubcommands[sub] {
		return "npm subcommand " + sub + " is not in the allowed set"
	}
	if sub == "run" {
		if len(fields) < 3 {
			return "npm run requires a script name"
		}
		script := strings.ToLower(fields[2])
		if !npmScripts[script] {
			return "npm script " + script + " is not in the allowed set"
		}
	}
	return ""
}
