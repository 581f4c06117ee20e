package guards

import (
	"context"

	"github.com/triage-ai/rampart/internal/engine"
	"github.com/triage-ai/rampart/internal/pool"
)

var fileOperationTokens = []string{
	"../", `..\`, "/etc/", "/proc/self", "\x00",
	"php://", "zip://", "phar://", "expect://",
	`c:\`, ".htaccess", "web.config", "~/.ssh", ".ssh/",
}

var fileOperationRules = []rule{
	{`\.\.[/\\]`, "directory traversal"},
	{`/etc/(?:passwd|shadow|hosts|group|sudoers)\b`, "system file reference"},
	{`/proc/self/`, "procfs self reference"},
	{`\x00`, "null byte"},
	{`\b(?:php|zip|phar|expect)://`, "stream wrapper"},
	{`c:\\(?:windows|winnt|boot\.ini)`, "windows system path"},
	{`\.htaccess|web\.config`, "server config file"},
	{`~/\.ssh|\.ssh/(?:id_rsa|id_ed25519|authorized_keys)`, "ssh key path"},
}

// FileOperations detects path traversal and sensitive file access.
type FileOperations struct {
	base
}

func NewFileOperations(cache *pool.PatternCache) *FileOperations {
	return &FileOperations{
		base: newBase(cache, "file_operations", 50, engine.ThreatLow, fileOperationTokens, fileOperationRules),
	}
}

func (g *FileOperations) Inspect(ctx context.Context, in *engine.Input) (*engine.Result, error) {
	if r := g.match(ctx, in.DecodedPayload()); r != nil {
		return r, nil
	}
	return engine.Pass(g.name), nil
}
