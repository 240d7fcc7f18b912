// Package agenttest provides a scripted stand-in for the Claude CLI used by
// the session and API tests. The script speaks just enough of the stream-json
// contract: it writes the transcript file the orchestrator waits for, emits
// configurable stdout lines, and records everything it receives on stdin.
//
// Behavior is driven by environment variables, set per test with t.Setenv:
//
//	MOCK_PROJECTS_DIR   transcript root to write the session file under
//	MOCK_STDIN_CAPTURE  file that receives a copy of every stdin line
//	MOCK_ECHO           echo every stdin line back on stdout when set
//	MOCK_EMIT_LINE      extra stdout line emitted right after startup
//	MOCK_EMIT_ON_TRIGGER line emitted when stdin contains "emit"
//	MOCK_APPROVALS      number of control_request lines to emit at startup
//	MOCK_RESUME_ID      session id announced in resume mode
//	MOCK_RESUME_NOISE   lines emitted before the resume announcement
//	MOCK_EXIT_CODE      exit status used when stdin closes or exit is requested
package agenttest

import (
	"os"
	"path/filepath"
	"testing"
)

const script = `#!/bin/sh
sid=""
resume=0
prev=""
for a in "$@"; do
  case "$prev" in
    --session-id) sid="$a" ;;
    --resume) sid="$a"; resume=1 ;;
  esac
  prev="$a"
done

if [ "$resume" = "1" ] && [ -n "$MOCK_RESUME_ID" ]; then
  i=0
  while [ "$i" -lt "${MOCK_RESUME_NOISE:-0}" ]; do
    echo '{"type":"system","subtype":"init"}'
    i=$((i+1))
  done
  printf '{"session_id":"%s","type":"system"}\n' "$MOCK_RESUME_ID"
  sid="$MOCK_RESUME_ID"
fi

if [ -n "$MOCK_PROJECTS_DIR" ]; then
  cwd=$(pwd)
  enc=$(printf '%s' "$cwd" | tr '/:' '__')
  dir="$MOCK_PROJECTS_DIR/$enc"
  mkdir -p "$dir"
  printf '{"sessionId":"%s","cwd":"%s","type":"user","timestamp":"2026-01-01T00:00:00Z"}\n' "$sid" "$cwd" > "$dir/$sid.jsonl"
fi

i=0
while [ "$i" -lt "${MOCK_APPROVALS:-0}" ]; do
  i=$((i+1))
  printf '{"type":"control_request","request_id":"agent-%d","request":{"subtype":"can_use_tool","tool_name":"Read"}}\n' "$i"
done

if [ -n "$MOCK_EMIT_LINE" ]; then
  printf '%s\n' "$MOCK_EMIT_LINE"
fi

while IFS= read -r line; do
  if [ -n "$MOCK_STDIN_CAPTURE" ]; then
    printf '%s\n' "$line" >> "$MOCK_STDIN_CAPTURE"
  fi
  case "$line" in
    *'"control":"exit"'*) exit "${MOCK_EXIT_CODE:-0}" ;;
  esac
  if [ -n "$MOCK_EMIT_ON_TRIGGER" ]; then
    case "$line" in
      *emit*) printf '%s\n' "$MOCK_EMIT_ON_TRIGGER" ;;
    esac
  fi
  if [ -n "$MOCK_ECHO" ]; then
    printf '%s\n' "$line"
  fi
done
exit "${MOCK_EXIT_CODE:-0}"
`

// Mock is one scripted agent installation.
type Mock struct {
	// BinaryPath is the executable script standing in for the agent CLI.
	BinaryPath string
	// ProjectsDir is the transcript root the script writes under.
	ProjectsDir string
	// CapturePath collects every line the script reads from stdin.
	CapturePath string
}

// Install writes the mock script into a fresh temp directory and points the
// relevant environment variables at it.
func Install(t *testing.T) *Mock {
	t.Helper()

	dir := t.TempDir()
	binary := filepath.Join(dir, "mock-agent")
	if err := os.WriteFile(binary, []byte(script), 0o755); err != nil {
		t.Fatalf("write mock agent script: %v", err)
	}

	projects := filepath.Join(dir, "projects")
	if err := os.MkdirAll(projects, 0o755); err != nil {
		t.Fatalf("create projects dir: %v", err)
	}

	capture := filepath.Join(dir, "stdin-capture.jsonl")

	t.Setenv("MOCK_PROJECTS_DIR", projects)
	t.Setenv("MOCK_STDIN_CAPTURE", capture)

	return &Mock{
		BinaryPath:  binary,
		ProjectsDir: projects,
		CapturePath: capture,
	}
}

// CapturedLines returns the stdin lines recorded so far.
func (m *Mock) CapturedLines() []string {
	data, err := os.ReadFile(m.CapturePath)
	if err != nil {
		return nil
	}
	var lines []string
	start := 0
	for i, b := range data {
		if b == '\n' {
			if i > start {
				lines = append(lines, string(data[start:i]))
			}
			start = i + 1
		}
	}
	return lines
}
