package workspace

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/service"
)

func newTestStager(t *testing.T) (*Stager, *Workspace) {
	t.Helper()
	m := newTestManager(t)
	ws, err := m.Ensure("user-1", "session-1", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "json"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewStager(nil, log), ws
}

func TestStageSkills(t *testing.T) {
	stager, ws := newTestStager(t)

	skills := []service.ResolvedSkill{
		{
			ID:   "s1",
			Name: "pdf",
			Files: map[string]string{
				"SKILL.md":       "# pdf",
				"scripts/run.py": "print('hi')",
			},
		},
		{
			ID:    "s2",
			Name:  "../evil",
			Files: map[string]string{"SKILL.md": "x"},
		},
		{
			ID:   "s3",
			Name: "sneaky",
			Files: map[string]string{
				"../outside.txt": "x",
				"ok.md":          "fine",
			},
		},
	}
	if err := stager.StageSkills(ws, skills); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(ws.DataDir(), "skills", "pdf", "scripts", "run.py"))
	if err != nil {
		t.Fatalf("expected nested skill file: %v", err)
	}
	if string(content) != "print('hi')" {
		t.Errorf("unexpected content: %q", content)
	}

	if _, err := os.Stat(filepath.Join(ws.DataDir(), "evil")); err == nil {
		t.Error("skill with unsafe name must be skipped")
	}
	if _, err := os.Stat(filepath.Join(ws.DataDir(), "skills", "sneaky", "ok.md")); err != nil {
		t.Errorf("safe files of a partly-bad skill must still stage: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.DataDir(), "skills", "outside.txt")); err == nil {
		t.Error("unsafe file path must not escape the skill dir")
	}
}

func TestStageSlashCommandsStripsModel(t *testing.T) {
	stager, ws := newTestStager(t)

	commands := []service.ResolvedSlashCommand{
		{Name: "review", Content: "---\ndescription: Review\nmodel: claude-opus-4\n---\n\nReview it.\n"},
		{Name: "bad/name", Content: "x"},
	}
	if err := stager.StageSlashCommands(ws, commands); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(ws.DataDir(), "commands", "review.md"))
	if err != nil {
		t.Fatalf("expected staged command: %v", err)
	}
	if strings.Contains(string(content), "model:") {
		t.Errorf("model key must be stripped, got %q", content)
	}
	if !strings.Contains(string(content), "description: Review") {
		t.Errorf("other front matter must survive, got %q", content)
	}

	entries, err := os.ReadDir(filepath.Join(ws.DataDir(), "commands"))
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("unsafe command names must be skipped, got %d entries", len(entries))
	}
}

func TestStageMcpConfig(t *testing.T) {
	stager, ws := newTestStager(t)

	servers := map[string]service.McpServerEntry{
		"github": {Command: "npx", Args: []string{"-y", "github-mcp"}},
		"remote": {Type: "sse", URL: "https://mcp.example.com/sse"},
	}
	if err := stager.StageMcpConfig(ws, servers); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(ws.DataDir(), "mcp_servers.json"))
	if err != nil {
		t.Fatalf("expected mcp config: %v", err)
	}
	var doc struct {
		McpServers map[string]service.McpServerEntry `json:"mcpServers"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if len(doc.McpServers) != 2 {
		t.Errorf("expected 2 servers, got %d", len(doc.McpServers))
	}
	if doc.McpServers["github"].Command != "npx" {
		t.Errorf("unexpected github entry: %+v", doc.McpServers["github"])
	}
}

func TestStageMcpConfigEmptySkipsFile(t *testing.T) {
	stager, ws := newTestStager(t)

	if err := stager.StageMcpConfig(ws, nil); err != nil {
		t.Fatalf("stage failed: %v", err)
	}
	if _, err := os.Stat(filepath.Join(ws.DataDir(), "mcp_servers.json")); err == nil {
		t.Error("empty server map must not produce a file")
	}
}

func TestStageSubAgents(t *testing.T) {
	stager, ws := newTestStager(t)

	agents := []service.ResolvedSubAgent{
		{Name: "reviewer", Description: "Reviews diffs", Prompt: "You review code."},
		{Name: "terse", Prompt: "Short answers only."},
	}
	if err := stager.StageSubAgents(ws, agents); err != nil {
		t.Fatalf("stage failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(ws.DataDir(), "agents", "reviewer.md"))
	if err != nil {
		t.Fatalf("expected staged agent: %v", err)
	}
	want := "---\nname: reviewer\ndescription: Reviews diffs\n---\n\nYou review code."
	if string(content) != want {
		t.Errorf("unexpected agent file:\n%q\nwant:\n%q", content, want)
	}

	content, err = os.ReadFile(filepath.Join(ws.DataDir(), "agents", "terse.md"))
	if err != nil {
		t.Fatalf("expected staged agent: %v", err)
	}
	if strings.Contains(string(content), "description:") {
		t.Errorf("agent without description must omit the key, got %q", content)
	}
}

func TestStageClaudeMd(t *testing.T) {
	stager, ws := newTestStager(t)

	stager.StageClaudeMd(ws, "# Rules\n")
	content, err := os.ReadFile(filepath.Join(ws.DataDir(), "CLAUDE.md"))
	if err != nil {
		t.Fatalf("expected CLAUDE.md: %v", err)
	}
	if string(content) != "# Rules\n" {
		t.Errorf("unexpected content: %q", content)
	}
	if _, err := os.Stat(filepath.Join(ws.WorkDir, "CLAUDE.md")); err == nil {
		t.Error("document must stay out of the agent-visible workdir")
	}

	// Re-staging with empty content removes the leftover file.
	stager.StageClaudeMd(ws, "")
	if _, err := os.Stat(filepath.Join(ws.DataDir(), "CLAUDE.md")); err == nil {
		t.Error("empty document must remove the staged file")
	}

	// Empty content on a fresh workspace writes nothing.
	m := newTestManager(t)
	fresh, err := m.Ensure("user-1", "fresh", "")
	if err != nil {
		t.Fatalf("ensure failed: %v", err)
	}
	stager.StageClaudeMd(fresh, "")
	if _, err := os.Stat(filepath.Join(fresh.DataDir(), "CLAUDE.md")); err == nil {
		t.Error("empty document must not be staged")
	}
}

func TestStageInputsWithoutStorage(t *testing.T) {
	stager, ws := newTestStager(t)

	// Object storage disabled: staging is skipped, not failed.
	inputs := []InputFile{{Name: "data.csv", Key: "uploads/user-1/data.csv"}}
	if err := stager.StageInputs(context.Background(), ws, inputs); err != nil {
		t.Errorf("expected skip without storage, got %v", err)
	}
}

func TestInputFilesFromSnapshot(t *testing.T) {
	snapshot := map[string]interface{}{
		"input_files": []interface{}{
			map[string]interface{}{"name": "data.csv", "key": "uploads/u/data.csv"},
			map[string]interface{}{"name": "", "key": "uploads/u/skip"},
			map[string]interface{}{"name": "nokey.txt"},
			"not-a-map",
		},
	}

	files := InputFilesFromSnapshot(snapshot)
	if len(files) != 1 {
		t.Fatalf("expected 1 valid input file, got %d", len(files))
	}
	if files[0].Name != "data.csv" || files[0].Key != "uploads/u/data.csv" {
		t.Errorf("unexpected input file: %+v", files[0])
	}

	if got := InputFilesFromSnapshot(map[string]interface{}{}); got != nil {
		t.Errorf("expected nil for missing key, got %v", got)
	}
}
