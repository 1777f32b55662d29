package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/opencowork/opencowork/internal/common/logger"
	"github.com/opencowork/opencowork/internal/controlplane/service"
	"github.com/opencowork/opencowork/internal/storage"
)

// Stager writes resolved capability material into a session workspace.
type Stager struct {
	store  *storage.Client // nil when object storage is disabled
	logger *logger.Logger
}

// NewStager creates a stager.
func NewStager(store *storage.Client, log *logger.Logger) *Stager {
	return &Stager{
		store:  store,
		logger: log.WithFields(zap.String("component", "workspace-stager")),
	}
}

// StageSkills writes each skill's files under .claude_data/skills/<name>/.
// Skills with unsafe names or file paths are skipped with a warning so one
// bad record cannot block a dispatch.
func (s *Stager) StageSkills(ws *Workspace, skills []service.ResolvedSkill) error {
	base := filepath.Join(ws.DataDir(), "skills")
	for _, skill := range skills {
		if !ValidName(skill.Name) {
			s.logger.Warn("skipping skill with unsafe name",
				zap.String("skill_id", skill.ID),
				zap.String("name", skill.Name))
			continue
		}
		skillDir := filepath.Join(base, skill.Name)
		if err := os.MkdirAll(skillDir, 0o755); err != nil {
			return fmt.Errorf("failed to create skill dir %s: %w", skill.Name, err)
		}
		for rel, content := range skill.Files {
			target, err := SafeJoin(skillDir, rel)
			if err != nil {
				s.logger.Warn("skipping unsafe skill file",
					zap.String("skill", skill.Name),
					zap.String("path", rel),
					zap.Error(err))
				continue
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("failed to create skill file dir: %w", err)
			}
			if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
				return fmt.Errorf("failed to write skill file %s/%s: %w", skill.Name, rel, err)
			}
		}
	}
	return nil
}

// InputFile is one input staged from object storage into workspace/inputs/.
type InputFile struct {
	Name string `json:"name"`
	Key  string `json:"key"`
}

// InputFilesFromSnapshot reads the input_files list out of a config snapshot.
func InputFilesFromSnapshot(snapshot map[string]interface{}) []InputFile {
	raw, ok := snapshot["input_files"].([]interface{})
	if !ok {
		return nil
	}
	files := make([]InputFile, 0, len(raw))
	for _, item := range raw {
		entry, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := entry["name"].(string)
		key, _ := entry["key"].(string)
		if name != "" && key != "" {
			files = append(files, InputFile{Name: name, Key: key})
		}
	}
	return files
}

// StageInputs downloads input files into workspace/inputs/.
func (s *Stager) StageInputs(ctx context.Context, ws *Workspace, inputs []InputFile) error {
	if len(inputs) == 0 {
		return nil
	}
	if s.store == nil {
		s.logger.Warn("input files requested but object storage is disabled",
			zap.String("session_id", ws.SessionID))
		return nil
	}
	inputDir := filepath.Join(ws.WorkDir, "inputs")
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create inputs dir: %w", err)
	}
	for _, input := range inputs {
		target, err := SafeJoin(inputDir, input.Name)
		if err != nil {
			s.logger.Warn("skipping unsafe input file name",
				zap.String("name", input.Name),
				zap.Error(err))
			continue
		}
		if err := s.downloadTo(ctx, input.Key, target); err != nil {
			return fmt.Errorf("failed to stage input %s: %w", input.Name, err)
		}
	}
	return nil
}

func (s *Stager) downloadTo(ctx context.Context, key, target string) error {
	r, err := s.store.Get(ctx, key)
	if err != nil {
		return err
	}
	defer func() { _ = r.Close() }()

	f, err := os.Create(target)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	_, err = io.Copy(f, r)
	return err
}

// StageSlashCommands writes each command to .claude_data/commands/<name>.md
// with the model front-matter key stripped.
func (s *Stager) StageSlashCommands(ws *Workspace, commands []service.ResolvedSlashCommand) error {
	if len(commands) == 0 {
		return nil
	}
	cmdDir := filepath.Join(ws.DataDir(), "commands")
	if err := os.MkdirAll(cmdDir, 0o755); err != nil {
		return fmt.Errorf("failed to create commands dir: %w", err)
	}
	for _, cmd := range commands {
		if !ValidName(cmd.Name) {
			s.logger.Warn("skipping slash command with unsafe name", zap.String("name", cmd.Name))
			continue
		}
		target := filepath.Join(cmdDir, cmd.Name+".md")
		content := StripModelLine(cmd.Content)
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write slash command %s: %w", cmd.Name, err)
		}
	}
	return nil
}

// StageClaudeMd writes the merged CLAUDE.md into .claude_data/, outside the
// agent-visible workdir. Empty content removes a leftover file from an
// earlier dispatch. Best effort: a failure is logged, never fails the
// dispatch.
func (s *Stager) StageClaudeMd(ws *Workspace, content string) {
	target := filepath.Join(ws.DataDir(), "CLAUDE.md")
	if content == "" {
		if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove stale CLAUDE.md",
				zap.String("session_id", ws.SessionID),
				zap.Error(err))
		}
		return
	}
	if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
		s.logger.Warn("failed to stage CLAUDE.md",
			zap.String("session_id", ws.SessionID),
			zap.Error(err))
	}
}

// StageMcpConfig writes the executor-format MCP server map to
// .claude_data/mcp_servers.json.
func (s *Stager) StageMcpConfig(ws *Workspace, servers map[string]service.McpServerEntry) error {
	if len(servers) == 0 {
		return nil
	}
	doc := map[string]interface{}{"mcpServers": servers}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal mcp config: %w", err)
	}
	target := filepath.Join(ws.DataDir(), "mcp_servers.json")
	if err := os.WriteFile(target, data, 0o644); err != nil {
		return fmt.Errorf("failed to write mcp config: %w", err)
	}
	return nil
}

// StageSubAgents writes sub-agent definitions to .claude_data/agents/<name>.md
// in markdown-with-front-matter form.
func (s *Stager) StageSubAgents(ws *Workspace, agents []service.ResolvedSubAgent) error {
	if len(agents) == 0 {
		return nil
	}
	agentDir := filepath.Join(ws.DataDir(), "agents")
	if err := os.MkdirAll(agentDir, 0o755); err != nil {
		return fmt.Errorf("failed to create agents dir: %w", err)
	}
	for _, agent := range agents {
		if !ValidName(agent.Name) {
			s.logger.Warn("skipping sub-agent with unsafe name", zap.String("name", agent.Name))
			continue
		}
		meta, err := yaml.Marshal(subAgentFrontMatter{
			Name:        agent.Name,
			Description: agent.Description,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal sub-agent %s front matter: %w", agent.Name, err)
		}
		content := "---\n" + string(meta) + "---\n\n" + agent.Prompt
		target := filepath.Join(agentDir, agent.Name+".md")
		if err := os.WriteFile(target, []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write sub-agent %s: %w", agent.Name, err)
		}
	}
	return nil
}

type subAgentFrontMatter struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description,omitempty"`
}
