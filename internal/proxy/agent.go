package proxy

import (
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

var (
	agentsDirPattern = regexp.MustCompile(`([^\s"'` + "`" + `]+/\.claude/agents)`)
	claudeMdPattern  = regexp.MustCompile(`Contents of ([^\s]+)/CLAUDE\.md`)
)

// modelAliases expands the short model names used in agent definitions.
var modelAliases = map[string]string{
	"opus":   "claude-opus-4-20250514",
	"sonnet": "claude-sonnet-4-20250514",
	"haiku":  "claude-3-5-haiku-20241022",
}

type agentDef struct {
	Name    string
	Model   string
	Snippet string // first substantial line of the definition body
}

// AgentInterceptor rewrites the request model when the system prompt
// matches a locally defined agent with a model preference. Agent
// definitions are markdown files discovered from workspace paths the
// prompt itself references. Every failure here is swallowed; the request
// always forwards.
type AgentInterceptor struct {
	allowedBases []string

	mu     sync.Mutex
	loaded map[string]bool
	agents []agentDef
}

func NewAgentInterceptor() *AgentInterceptor {
	var bases []string
	if home, err := os.UserHomeDir(); err == nil {
		bases = append(bases, filepath.Clean(home))
	}
	if cwd, err := os.Getwd(); err == nil {
		bases = append(bases, filepath.Clean(cwd))
	}
	bases = append(bases, filepath.Clean(os.TempDir()))

	return &AgentInterceptor{
		allowedBases: bases,
		loaded:       make(map[string]bool),
	}
}

// Intercept inspects the request body and returns it with the model
// rewritten when an agent with a model preference matches. The second
// return is the matched agent name, "" when none.
func (i *AgentInterceptor) Intercept(body []byte) ([]byte, string) {
	system := extractSystemPrompt(body)
	if system == "" {
		return body, ""
	}

	for _, dir := range ExtractAgentDirectories(system, i.allowedBases) {
		i.loadAgents(dir)
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	for _, agent := range i.agents {
		if agent.Snippet == "" || !strings.Contains(system, agent.Snippet) {
			continue
		}
		if agent.Model == "" {
			return body, agent.Name
		}
		model := agent.Model
		if full, ok := modelAliases[strings.ToLower(model)]; ok {
			model = full
		}
		out, err := sjson.SetBytes(body, "model", model)
		if err != nil {
			log.Debug().Err(err).Str("agent", agent.Name).Msg("agent model rewrite failed")
			return body, agent.Name
		}
		log.Debug().Str("agent", agent.Name).Str("model", model).Msg("agent model applied")
		return out, agent.Name
	}
	return body, ""
}

// extractSystemPrompt flattens the system field, which is either a string
// or an array of text blocks.
func extractSystemPrompt(body []byte) string {
	system := gjson.GetBytes(body, "system")
	if !system.Exists() {
		return ""
	}
	if system.Type == gjson.String {
		return system.String()
	}
	if system.IsArray() {
		var sb strings.Builder
		system.ForEach(func(_, block gjson.Result) bool {
			sb.WriteString(block.Get("text").String())
			sb.WriteString("\n")
			return true
		})
		return sb.String()
	}
	return ""
}

// ExtractAgentDirectories finds workspace paths referenced by the prompt
// and keeps only those that survive the traversal and containment checks.
func ExtractAgentDirectories(prompt string, allowedBases []string) []string {
	seen := make(map[string]bool)
	var out []string

	add := func(candidate string) {
		abs, ok := sanitizeWorkspacePath(candidate, allowedBases)
		if !ok || seen[abs] {
			return
		}
		seen[abs] = true
		out = append(out, abs)
	}

	for _, m := range agentsDirPattern.FindAllStringSubmatch(prompt, -1) {
		add(m[1])
	}
	for _, m := range claudeMdPattern.FindAllStringSubmatch(prompt, -1) {
		add(m[1] + "/.claude/agents")
	}
	return out
}

// sanitizeWorkspacePath applies up to two rounds of URL decoding, rejects
// traversal in any form, and requires the absolute path to sit under one
// of the allowed bases.
func sanitizeWorkspacePath(p string, allowedBases []string) (string, bool) {
	if p == "" || strings.Contains(p, "..") {
		return "", false
	}

	decoded := p
	for round := 0; round < 2 && strings.Contains(decoded, "%"); round++ {
		next, err := url.PathUnescape(decoded)
		if err != nil {
			// Malformed percent encoding.
			return "", false
		}
		decoded = next
		if strings.Contains(decoded, "..") {
			return "", false
		}
	}
	if strings.Contains(decoded, "%") {
		// Still encoded after two rounds; do not trust it.
		return "", false
	}
	if strings.ContainsRune(decoded, '\x00') {
		return "", false
	}

	abs, err := filepath.Abs(filepath.Clean(decoded))
	if err != nil || strings.Contains(abs, "..") {
		return "", false
	}

	contained := false
	for _, base := range allowedBases {
		if abs == base || strings.HasPrefix(abs, base+string(filepath.Separator)) {
			contained = true
			break
		}
	}
	if !contained {
		return "", false
	}

	if fi, err := os.Lstat(abs); err == nil && fi.Mode()&os.ModeSymlink != 0 {
		log.Warn().Str("path", abs).Msg("agent workspace path is a symlink")
	}
	return abs, true
}

// loadAgents parses markdown agent definitions under dir once.
func (i *AgentInterceptor) loadAgents(dir string) {
	i.mu.Lock()
	if i.loaded[dir] {
		i.mu.Unlock()
		return
	}
	i.loaded[dir] = true
	i.mu.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		log.Debug().Str("dir", dir).Err(err).Msg("agent directory unreadable")
		return
	}

	var found []agentDef
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			continue
		}
		if agent, ok := parseAgentFile(string(data)); ok {
			found = append(found, agent)
		}
	}

	if len(found) > 0 {
		i.mu.Lock()
		i.agents = append(i.agents, found...)
		i.mu.Unlock()
		log.Info().Str("dir", dir).Int("agents", len(found)).Msg("agent definitions loaded")
	}
}

// parseAgentFile reads the YAML frontmatter (name, model) and captures the
// first substantial body line for prompt matching.
func parseAgentFile(content string) (agentDef, bool) {
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != "---" {
		return agentDef{}, false
	}

	var agent agentDef
	bodyStart := -1
	for idx := 1; idx < len(lines); idx++ {
		line := strings.TrimSpace(lines[idx])
		if line == "---" {
			bodyStart = idx + 1
			break
		}
		if v, ok := strings.CutPrefix(line, "name:"); ok {
			agent.Name = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "model:"); ok {
			agent.Model = strings.TrimSpace(v)
		}
	}
	if agent.Name == "" || bodyStart < 0 {
		return agentDef{}, false
	}

	for _, line := range lines[bodyStart:] {
		line = strings.TrimSpace(line)
		// Short lines match too easily against unrelated prompts.
		if len(line) >= 24 {
			agent.Snippet = line
			break
		}
	}
	return agent, agent.Snippet != ""
}
