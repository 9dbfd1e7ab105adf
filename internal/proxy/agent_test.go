package proxy

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestExtractAgentDirectories(t *testing.T) {
	base := t.TempDir()
	agentsDir := filepath.Join(base, "proj", ".claude", "agents")
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	bases := []string{base}

	t.Run("valid path accepted", func(t *testing.T) {
		prompt := "You have agents available under " + agentsDir + " for this task."
		got := ExtractAgentDirectories(prompt, bases)
		if len(got) != 1 || got[0] != agentsDir {
			t.Fatalf("got %v, want [%s]", got, agentsDir)
		}
	})

	t.Run("claude md reference", func(t *testing.T) {
		prompt := "Contents of " + filepath.Join(base, "proj") + "/CLAUDE.md (project instructions)"
		got := ExtractAgentDirectories(prompt, bases)
		if len(got) != 1 || got[0] != agentsDir {
			t.Fatalf("got %v, want [%s]", got, agentsDir)
		}
	})

	t.Run("raw traversal rejected", func(t *testing.T) {
		prompt := "Contents of /../../etc/CLAUDE.md"
		if got := ExtractAgentDirectories(prompt, bases); len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})

	t.Run("double encoded traversal rejected", func(t *testing.T) {
		prompt := "see /%252e%252e/foo/.claude/agents for agents"
		if got := ExtractAgentDirectories(prompt, bases); len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})

	t.Run("single encoded traversal rejected", func(t *testing.T) {
		prompt := "see " + base + "/%2e%2e/secret/.claude/agents now"
		if got := ExtractAgentDirectories(prompt, bases); len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})

	t.Run("outside allowed bases rejected", func(t *testing.T) {
		prompt := "see /etc/evil/.claude/agents for agents"
		if got := ExtractAgentDirectories(prompt, bases); len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})

	t.Run("malformed percent encoding rejected", func(t *testing.T) {
		prompt := "see " + base + "/%zz/.claude/agents now"
		if got := ExtractAgentDirectories(prompt, bases); len(got) != 0 {
			t.Fatalf("got %v, want none", got)
		}
	})
}

func TestParseAgentFile(t *testing.T) {
	content := `---
name: code-reviewer
model: haiku
---

You are a meticulous code reviewer focused on correctness.
`
	agent, ok := parseAgentFile(content)
	if !ok {
		t.Fatal("agent file not parsed")
	}
	if agent.Name != "code-reviewer" || agent.Model != "haiku" {
		t.Errorf("agent = %+v", agent)
	}
	if agent.Snippet == "" {
		t.Error("no matching snippet captured")
	}

	if _, ok := parseAgentFile("no frontmatter here"); ok {
		t.Error("file without frontmatter accepted")
	}
}

func TestInterceptRewritesModel(t *testing.T) {
	base := t.TempDir()
	agentsDir := filepath.Join(base, ".claude", "agents")
	if err := os.MkdirAll(agentsDir, 0o755); err != nil {
		t.Fatal(err)
	}
	def := `---
name: summarizer
model: haiku
---

You are a summarizer that condenses long documents precisely.
`
	if err := os.WriteFile(filepath.Join(agentsDir, "summarizer.md"), []byte(def), 0o644); err != nil {
		t.Fatal(err)
	}

	i := &AgentInterceptor{
		allowedBases: []string{base},
		loaded:       make(map[string]bool),
	}

	body := []byte(`{"model":"claude-opus-4-20250514","system":"You are a summarizer that condenses long documents precisely. Agents live in ` +
		agentsDir + `","messages":[]}`)

	out, agentUsed := i.Intercept(body)
	if agentUsed != "summarizer" {
		t.Fatalf("agentUsed = %q, want summarizer", agentUsed)
	}
	if want := `"model":"claude-3-5-haiku-20241022"`; !strings.Contains(string(out), want) {
		t.Errorf("model not rewritten: %s", out)
	}
}

func TestInterceptSwallowsGarbage(t *testing.T) {
	i := NewAgentInterceptor()
	body := []byte(`not json at all`)
	out, agentUsed := i.Intercept(body)
	if string(out) != string(body) || agentUsed != "" {
		t.Error("garbage body must pass through untouched")
	}
}
