package templates

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newSandboxDir(t *testing.T) (string, *Sandbox) {
	t.Helper()
	dir := t.TempDir()
	sandbox, err := NewSandbox(dir, false, nil)
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}
	return dir, sandbox
}

func TestCompileInlineRendersData(t *testing.T) {
	r := NewRenderer(nil)
	tmpl, err := r.CompileInline("offline", "<h1>{{ .Title }}</h1><p>version {{ .Version }}</p>")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tmpl.Render(map[string]any{"Title": "Offline", "Version": "v2"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "<h1>Offline</h1><p>version v2</p>" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestCompileInlineEmptySourceIsNil(t *testing.T) {
	r := NewRenderer(nil)
	tmpl, err := r.CompileInline("empty", "   \n ")
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	if tmpl != nil {
		t.Fatalf("whitespace source must yield nil template")
	}
}

func TestCompileInlineSprigFunctions(t *testing.T) {
	r := NewRenderer(nil)
	tmpl, err := r.CompileInline("sprig", `{{ "offgate" | upper }}-{{ default "v1" .Version }}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tmpl.Render(map[string]any{})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "OFFGATE-v1" {
		t.Fatalf("unexpected output %q", out)
	}
}

func TestFilesystemHelpersRemoved(t *testing.T) {
	r := NewRenderer(nil)
	for _, source := range []string{`{{ readFile "/etc/passwd" }}`, `{{ readDir "/" }}`, `{{ glob "*" }}`} {
		if _, err := r.CompileInline("escape", source); err == nil {
			t.Fatalf("expected %q to fail compilation", source)
		}
	}
}

func TestEnvHelperHonorsSandboxPolicy(t *testing.T) {
	t.Setenv("OFFGATE_TEST_SECRET", "sekrit")
	t.Setenv("OFFGATE_TEST_ALLOWED", "visible")

	dir := t.TempDir()
	sandbox, err := NewSandbox(dir, true, []string{"OFFGATE_TEST_ALLOWED"})
	if err != nil {
		t.Fatalf("sandbox: %v", err)
	}

	r := NewRenderer(sandbox)
	tmpl, err := r.CompileInline("env", `{{ env "OFFGATE_TEST_ALLOWED" }}|{{ env "OFFGATE_TEST_SECRET" }}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tmpl.Render(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "visible|" {
		t.Fatalf("env allow list not honored: %q", out)
	}
}

func TestEnvHelperWithoutSandboxIsEmpty(t *testing.T) {
	t.Setenv("OFFGATE_TEST_SECRET", "sekrit")
	r := NewRenderer(nil)
	tmpl, err := r.CompileInline("env", `{{ env "OFFGATE_TEST_SECRET" }}{{ expandenv "$OFFGATE_TEST_SECRET" }}`)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	out, err := tmpl.Render(nil)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "" {
		t.Fatalf("sandboxless env access must be empty, got %q", out)
	}
}

func TestCompileFileWithinSandbox(t *testing.T) {
	dir, sandbox := newSandboxDir(t)
	path := filepath.Join(dir, "offline.html.tmpl")
	if err := os.WriteFile(path, []byte("<html>{{ .Version }}</html>"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRenderer(sandbox)
	tmpl, err := r.CompileFile("offline.html.tmpl")
	if err != nil {
		t.Fatalf("compile file: %v", err)
	}
	out, err := tmpl.Render(map[string]any{"Version": "v3"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if out != "<html>v3</html>" {
		t.Fatalf("unexpected output %q", out)
	}
	if tmpl.Name() != "offline.html.tmpl" {
		t.Fatalf("unexpected name %q", tmpl.Name())
	}
}

func TestDocumentCompilesAndRenders(t *testing.T) {
	dir, sandbox := newSandboxDir(t)
	path := filepath.Join(dir, "offline.html.tmpl")
	if err := os.WriteFile(path, []byte("<html>offline since {{ .GeneratedAt }}</html>"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	r := NewRenderer(sandbox)
	doc, err := r.Document("offline.html.tmpl", map[string]any{"GeneratedAt": "2026-08-24T00:00:00Z"})
	if err != nil {
		t.Fatalf("document: %v", err)
	}
	if doc != "<html>offline since 2026-08-24T00:00:00Z</html>" {
		t.Fatalf("unexpected document %q", doc)
	}

	if _, err := r.Document("missing.tmpl", nil); err == nil {
		t.Fatalf("missing template must error")
	}
}

func TestCompileFileRejectsTraversal(t *testing.T) {
	_, sandbox := newSandboxDir(t)
	r := NewRenderer(sandbox)
	if _, err := r.CompileFile("../../etc/passwd"); err == nil {
		t.Fatalf("traversal must be rejected")
	}
}

func TestCompileFileRequiresSandbox(t *testing.T) {
	r := NewRenderer(nil)
	if _, err := r.CompileFile("offline.html.tmpl"); err == nil {
		t.Fatalf("file templates without sandbox must fail")
	}
}

func TestSandboxResolveContainment(t *testing.T) {
	dir, sandbox := newSandboxDir(t)
	inside := filepath.Join(dir, "doc.tmpl")
	if err := os.WriteFile(inside, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	resolved, err := sandbox.Resolve("doc.tmpl")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !strings.HasPrefix(resolved, sandbox.Root()) {
		t.Fatalf("resolved path %q outside root %q", resolved, sandbox.Root())
	}

	if _, err := sandbox.Resolve(filepath.Join("..", "escape.tmpl")); err == nil {
		t.Fatalf("relative escape must be rejected")
	}
}

func TestNewSandboxValidation(t *testing.T) {
	if _, err := NewSandbox("  ", false, nil); err == nil {
		t.Fatalf("empty root must be rejected")
	}
	file := filepath.Join(t.TempDir(), "not-a-dir")
	if err := os.WriteFile(file, []byte("x"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := NewSandbox(file, false, nil); err == nil {
		t.Fatalf("file root must be rejected")
	}
}
