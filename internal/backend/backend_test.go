package backend_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/seantiz/kiln/internal/backend"
	"github.com/seantiz/kiln/internal/model"
)

func TestLookupLanguage(t *testing.T) {
	tests := []struct {
		lang     model.Language
		filename string
		repo     string
	}{
		{model.LanguagePython, "function.py", "kiln-func-python"},
		{model.LanguageJavaScript, "function.js", "kiln-func-node"},
	}
	for _, tt := range tests {
		lc, err := backend.LookupLanguage(tt.lang)
		if err != nil {
			t.Fatalf("LookupLanguage(%s): %v", tt.lang, err)
		}
		if lc.Filename != tt.filename {
			t.Errorf("%s Filename = %q, want %q", tt.lang, lc.Filename, tt.filename)
		}
		if lc.ImageRepo != tt.repo {
			t.Errorf("%s ImageRepo = %q, want %q", tt.lang, lc.ImageRepo, tt.repo)
		}
		if lc.SampleCode == "" {
			t.Errorf("%s has no sample code", tt.lang)
		}
	}
}

func TestLookupLanguageUnsupported(t *testing.T) {
	_, err := backend.LookupLanguage("ruby")
	if !errors.Is(err, backend.ErrUnsupportedLanguage) {
		t.Errorf("LookupLanguage(ruby) = %v, want ErrUnsupportedLanguage", err)
	}
}

func TestRuntimeFiles(t *testing.T) {
	for _, l := range backend.Languages() {
		lc, _ := backend.LookupLanguage(l)
		files, err := lc.RuntimeFiles()
		if err != nil {
			t.Fatalf("RuntimeFiles(%s): %v", l, err)
		}
		df, ok := files["Dockerfile"]
		if !ok {
			t.Fatalf("%s: missing Dockerfile, got %v", l, keys(files))
		}
		if !strings.Contains(string(df), lc.Filename) {
			t.Errorf("%s Dockerfile does not copy %s", l, lc.Filename)
		}
		if len(files) != 2 {
			t.Errorf("%s: %d runtime files, want Dockerfile and bootstrap", l, len(files))
		}
	}
}

func TestImageTags(t *testing.T) {
	lc, _ := backend.LookupLanguage(model.LanguagePython)

	if got := lc.WarmTag(model.BackendSandboxed); got != "kiln-func-python-sandboxed:warm" {
		t.Errorf("WarmTag = %q", got)
	}
	if got := lc.ColdTag(model.BackendStandard, "01ABC"); got != "kiln-func-python-standard:cold-01ABC" {
		t.Errorf("ColdTag = %q", got)
	}
}

func TestImageRefName(t *testing.T) {
	if (backend.ImageRef{}).IsZero() != true {
		t.Error("zero ImageRef should report IsZero")
	}
	ref := backend.ImageRef{ID: "sha256:abc"}
	if ref.Name() != "sha256:abc" {
		t.Errorf("Name() = %q, want id fallback", ref.Name())
	}
	ref.Tag = "kiln-func-node-standard:warm"
	if ref.Name() != ref.Tag {
		t.Errorf("Name() = %q, want tag", ref.Name())
	}
}

func TestRunErrorMessage(t *testing.T) {
	err := &backend.RunError{ExitCode: 2, Stderr: "boom"}
	if err.Error() != "exit code 2: boom" {
		t.Errorf("Error() = %q", err.Error())
	}
	var re *backend.RunError
	if !errors.As(error(err), &re) || re.ExitCode != 2 {
		t.Error("errors.As failed for RunError")
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
