package backend

import (
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"

	"github.com/seantiz/kiln/internal/model"
)

//go:embed runtimes
var runtimeFiles embed.FS

// LanguageConfig describes how a language is packaged into an image.
type LanguageConfig struct {
	Language model.Language `json:"language"`

	// Filename is the name the function source is written under, both in the
	// workspace and inside the container's WorkDir.
	Filename string `json:"filename"`

	// ImageRepo is the repository part of every image built for the language.
	ImageRepo string `json:"image_repo"`

	WorkDir string `json:"work_dir"`

	// SampleCode is the program baked into warm images.
	SampleCode string `json:"-"`

	runtimeDir string
}

var languages = map[model.Language]LanguageConfig{
	model.LanguagePython: {
		Language:   model.LanguagePython,
		Filename:   "function.py",
		ImageRepo:  "kiln-func-python",
		WorkDir:    "/app",
		SampleCode: "def handler(event, context):\n    return {\"warm\": True}\n",
		runtimeDir: "runtimes/python",
	},
	model.LanguageJavaScript: {
		Language:   model.LanguageJavaScript,
		Filename:   "function.js",
		ImageRepo:  "kiln-func-node",
		WorkDir:    "/app",
		SampleCode: "exports.handler = async () => ({ warm: true });\n",
		runtimeDir: "runtimes/javascript",
	},
}

// LookupLanguage returns the runtime configuration for l.
func LookupLanguage(l model.Language) (LanguageConfig, error) {
	lc, ok := languages[l]
	if !ok {
		return LanguageConfig{}, fmt.Errorf("lookup %q: %w", l, ErrUnsupportedLanguage)
	}
	return lc, nil
}

// Languages returns every supported language in name order.
func Languages() []model.Language {
	out := make([]model.Language, 0, len(languages))
	for l := range languages {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// WarmTag returns the tag of the shared warm image for a backend.
func (lc LanguageConfig) WarmTag(b model.Backend) string {
	return fmt.Sprintf("%s-%s:warm", lc.ImageRepo, b)
}

// ColdTag returns the tag of a request-scoped image.
func (lc LanguageConfig) ColdTag(b model.Backend, executionID string) string {
	return fmt.Sprintf("%s-%s:cold-%s", lc.ImageRepo, b, executionID)
}

// RuntimeFiles returns the fixed base definition for the language (its
// Dockerfile and bootstrap) keyed by file name.
func (lc LanguageConfig) RuntimeFiles() (map[string][]byte, error) {
	entries, err := fs.ReadDir(runtimeFiles, lc.runtimeDir)
	if err != nil {
		return nil, fmt.Errorf("read runtime files for %s: %w", lc.Language, err)
	}

	files := make(map[string][]byte, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := runtimeFiles.ReadFile(path.Join(lc.runtimeDir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read runtime file %s: %w", e.Name(), err)
		}
		files[e.Name()] = data
	}
	return files, nil
}
