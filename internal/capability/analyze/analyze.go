// Package analyze inspects a task's repository: it clones the working tree,
// takes a language census by file extension, and detects frameworks from
// manifest files.
package analyze

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/harrowlabs/taskforge/internal/capability"
	"github.com/harrowlabs/taskforge/internal/gitrepo"
	"github.com/harrowlabs/taskforge/internal/task"
)

// Name is the capability's registry name.
const Name = "analyze"

// languageByExtension maps file extensions (without dot) to language names.
var languageByExtension = map[string]string{
	"js":    "JavaScript",
	"jsx":   "JavaScript",
	"mjs":   "JavaScript",
	"cjs":   "JavaScript",
	"ts":    "TypeScript",
	"tsx":   "TypeScript",
	"py":    "Python",
	"java":  "Java",
	"kt":    "Kotlin",
	"scala": "Scala",
	"cs":    "C#",
	"fs":    "F#",
	"rb":    "Ruby",
	"php":   "PHP",
	"go":    "Go",
	"rs":    "Rust",
	"c":     "C",
	"cc":    "C++",
	"cpp":   "C++",
	"swift": "Swift",
	"sh":    "Shell",
}

// frameworkMarkers maps manifest files to the framework they indicate.
var frameworkMarkers = map[string]string{
	"package.json":     "Node.js",
	"go.mod":           "Go modules",
	"requirements.txt": "Python (pip)",
	"pyproject.toml":   "Python (pyproject)",
	"pom.xml":          "Maven",
	"build.gradle":     "Gradle",
	"build.gradle.kts": "Gradle",
	"Cargo.toml":       "Cargo",
	"Gemfile":          "Bundler",
	"composer.json":    "Composer",
}

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"__pycache__":  true,
}

// Analyzer implements the analyze capability over a git working tree.
type Analyzer struct {
	git    *gitrepo.Handler
	logger *zap.Logger
}

// New creates an Analyzer.
func New(git *gitrepo.Handler, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{git: git, logger: logger}
}

// Name implements capability.Capability.
func (a *Analyzer) Name() string { return Name }

// Invoke implements capability.Capability. Clone failures for missing or
// unauthorized repositories surface as fatal; network failures stay
// transient.
func (a *Analyzer) Invoke(ctx context.Context, req *capability.Request) (*capability.Response, error) {
	dir, err := a.git.Clone(ctx, req.RepoID, req.TaskID, req.ExternalRef)
	if err != nil {
		return nil, err
	}

	languages, frameworks, err := census(dir)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", dir, err)
	}
	if len(languages) == 0 {
		return nil, capability.Fatal(fmt.Errorf("repository %s contains no recognizable source files", req.RepoID))
	}

	analysis := &task.RepoAnalysis{
		WorkDir:    dir,
		Branch:     gitrepo.BranchName(req.ExternalRef),
		Languages:  languages,
		Primary:    primary(languages),
		Frameworks: frameworks,
	}

	a.logger.Info("repository analyzed",
		zap.String("task_id", req.TaskID),
		zap.String("primary", analysis.Primary),
		zap.Int("languages", len(languages)),
	)

	return &capability.Response{Payload: task.Payload{Analysis: analysis}}, nil
}

// census walks the tree counting source files per language and collecting
// framework markers.
func census(dir string) (map[string]int, []string, error) {
	languages := make(map[string]int)
	markerSeen := make(map[string]bool)
	var frameworks []string

	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsPermission(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if fw, ok := frameworkMarkers[d.Name()]; ok && !markerSeen[fw] {
			markerSeen[fw] = true
			frameworks = append(frameworks, fw)
		}
		ext := strings.TrimPrefix(filepath.Ext(d.Name()), ".")
		if lang, ok := languageByExtension[ext]; ok {
			languages[lang]++
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return languages, frameworks, nil
}

// primary returns the language with the highest file count, ties broken
// lexically for determinism.
func primary(languages map[string]int) string {
	best := ""
	bestCount := -1
	for lang, count := range languages {
		if count > bestCount || (count == bestCount && lang < best) {
			best = lang
			bestCount = count
		}
	}
	return best
}
