package tree

import (
	"os"
	"path/filepath"
	"strings"

	ignore "github.com/sabhiram/go-gitignore"
)

// MetaDir is never snapshotted.
const MetaDir = ".tabasco"

var defaultIgnores = []string{
	".git/",
	MetaDir + "/",
}

// matcher combines configured patterns with .gitignore files found in the
// tree, each scoped to the directory that holds it.
type matcher struct {
	global *ignore.GitIgnore
	scoped []scopedIgnore
}

type scopedIgnore struct {
	dirPrefix string
	ignore    *ignore.GitIgnore
}

func newMatcher(root string, patterns []string, gitignore bool) *matcher {
	m := &matcher{
		global: ignore.CompileIgnoreLines(append(append([]string{}, defaultIgnores...), patterns...)...),
	}
	if !gitignore {
		return m
	}

	_ = filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			if path != root && (d.Name() == ".git" || d.Name() == MetaDir) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() != ".gitignore" {
			return nil
		}

		data, readErr := os.ReadFile(path)
		if readErr != nil {
			return nil
		}
		relDir, relErr := filepath.Rel(root, filepath.Dir(path))
		if relErr != nil {
			return nil
		}
		if relDir == "." {
			relDir = ""
		}
		m.scoped = append(m.scoped, scopedIgnore{
			dirPrefix: filepath.ToSlash(relDir),
			ignore:    ignore.CompileIgnoreLines(strings.Split(string(data), "\n")...),
		})
		return nil
	})
	return m
}

// ignored takes a slash separated relative path.
func (m *matcher) ignored(rel string, isDir bool) bool {
	check := rel
	if isDir {
		check = rel + "/"
	}
	if m.global.MatchesPath(check) {
		return true
	}

	for _, sm := range m.scoped {
		pathToCheck := check
		if sm.dirPrefix != "" {
			prefix := sm.dirPrefix + "/"
			if !strings.HasPrefix(rel, prefix) {
				continue
			}
			pathToCheck = strings.TrimPrefix(check, prefix)
		}
		if sm.ignore.MatchesPath(pathToCheck) {
			return true
		}
	}
	return false
}
