// internal/diff/lines.go
package diff

import (
	"bytes"
	"fmt"
)

// Line represents a single line in a diff with its type and content
type Line struct {
	Type    LineType
	Content string
	OldNum  int
	NewNum  int
}

// LineType indicates whether a line was added, removed, or is context
type LineType int

const (
	Context LineType = iota
	Addition
	Deletion
)

// DiffResult contains the complete diff information
type DiffResult struct {
	Hunks []Hunk
	Stats struct {
		Additions int
		Deletions int
		Changes   int
	}
}

// Hunk represents a continuous section of changes
type Hunk struct {
	OldStart int
	OldLines int
	NewStart int
	NewLines int
	Lines    []Line
}

// Engine renders line-level diffs of file bodies for `log --patch`.
type Engine struct {
	contextLines int
}

// NewEngine creates a new diff engine with specified context lines
func NewEngine(contextLines int) *Engine {
	if contextLines < 0 {
		contextLines = 0
	}
	return &Engine{
		contextLines: contextLines,
	}
}

// Diff generates a line-by-line diff between two contents
func (e *Engine) Diff(oldContent, newContent []byte) (*DiffResult, error) {
	if isBinary(oldContent) || isBinary(newContent) {
		return nil, fmt.Errorf("binary content")
	}

	oldLines := splitLines(oldContent)
	newLines := splitLines(newContent)

	lcs := e.computeLCS(oldLines, newLines)
	script := e.editScript(oldLines, newLines, lcs)

	result := &DiffResult{Hunks: e.groupHunks(script)}
	for _, hunk := range result.Hunks {
		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				result.Stats.Additions++
			case Deletion:
				result.Stats.Deletions++
			}
		}
	}
	result.Stats.Changes = result.Stats.Additions + result.Stats.Deletions

	return result, nil
}

// computeLCS creates a matrix for longest common subsequence
func (e *Engine) computeLCS(oldLines, newLines [][]byte) [][]int {
	matrix := make([][]int, len(oldLines)+1)
	for i := range matrix {
		matrix[i] = make([]int, len(newLines)+1)
	}

	for i := 1; i <= len(oldLines); i++ {
		for j := 1; j <= len(newLines); j++ {
			if bytes.Equal(oldLines[i-1], newLines[j-1]) {
				matrix[i][j] = matrix[i-1][j-1] + 1
			} else {
				matrix[i][j] = max(matrix[i-1][j], matrix[i][j-1])
			}
		}
	}

	return matrix
}

// editScript walks the LCS matrix back to front and returns every line in
// order, numbered on the side(s) it belongs to.
func (e *Engine) editScript(oldLines, newLines [][]byte, lcs [][]int) []Line {
	var rev []Line

	i, j := len(oldLines), len(newLines)
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && bytes.Equal(oldLines[i-1], newLines[j-1]):
			rev = append(rev, Line{Type: Context, Content: string(oldLines[i-1]), OldNum: i, NewNum: j})
			i--
			j--
		case j > 0 && (i == 0 || lcs[i][j-1] >= lcs[i-1][j]):
			rev = append(rev, Line{Type: Addition, Content: string(newLines[j-1]), NewNum: j})
			j--
		default:
			rev = append(rev, Line{Type: Deletion, Content: string(oldLines[i-1]), OldNum: i})
			i--
		}
	}

	script := make([]Line, len(rev))
	for k, l := range rev {
		script[len(rev)-1-k] = l
	}
	return script
}

// groupHunks cuts the edit script into hunks, keeping contextLines of
// context around each run of changes and merging runs whose context would
// overlap.
func (e *Engine) groupHunks(script []Line) []Hunk {
	oldBefore := make([]int, len(script)+1)
	newBefore := make([]int, len(script)+1)
	for k, l := range script {
		oldBefore[k+1], newBefore[k+1] = oldBefore[k], newBefore[k]
		if l.Type != Addition {
			oldBefore[k+1]++
		}
		if l.Type != Deletion {
			newBefore[k+1]++
		}
	}

	var hunks []Hunk
	n := len(script)
	for i := 0; i < n; {
		if script[i].Type == Context {
			i++
			continue
		}

		start := max(0, i-e.contextLines)
		end := i
		for j := i; j < n; j++ {
			if script[j].Type != Context {
				end = j
			} else if j-end > 2*e.contextLines {
				break
			}
		}
		stop := min(n, end+e.contextLines+1)

		hunk := Hunk{Lines: append([]Line(nil), script[start:stop]...)}
		hunk.OldLines = oldBefore[stop] - oldBefore[start]
		hunk.NewLines = newBefore[stop] - newBefore[start]
		hunk.OldStart = oldBefore[start]
		if hunk.OldLines > 0 {
			hunk.OldStart++
		}
		hunk.NewStart = newBefore[start]
		if hunk.NewLines > 0 {
			hunk.NewStart++
		}

		hunks = append(hunks, hunk)
		i = stop
	}

	return hunks
}

// Format returns a string representation of the diff
func (r *DiffResult) Format() string {
	var buf bytes.Buffer

	for _, hunk := range r.Hunks {
		fmt.Fprintf(&buf, "@@ -%d,%d +%d,%d @@\n",
			hunk.OldStart, hunk.OldLines,
			hunk.NewStart, hunk.NewLines)

		for _, line := range hunk.Lines {
			switch line.Type {
			case Addition:
				buf.WriteString("+ ")
			case Deletion:
				buf.WriteString("- ")
			case Context:
				buf.WriteString("  ")
			}
			buf.WriteString(line.Content)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}

func splitLines(content []byte) [][]byte {
	if len(content) == 0 {
		return nil
	}
	return bytes.Split(bytes.TrimSuffix(content, []byte{'\n'}), []byte{'\n'})
}

// isBinary uses the same NUL-byte heuristic as git.
func isBinary(content []byte) bool {
	if len(content) > 8000 {
		content = content[:8000]
	}
	return bytes.IndexByte(content, 0) >= 0
}
