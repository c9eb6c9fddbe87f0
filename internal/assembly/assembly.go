// Package assembly builds a single executable script out of
// independently generated part scripts. Used for the client-side
// salvage path when the backend never produced an assembled result.
package assembly

import (
	"fmt"
	"regexp"
	"strings"
)

// Part is one generated sub-component ready for assembly.
type Part struct {
	Name     string
	Code     string
	Position [3]float64
}

var resultVarRe = regexp.MustCompile(`\bresult\b`)

// Build concatenates the part scripts into one script: imports are
// hoisted to a single header, each part's `result` variable is renamed
// to part_N to avoid collisions, parts with a non-zero planned offset
// are repositioned, and everything is unioned into a compound bound to
// `result`.
func Build(parts []Part) (string, error) {
	if len(parts) == 0 {
		return "", fmt.Errorf("no parts to assemble")
	}

	var b strings.Builder
	b.WriteString("from build123d import *\n\n")

	varNames := make([]string, len(parts))
	for i, part := range parts {
		varName := fmt.Sprintf("part_%d", i)
		varNames[i] = varName

		b.WriteString(fmt.Sprintf("# --- %s: %s ---\n", varName, part.Name))
		b.WriteString(resultVarRe.ReplaceAllString(stripImports(part.Code), varName))
		b.WriteString("\n")

		if part.Position != [3]float64{} {
			b.WriteString(fmt.Sprintf("%s = Pos(%g, %g, %g) * %s\n",
				varName, part.Position[0], part.Position[1], part.Position[2], varName))
		}
		b.WriteString("\n")
	}

	b.WriteString("# --- assembly ---\n")
	b.WriteString(fmt.Sprintf("result = Compound(children=[%s])\n", strings.Join(varNames, ", ")))

	return b.String(), nil
}

// stripImports drops import lines; the assembled script carries one
// import header of its own.
func stripImports(code string) string {
	lines := strings.Split(code, "\n")
	kept := lines[:0]
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "from build123d") ||
			strings.HasPrefix(trimmed, "import build123d") ||
			strings.HasPrefix(trimmed, "import cadquery") ||
			strings.HasPrefix(trimmed, "from cadquery") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.TrimSpace(strings.Join(kept, "\n"))
}

// ContractIssues checks a backend-assembled script for the variables
// and compound binding the assembly contract requires. An empty slice
// means the script honors the contract.
func ContractIssues(code string, partCount int) []string {
	var issues []string
	for i := 0; i < partCount; i++ {
		varName := fmt.Sprintf("part_%d", i)
		if !strings.Contains(code, varName) {
			issues = append(issues, fmt.Sprintf("missing %s", varName))
		}
	}
	if !strings.Contains(code, "result = Compound(") {
		issues = append(issues, "missing compound result binding")
	}
	return issues
}
