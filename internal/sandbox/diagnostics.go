package sandbox

import (
	"fmt"
	"regexp"
	"strings"
)

// diagnosticPattern matches MSBuild error lines such as
// "/tmp/x/Program.cs(1,31): error CS1002: ; expected [/tmp/x/build.csproj]".
var diagnosticPattern = regexp.MustCompile(`\((\d+),(\d+)\): error ([A-Z]+\d+): (.*?)(?:\s+\[[^\]]*\])?\s*$`)

// ParseDiagnostics extracts unique compiler errors from build output,
// formatted as "(line,col): error CODE: message".
func ParseDiagnostics(output string) []string {
	var diags []string
	seen := make(map[string]struct{})
	for _, line := range strings.Split(output, "\n") {
		m := diagnosticPattern.FindStringSubmatch(strings.TrimRight(line, "\r"))
		if m == nil {
			continue
		}
		d := fmt.Sprintf("(%s,%s): error %s: %s", m[1], m[2], m[3], m[4])
		if _, dup := seen[d]; dup {
			continue
		}
		seen[d] = struct{}{}
		diags = append(diags, d)
	}
	return diags
}
