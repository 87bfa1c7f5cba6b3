package sandbox

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashureev/dsl-copilot/internal/codegen"
	"github.com/ashureev/dsl-copilot/internal/logging"
)

func TestParseDiagnostics(t *testing.T) {
	output := `/tmp/tmp.abc/Program.cs(1,31): error CS1002: ; expected [/tmp/tmp.abc/build.csproj]
/tmp/tmp.abc/Program.cs(3,5): warning CS0168: The variable 'x' is declared but never used [/tmp/tmp.abc/build.csproj]
/tmp/tmp.abc/Program.cs(1,31): error CS1002: ; expected [/tmp/tmp.abc/build.csproj]
/tmp/tmp.abc/Program.cs(4,9): error CS0103: The name 'y' does not exist in the current context [/tmp/tmp.abc/build.csproj]
`
	got := ParseDiagnostics(output)
	assert.Equal(t, []string{
		"(1,31): error CS1002: ; expected",
		"(4,9): error CS0103: The name 'y' does not exist in the current context",
	}, got)
}

func TestParseDiagnosticsWithoutProjectSuffix(t *testing.T) {
	got := ParseDiagnostics("Program.cs(2,1): error CS1022: Type or namespace definition, or end-of-file expected\r\n")
	assert.Equal(t, []string{"(2,1): error CS1022: Type or namespace definition, or end-of-file expected"}, got)
}

func TestParseDiagnosticsIgnoresNoise(t *testing.T) {
	assert.Empty(t, ParseDiagnostics("  Determining projects to restore...\nBuild succeeded.\n"))
}

func TestValidateRejectsOtherLanguagesWithoutDocker(t *testing.T) {
	d := &DockerCompiler{logger: logging.NewNop()}
	res, err := d.Validate(context.Background(), codegen.ValidateRequest{Input: "print(1)", Language: "python"})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
	assert.Equal(t, []string{UnsupportedLanguageMessage}, res.Errors)

	res, err = d.Validate(context.Background(), codegen.ValidateRequest{Input: " ", Language: "C#"})
	require.NoError(t, err)
	assert.False(t, res.IsValid)
}

func TestCloseWithoutContainerIsNoop(t *testing.T) {
	d := &DockerCompiler{logger: logging.NewNop()}
	assert.NoError(t, d.Close(context.Background()))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "abc", tail("  abc \n", 10))
	assert.Equal(t, "...6789", tail("0123456789", 4))
}
