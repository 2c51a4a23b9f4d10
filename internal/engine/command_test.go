package engine_test

import (
	"testing"

	"github.com/CZERTAINLY/nbexec/internal/engine"

	"github.com/stretchr/testify/require"
)

func TestBuildCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		scenario string
		engine   string
		path     string
		then     []string
	}{
		{"rscript", "Rscript", "/tmp/x.R", []string{"Rscript", "-f", "/tmp/x.R"}},
		{"python", "python", "/tmp/x.py", []string{"python", "/tmp/x.py"}},
		{"bash", "bash", "/tmp/x.sh", []string{"bash", "/tmp/x.sh"}},
		{"case_sensitive", "rscript", "/tmp/x.R", []string{"rscript", "/tmp/x.R"}},
		{"empty_engine", "", "/tmp/x", []string{"", "/tmp/x"}},
	}

	for _, tc := range cases {
		t.Run(tc.scenario, func(t *testing.T) {
			cmd := engine.BuildCommand(tc.engine, tc.path)
			require.Equal(t, tc.then, cmd.Argv())
		})
	}
}

func TestCommandString(t *testing.T) {
	t.Parallel()
	cmd := engine.BuildCommand("Rscript", "/tmp/my script.R")
	require.Equal(t, `Rscript -f '/tmp/my script.R'`, cmd.String())
	require.Empty(t, engine.Command{}.String())
}

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cmd, err := engine.ParseCommand(`python3 -u -X "utf8"`)
	require.NoError(t, err)
	require.Equal(t, "python3", cmd.Program)
	require.Equal(t, []string{"-u", "-X", "utf8"}, cmd.Args)

	_, err = engine.ParseCommand("   ")
	require.EqualError(t, err, "empty command")

	_, err = engine.ParseCommand(`python "unterminated`)
	require.Error(t, err)
}

func TestAliases(t *testing.T) {
	t.Parallel()
	aliases := engine.Aliases{
		"python":  "python3 -u",
		"R":       "Rscript",
		"Rscript": "/opt/R/bin/Rscript --vanilla",
		"ruby":    "/usr/bin/ruby",
	}

	cmd, err := aliases.Build("python", "/tmp/x.py")
	require.NoError(t, err)
	require.Equal(t, []string{"python3", "-u", "/tmp/x.py"}, cmd.Argv())

	cmd, err = aliases.Build("R", "/tmp/x.R")
	require.NoError(t, err)
	require.Equal(t, []string{"Rscript", "-f", "/tmp/x.R"}, cmd.Argv())

	cmd, err = aliases.Build("ruby", "/tmp/x.rb")
	require.NoError(t, err)
	require.Equal(t, []string{"/usr/bin/ruby", "/tmp/x.rb"}, cmd.Argv())

	cmd, err = aliases.Build("Rscript", "/tmp/x.R")
	require.NoError(t, err)
	require.Equal(t, []string{"/opt/R/bin/Rscript", "--vanilla", "-f", "/tmp/x.R"}, cmd.Argv())

	cmd, err = aliases.Build("perl", "/tmp/x.pl")
	require.NoError(t, err)
	require.Equal(t, []string{"perl", "/tmp/x.pl"}, cmd.Argv())

	var none engine.Aliases
	cmd, err = none.Build("Rscript", "/tmp/x.R")
	require.NoError(t, err)
	require.Equal(t, []string{"Rscript", "-f", "/tmp/x.R"}, cmd.Argv())
}
