package engine

import "path/filepath"

// Aliases maps an engine name requested by a document to the command
// line actually used, e.g. python -> "python3 -u".
type Aliases map[string]string

// Resolve returns the command prefix for engine. Unknown engines resolve
// to themselves.
func (a Aliases) Resolve(engine string) (Command, error) {
	line, ok := a[engine]
	if !ok || line == "" {
		return Command{Program: engine}, nil
	}
	return ParseCommand(line)
}

// Build resolves engine through the aliases and builds the command for
// scriptPath. Extra words of an alias are kept in front of the script
// arguments. Both the requested engine and the resolved program select
// the Rscript form, so Rscript: /opt/R/bin/Rscript keeps its -f.
func (a Aliases) Build(engine string, scriptPath string) (Command, error) {
	prefix, err := a.Resolve(engine)
	if err != nil {
		return Command{}, err
	}
	name := engine
	if filepath.Base(prefix.Program) == Rscript {
		name = Rscript
	}
	cmd := BuildCommand(name, scriptPath)
	cmd.Program = prefix.Program
	if len(prefix.Args) > 0 {
		cmd.Args = append(append([]string(nil), prefix.Args...), cmd.Args...)
	}
	return cmd, nil
}
