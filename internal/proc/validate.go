package proc

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/kestrel-run/kestrel/internal/apperr"
)

// forbiddenEnvKeys rejects dynamic-linker and path-hijack vectors.
var forbiddenEnvKeys = map[string]bool{
	"LD_PRELOAD":            true,
	"LD_LIBRARY_PATH":       true,
	"DYLD_INSERT_LIBRARIES": true,
	"DYLD_LIBRARY_PATH":     true,
	"PATH":                  true,
}

// forbiddenCwdRoots are directories a declared cwd must not equal or be a
// strict child of, after canonicalization. "/" is the exception: only "/"
// itself is rejected, not the directories below it.
var forbiddenCwdRoots = []string{
	"/", "/etc", "/sys", "/proc", "/dev", "/boot",
	"/private/etc", "/private/var", "/System", "/Library",
}

var shellMetacharacters = []string{
	"&&", "||", ";", "|", "`", "$(", "\n", "\r",
	">>", "<<", "&>", "2>>", "2>", ">", "<",
}

// Validate checks a declaration's command, args, env, and cwd against the
// security rules. It returns a *apperr.Error with Kind ==
// apperr.KindSecurityValidation on any violation; callers must not mutate
// the fleet until Validate succeeds.
func Validate(decl Declaration) error {
	if err := validateCommand(decl.Command, decl.Args); err != nil {
		return err
	}
	if err := validateArgs(decl.Command, decl.Args); err != nil {
		return err
	}
	if err := validateEnv(decl.Env); err != nil {
		return err
	}
	if decl.Cwd != "" {
		if err := validateCwd(decl.Cwd); err != nil {
			return err
		}
	}
	return nil
}

func validateCommand(command string, args []string) error {
	if strings.TrimSpace(command) == "" {
		return apperr.SecurityValidation("command must not be empty")
	}
	// sh -c is an explicit, narrow carve-out: the *first positional
	// argument* of a sh -c invocation may itself be shell syntax. The
	// command token itself is still checked against the same rules.
	for _, meta := range shellMetacharacters {
		if strings.Contains(command, meta) {
			return apperr.SecurityValidation("command contains forbidden shell metacharacter: " + meta)
		}
	}
	if strings.Contains(command, "*") || strings.Contains(command, "?") || strings.Contains(command, "[") {
		return apperr.SecurityValidation("command must not contain glob characters")
	}
	if idx := strings.IndexByte(command, '$'); idx >= 0 {
		// Allowed only as the first character of an absolute path, e.g. "$HOME/bin/x" is NOT allowed;
		// the one exception is a literal leading '$' immediately followed by '/', which never legitimately
		// occurs in a command name, so in practice this simply rejects all other uses of '$'.
		leadingAbs := idx == 0 && len(command) > 1 && command[1] == '/'
		if !leadingAbs || strings.Contains(command[1:], "$") {
			return apperr.SecurityValidation("command must not contain unquoted '$'")
		}
	}
	return nil
}

func isShellDashC(command string, args []string) bool {
	return command == "sh" && len(args) > 0 && args[0] == "-c"
}

func validateArgs(command string, args []string) error {
	shellCarveOut := isShellDashC(command, args)
	for i, a := range args {
		if a == "" {
			return apperr.SecurityValidation("args must not contain empty elements")
		}
		for _, r := range a {
			if r < 0x20 && r != '\t' && r != '\n' {
				return apperr.SecurityValidation("args must not contain control characters")
			}
		}
		if shellCarveOut && i == 1 {
			continue // the -c script itself (the argument right after the flag) is allowed to contain shell syntax
		}
		if strings.ContainsAny(a, "`") || strings.Contains(a, "$(") || strings.ContainsRune(a, '$') {
			return apperr.SecurityValidation("args must not contain '$', '`', or '$(' outside sh -c's script argument")
		}
	}
	return nil
}

func validateEnv(env map[string]string) error {
	for k, v := range env {
		if k == "" {
			return apperr.SecurityValidation("env keys must not be empty")
		}
		if forbiddenEnvKeys[strings.ToUpper(k)] {
			return apperr.SecurityValidation("env key not permitted: " + k)
		}
		for _, r := range v {
			if r < 0x20 && r != '\t' {
				return apperr.SecurityValidation("env values must not contain control characters")
			}
		}
	}
	return nil
}

func validateCwd(cwd string) error {
	info, err := os.Stat(cwd)
	if err != nil {
		return apperr.SecurityValidation("cwd does not exist: " + cwd)
	}
	if !info.IsDir() {
		return apperr.SecurityValidation("cwd is not a directory: " + cwd)
	}
	real, err := filepath.EvalSymlinks(cwd)
	if err != nil {
		real = cwd
	}
	real = filepath.Clean(real)
	for _, root := range forbiddenCwdRoots {
		if real == root || strings.HasPrefix(real, root+string(filepath.Separator)) {
			return apperr.SecurityValidation("cwd must not be or be inside a protected system directory: " + root)
		}
	}
	return nil
}
