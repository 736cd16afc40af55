// Package sanitize turns user supplied install and build commands into argv
// arrays that are safe to hand to the sandbox without a shell.
package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/splax/peep/internal/failure"
)

const (
	maxArgLength   = 200
	maxEnvValueLen = 10000
)

var (
	allowedExecutables = map[string]struct{}{
		"npm":  {},
		"yarn": {},
		"pnpm": {},
		"bun":  {},
		"node": {},
	}
	forbiddenArg = regexp.MustCompile("[;&|`$()]")
	envKey       = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
)

// DefaultEnv is the baseline environment every sandboxed command receives.
var DefaultEnv = map[string]string{
	"NODE_ENV":            "production",
	"NPM_CONFIG_LOGLEVEL": "warn",
	"PATH":                "/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
	"HOME":                "/tmp",
}

// Command is a sanitized command ready for execution.
type Command struct {
	Argv []string
	Env  []string
}

func (c Command) String() string {
	return strings.Join(c.Argv, " ")
}

// Sanitize validates command and merges userEnv onto DefaultEnv. Disallowed
// executables and arguments are Validation failures; invalid env entries are
// dropped.
func Sanitize(command string, userEnv map[string]string) (Command, error) {
	argv, err := Split(command)
	if err != nil {
		return Command{}, failure.Wrap(failure.Validation, "sanitize", err)
	}
	if len(argv) == 0 {
		return Command{}, failure.New(failure.Validation, "sanitize", "command is empty")
	}
	if _, ok := allowedExecutables[argv[0]]; !ok {
		return Command{}, failure.New(failure.Validation, "sanitize", "executable %q is not allowed", argv[0])
	}
	for _, arg := range argv {
		if err := checkArg(arg); err != nil {
			return Command{}, err
		}
	}
	return Command{Argv: argv, Env: MergeEnv(userEnv)}, nil
}

func checkArg(arg string) error {
	if len(arg) > maxArgLength {
		return failure.New(failure.Validation, "sanitize", "argument exceeds %d characters", maxArgLength)
	}
	if forbiddenArg.MatchString(arg) {
		return failure.New(failure.Validation, "sanitize", "argument %q contains shell metacharacters", arg)
	}
	if strings.Contains(arg, "../") {
		return failure.New(failure.Validation, "sanitize", "argument %q contains a parent directory reference", arg)
	}
	return nil
}

// MergeEnv returns DefaultEnv overlaid with the valid entries of userEnv as a
// sorted KEY=value list.
func MergeEnv(userEnv map[string]string) []string {
	merged := make(map[string]string, len(DefaultEnv)+len(userEnv))
	for k, v := range DefaultEnv {
		merged[k] = v
	}
	for k, v := range userEnv {
		if !validEnv(k, v) {
			continue
		}
		merged[k] = v
	}
	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

func validEnv(key, value string) bool {
	if !envKey.MatchString(key) {
		return false
	}
	if key == "PATH" || key == "HOME" {
		return false
	}
	if strings.ContainsRune(value, 0) {
		return false
	}
	return len(value) <= maxEnvValueLen
}

// Split tokenizes a command line honouring single quotes, double quotes and
// backslash escapes. It never interprets any other shell syntax.
func Split(command string) ([]string, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return nil, nil
	}
	var (
		tokens   []string
		current  strings.Builder
		inSingle bool
		inDouble bool
		escape   bool
	)

	for _, r := range command {
		switch {
		case escape:
			current.WriteRune(r)
			escape = false
		case r == '\\':
			escape = true
		case r == '\'':
			if !inDouble {
				inSingle = !inSingle
				continue
			}
			current.WriteRune(r)
		case r == '"':
			if !inSingle {
				inDouble = !inDouble
				continue
			}
			current.WriteRune(r)
		case (r == ' ' || r == '\t' || r == '\n' || r == '\r') && !inSingle && !inDouble:
			if current.Len() > 0 {
				tokens = append(tokens, current.String())
				current.Reset()
			}
		default:
			current.WriteRune(r)
		}
	}

	if escape || inSingle || inDouble {
		return nil, fmt.Errorf("unterminated quoted string in command: %s", command)
	}
	if current.Len() > 0 {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
