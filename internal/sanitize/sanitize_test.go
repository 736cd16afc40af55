package sanitize

import (
	"slices"
	"strings"
	"testing"

	"github.com/splax/peep/internal/failure"
)

func TestSanitizeAllowsPackageManagers(t *testing.T) {
	for _, cmd := range []string{"npm install", "yarn build", "pnpm run build", "bun install", "node scripts/build.js"} {
		got, err := Sanitize(cmd, nil)
		if err != nil {
			t.Fatalf("Sanitize(%q): %v", cmd, err)
		}
		if strings.Join(got.Argv, " ") != cmd {
			t.Fatalf("unexpected argv %v for %q", got.Argv, cmd)
		}
	}
}

func TestSanitizeRejectsExecutables(t *testing.T) {
	for _, cmd := range []string{"sh -c ls", "curl http://x", "/usr/bin/npm install", "npx create"} {
		_, err := Sanitize(cmd, nil)
		if !failure.Is(err, failure.Validation) {
			t.Fatalf("expected validation failure for %q, got %v", cmd, err)
		}
	}
}

func TestSanitizeRejectsMetacharacters(t *testing.T) {
	cases := []string{
		"npm install; rm -rf /",
		"npm install && echo hi",
		"npm run build | tee out",
		"npm run `whoami`",
		"npm run $(whoami)",
		"node ../../etc/passwd",
		`npm run "build;rm"`,
	}
	for _, cmd := range cases {
		t.Run(cmd, func(t *testing.T) {
			_, err := Sanitize(cmd, nil)
			if !failure.Is(err, failure.Validation) {
				t.Fatalf("expected validation failure, got %v", err)
			}
		})
	}
}

func TestSanitizeRejectsLongArguments(t *testing.T) {
	_, err := Sanitize("npm run "+strings.Repeat("a", 201), nil)
	if !failure.Is(err, failure.Validation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if _, err := Sanitize("npm run "+strings.Repeat("a", 200), nil); err != nil {
		t.Fatalf("200 character argument should pass: %v", err)
	}
}

func TestSanitizeEmptyCommand(t *testing.T) {
	if _, err := Sanitize("   ", nil); !failure.Is(err, failure.Validation) {
		t.Fatalf("expected validation failure, got %v", err)
	}
	if _, err := Sanitize(`npm run "build`, nil); !failure.Is(err, failure.Validation) {
		t.Fatalf("expected unterminated quote to fail, got %v", err)
	}
}

func TestMergeEnvDropsInvalidEntries(t *testing.T) {
	env := MergeEnv(map[string]string{
		"API_URL":   "https://api.example.com",
		"_PRIVATE":  "1",
		"PATH":      "/evil",
		"HOME":      "/root",
		"1BAD":      "x",
		"BAD-KEY":   "x",
		"NUL_VALUE": "a\x00b",
		"HUGE":      strings.Repeat("x", 10001),
		"NODE_ENV":  "staging",
	})
	want := []string{
		"API_URL=https://api.example.com",
		"HOME=/tmp",
		"NODE_ENV=staging",
		"NPM_CONFIG_LOGLEVEL=warn",
		"PATH=" + DefaultEnv["PATH"],
		"_PRIVATE=1",
	}
	if !slices.Equal(env, want) {
		t.Fatalf("unexpected env\n got: %v\nwant: %v", env, want)
	}
}

func TestSplitHonoursQuotes(t *testing.T) {
	got, err := Split(`npm run build -- --title "hello world" 'a b'`)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	want := []string{"npm", "run", "build", "--", "--title", "hello world", "a b"}
	if !slices.Equal(got, want) {
		t.Fatalf("unexpected tokens %v", got)
	}
}
