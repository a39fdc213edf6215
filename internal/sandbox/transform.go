package sandbox

import (
	"regexp"
	"strings"
)

// entryNames are the conventional entrypoint function names, checked in
// order. Scripts that use none of them produce a value with a top-level
// return instead.
var entryNames = []string{"main", "run", "execute", "start", "init"}

var (
	entryDefs  = map[string]*regexp.Regexp{}
	entryCalls = map[string]*regexp.Regexp{}
)

func init() {
	for _, name := range entryNames {
		entryDefs[name] = regexp.MustCompile(
			`(?m)^\s*(?:(?:async\s+)?function\s+` + name + `\s*\(|(?:const|let|var)\s+` + name + `\s*=)`)
		entryCalls[name] = regexp.MustCompile(
			`^\s*(?:await\s+)?` + name + `\s*\((.*)\)\s*;?\s*$`)
	}
}

// Transform applies the entrypoint convention: a script that defines an
// entry function has its trailing bare invocation rewritten to
// "return await fn(...)", or such an invocation appended when the script
// never calls it. The settled value of that call becomes the script's
// produced value. Scripts without an entry function pass through.
func Transform(source string) string {
	name := definedEntry(source)
	if name == "" {
		return source
	}

	lines := strings.Split(source, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		trimmed := strings.TrimSpace(lines[i])
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		if m := entryCalls[name].FindStringSubmatch(lines[i]); m != nil {
			lines[i] = "return await " + name + "(" + m[1] + ");"
			return strings.Join(lines, "\n")
		}
		break
	}
	return source + "\nreturn await " + name + "();"
}

// definedEntry returns the first conventional entrypoint the source
// defines, or "".
func definedEntry(source string) string {
	for _, name := range entryNames {
		if entryDefs[name].MatchString(source) {
			return name
		}
	}
	return ""
}
