package config

import (
	"os"
	"path/filepath"
)

// presetPriority lists detection sentinels in the order they are checked;
// the first match wins. Mirrors the original detector's next/react/...
// priority list, e.g. a Next.js app (which also matches the react
// sentinel) resolves to "next", not "react".
var presetPriority = []struct {
	name    string
	sniff   func(dir string) bool
}{
	{"next", hasPackageJSONDependency("next")},
	{"react", hasPackageJSONDependency("react")},
	{"angular", hasFile("angular.json")},
	{"vue", hasPackageJSONDependency("vue")},
	{"django", hasAny(hasFile("manage.py"), hasDir("django"))},
	{"flask", hasPackageFile("requirements.txt", "flask")},
	{"rails", hasAny(hasFile("config.ru"), hasDir("app/controllers"))},
	{"nodejs", hasFile("package.json")},
	{"python", hasAny(hasFile("requirements.txt"), hasFile("pyproject.toml"))},
	{"rust", hasFile("Cargo.toml")},
	{"go", hasFile("go.mod")},
	{"php", hasFile("composer.json")},
	{"docker", hasFile("Dockerfile")},
	{"kubernetes", hasAny(hasDir("k8s"), hasDir("kubernetes"), hasDir("helm"), hasDir("charts"))},
}

// DetectPreset inspects projectDir and returns the name of the
// highest-priority matching preset, or "base" if nothing matches.
func DetectPreset(projectDir string) string {
	for _, p := range presetPriority {
		if p.sniff(projectDir) {
			return p.name
		}
	}
	return "base"
}

func hasFile(name string) func(string) bool {
	return func(dir string) bool {
		info, err := os.Stat(filepath.Join(dir, name))
		return err == nil && !info.IsDir()
	}
}

func hasDir(name string) func(string) bool {
	return func(dir string) bool {
		info, err := os.Stat(filepath.Join(dir, name))
		return err == nil && info.IsDir()
	}
}

func hasAny(checks ...func(string) bool) func(string) bool {
	return func(dir string) bool {
		for _, c := range checks {
			if c(dir) {
				return true
			}
		}
		return false
	}
}

// hasPackageJSONDependency reports whether package.json lists dep under
// "dependencies" or "devDependencies", via a plain substring check rather
// than a full JSON parse (the sentinel only needs to decide presence).
func hasPackageJSONDependency(dep string) func(string) bool {
	return hasPackageFile("package.json", "\""+dep+"\"")
}

func hasPackageFile(file, needle string) func(string) bool {
	return func(dir string) bool {
		data, err := os.ReadFile(filepath.Join(dir, file))
		if err != nil {
			return false
		}
		return containsCI(string(data), needle)
	}
}

func containsCI(haystack, needle string) bool {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if equalFoldASCII(haystack[i:i+len(needle)], needle) {
			return true
		}
	}
	return false
}

func equalFoldASCII(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}
