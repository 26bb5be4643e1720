package gateway

import "strings"

var extensions = map[string]string{
	"bash":       "sh",
	"c":          "c",
	"c++":        "cpp",
	"csharp":     "cs",
	"dart":       "dart",
	"elixir":     "exs",
	"go":         "go",
	"haskell":    "hs",
	"java":       "java",
	"javascript": "js",
	"kotlin":     "kt",
	"lua":        "lua",
	"perl":       "pl",
	"php":        "php",
	"python":     "py",
	"python2":    "py",
	"ruby":       "rb",
	"rust":       "rs",
	"scala":      "scala",
	"sqlite3":    "sql",
	"swift":      "swift",
	"typescript": "ts",
}

var labels = map[string]string{
	"c++":        "C++",
	"csharp":     "C#",
	"javascript": "JavaScript",
	"typescript": "TypeScript",
	"php":        "PHP",
	"sqlite3":    "SQLite",
}

func fileExtension(name string) string {
	if ext, ok := extensions[name]; ok {
		return ext
	}
	return "txt"
}

func displayLabel(name, version string) string {
	label, ok := labels[name]
	if !ok && name != "" {
		label = strings.ToUpper(name[:1]) + name[1:]
	}
	if version == "" {
		return label
	}
	return label + " " + version
}
