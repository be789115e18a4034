package exec

import (
	"errors"

	"codeblock/internal/models"
)

var ErrUnsupportedLanguage = errors.New("unsupported language")

type langEntry struct {
	spec  models.LanguageSpec
	image string
}

var languages = []langEntry{
	{
		spec: models.LanguageSpec{
			Name:            models.LangJavaScript,
			FileName:        "main.js",
			RunCmd:          []string{"node", "main.js"},
			DefaultTabSize:  2,
			ExampleTemplate: "console.log(\"Hello from JavaScript!\");\n",
		},
		image: "node:20-slim",
	},
	{
		spec: models.LanguageSpec{
			Name:            models.LangPython,
			FileName:        "main.py",
			RunCmd:          []string{"python3", "main.py"},
			DefaultTabSize:  4,
			ExampleTemplate: "print(\"Hello from Python!\")\n",
		},
		image: "python:3.11-slim",
	},
}

// Languages lists the runnable languages, default first.
func Languages() []models.LanguageSpec {
	out := make([]models.LanguageSpec, 0, len(languages))
	for _, l := range languages {
		out = append(out, l.spec)
	}
	return out
}

// Normalize maps an empty language to the default one.
func Normalize(lang models.Language) models.Language {
	if lang == "" {
		return models.LangJavaScript
	}
	return lang
}

func langSpec(lang models.Language) (models.LanguageSpec, string, error) {
	lang = Normalize(lang)
	for _, l := range languages {
		if l.spec.Name == lang {
			return l.spec, l.image, nil
		}
	}
	return models.LanguageSpec{}, "", ErrUnsupportedLanguage
}
