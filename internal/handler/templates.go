package handler

import (
	"fmt"
	"html/template"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// TemplateFuncs returns a FuncMap with custom template functions
func TemplateFuncs() template.FuncMap {
	return template.FuncMap{
		"year": func() int {
			return time.Now().Year()
		},
		"title": func(v interface{}) string {
			return cases.Title(language.English).String(fmt.Sprint(v))
		},
	}
}
