// Package catalog maps language tags to their execution descriptors.
package catalog

import (
	"regexp"
	"sort"
	"strings"

	"github.com/google/shlex"

	appErr "runbox/pkg/errors"
)

// Descriptor describes how one language is compiled and run inside the sandbox.
type Descriptor struct {
	Tag                  string // canonical language tag, e.g. "python"
	Ext                  string // source file extension without dot
	Image                string // container image the command runs in
	CommandTemplate      string // shell command with {file}/{output}/{classname} placeholders
	TreatStderrAsFailure bool   // any stderr fails the job; set for compiled languages
}

// Binding carries the concrete values substituted into a command template.
type Binding struct {
	File      string
	Output    string
	ClassName string
}

var placeholderPattern = regexp.MustCompile(`\{([a-zA-Z]+)\}`)

var allowedPlaceholders = map[string]struct{}{
	"file":      {},
	"output":    {},
	"classname": {},
}

// Catalog resolves language tags to descriptors. Immutable after construction.
type Catalog struct {
	languages map[string]Descriptor
}

// NewCatalog builds a catalog from descriptors, validating every command template.
func NewCatalog(descriptors []Descriptor) (*Catalog, error) {
	languages := make(map[string]Descriptor, len(descriptors))
	for _, desc := range descriptors {
		if desc.Tag == "" {
			return nil, appErr.ValidationError("tag", "required")
		}
		if desc.Ext == "" {
			return nil, appErr.ValidationError("ext", "required").WithDetail("tag", desc.Tag)
		}
		if desc.Image == "" {
			return nil, appErr.ValidationError("image", "required").WithDetail("tag", desc.Tag)
		}
		if err := validateTemplate(desc.CommandTemplate); err != nil {
			return nil, appErr.GetError(err).WithDetail("tag", desc.Tag)
		}
		languages[desc.Tag] = desc
	}
	return &Catalog{languages: languages}, nil
}

// Default returns the catalog with the built-in language table.
func Default() (*Catalog, error) {
	return NewCatalog([]Descriptor{
		{
			Tag:                  "c",
			Ext:                  "c",
			Image:                "gcc:13",
			CommandTemplate:      "gcc {file} -o {output} && {output}",
			TreatStderrAsFailure: true,
		},
		{
			Tag:                  "cpp",
			Ext:                  "cpp",
			Image:                "gcc:13",
			CommandTemplate:      "g++ {file} -o {output} && {output}",
			TreatStderrAsFailure: true,
		},
		{
			Tag:             "python",
			Ext:             "py",
			Image:           "python",
			CommandTemplate: "python3 {file}",
		},
		{
			Tag:                  "java",
			Ext:                  "java",
			Image:                "openjdk:17",
			CommandTemplate:      "javac {file} && java {classname}",
			TreatStderrAsFailure: true,
		},
		{
			Tag:             "node",
			Ext:             "js",
			Image:           "node",
			CommandTemplate: "node {file}",
		},
	})
}

// Resolve returns the descriptor for a language tag.
func (c *Catalog) Resolve(tag string) (Descriptor, error) {
	if tag == "" {
		return Descriptor{}, appErr.ValidationError("language", "required")
	}
	desc, ok := c.languages[tag]
	if !ok {
		return Descriptor{}, appErr.Newf(appErr.LanguageNotSupported, "language not supported: %s", tag)
	}
	return desc, nil
}

// Tags returns the supported language tags in sorted order.
func (c *Catalog) Tags() []string {
	tags := make([]string, 0, len(c.languages))
	for tag := range c.languages {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// Expand substitutes every placeholder occurrence in the template.
func Expand(template string, binding Binding) string {
	expanded := template
	expanded = strings.ReplaceAll(expanded, "{file}", binding.File)
	expanded = strings.ReplaceAll(expanded, "{output}", binding.Output)
	expanded = strings.ReplaceAll(expanded, "{classname}", binding.ClassName)
	return expanded
}

func validateTemplate(tpl string) error {
	if strings.TrimSpace(tpl) == "" {
		return appErr.New(appErr.InvalidParams).WithMessage("command template is required")
	}
	for _, match := range placeholderPattern.FindAllStringSubmatch(tpl, -1) {
		if _, ok := allowedPlaceholders[match[1]]; !ok {
			return appErr.Newf(appErr.InvalidParams, "unknown placeholder {%s} in command template", match[1])
		}
	}
	fields, err := shlex.Split(tpl)
	if err != nil {
		return appErr.Wrapf(err, appErr.InvalidParams, "parse command template failed")
	}
	if len(fields) == 0 {
		return appErr.New(appErr.InvalidParams).WithMessage("command is empty")
	}
	return nil
}
