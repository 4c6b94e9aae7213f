package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	cobraDoc "github.com/spf13/cobra/doc"

	"github.com/dotsetgreg/dotpersona/pkg/config"
	"github.com/dotsetgreg/dotpersona/pkg/providers"
)

func newDocsCommand(rootFactory func() *cobra.Command) *cobra.Command {
	var (
		outputDir string
		checkOnly bool
	)
	gen := &cobra.Command{
		Use:   "generate",
		Short: "Generate CLI, config and provider reference docs",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(outputDir) == "" {
				return fmt.Errorf("--output must not be empty")
			}
			return generateDocumentation(rootFactory, outputDir, checkOnly)
		},
	}
	gen.Flags().StringVar(&outputDir, "output", "docs", "Docs directory root")
	gen.Flags().BoolVar(&checkOnly, "check", false, "Fail if generated docs are out of date")

	docs := &cobra.Command{
		Use:    "docs",
		Short:  "Internal docs maintenance commands",
		Hidden: true,
	}
	docs.AddCommand(gen)
	return docs
}

// generateDocumentation writes the rendered reference tree under outputDir.
// With checkOnly it writes nothing and reports every stale or missing file.
func generateDocumentation(rootFactory func() *cobra.Command, outputDir string, checkOnly bool) error {
	files, err := renderDocs(rootFactory())
	if err != nil {
		return err
	}
	paths := make([]string, 0, len(files))
	for rel := range files {
		paths = append(paths, rel)
	}
	sort.Strings(paths)

	var stale []string
	for _, rel := range paths {
		dst := filepath.Join(outputDir, rel)
		if checkOnly {
			if have, err := os.ReadFile(dst); err != nil || !bytes.Equal(have, files[rel]) {
				stale = append(stale, rel)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create parent dir for %s: %w", rel, err)
		}
		if err := os.WriteFile(dst, files[rel], 0o644); err != nil {
			return fmt.Errorf("write %s: %w", rel, err)
		}
	}
	if len(stale) > 0 {
		return fmt.Errorf("docs out of date: %s; run `dotpersona docs generate`", strings.Join(stale, ", "))
	}
	return nil
}

// renderDocs returns generated files keyed by path relative to the docs root.
func renderDocs(root *cobra.Command) (map[string][]byte, error) {
	disableAutoGenTag(root)

	scratch, err := os.MkdirTemp("", "dotpersona-docs-*")
	if err != nil {
		return nil, fmt.Errorf("create temp docs dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	cliDir := filepath.Join(scratch, "reference", "cli")
	manDir := filepath.Join(scratch, "reference", "man")
	for _, dir := range []string{cliDir, manDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	title := func(filename string) string {
		name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
		return "# " + strings.ReplaceAll(name, "_", " ") + "\n\n"
	}
	if err := cobraDoc.GenMarkdownTreeCustom(root, cliDir, title, func(s string) string { return s }); err != nil {
		return nil, fmt.Errorf("generate cli markdown docs: %w", err)
	}
	header := &cobraDoc.GenManHeader{Title: "DOTPERSONA", Section: "1", Source: "dotpersona"}
	if err := cobraDoc.GenManTree(root, header, manDir); err != nil {
		return nil, fmt.Errorf("generate man pages: %w", err)
	}

	files := map[string][]byte{}
	err = filepath.WalkDir(scratch, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil || d.IsDir() {
			return walkErr
		}
		rel, err := filepath.Rel(scratch, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		files[rel] = data
		return err
	})
	if err != nil {
		return nil, err
	}

	files[filepath.Join("reference", "config.md")] = []byte(configReference())
	files[filepath.Join("reference", "providers.md")] = []byte(providersReference())
	return files, nil
}

func disableAutoGenTag(cmd *cobra.Command) {
	cmd.DisableAutoGenTag = true
	for _, child := range cmd.Commands() {
		disableAutoGenTag(child)
	}
}

// configField is one leaf of the config tree.
type configField struct {
	Path    string
	Type    string
	Env     string
	Default string
}

// configFields walks v by json tag. Nested structs recurse; slices of
// structs such as persona.constructs stay a single row.
func configFields(v reflect.Value, prefix string) []configField {
	var out []configField
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := strings.Split(f.Tag.Get("json"), ",")[0]
		if !f.IsExported() || name == "" || name == "-" {
			continue
		}
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		fv := v.Field(i)
		if f.Type.Kind() == reflect.Struct {
			out = append(out, configFields(fv, path)...)
			continue
		}
		def, _ := json.Marshal(fv.Interface())
		out = append(out, configField{
			Path:    path,
			Type:    typeLabel(f.Type),
			Env:     f.Tag.Get("env"),
			Default: string(def),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func typeLabel(t reflect.Type) string {
	switch t.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Float32, reflect.Float64:
		return "float"
	case reflect.Slice:
		return "array<" + typeLabel(t.Elem()) + ">"
	case reflect.Map:
		return "map<" + typeLabel(t.Key()) + "," + typeLabel(t.Elem()) + ">"
	case reflect.Struct:
		return "object"
	case reflect.Pointer:
		return "*" + typeLabel(t.Elem())
	}
	return t.Kind().String()
}

func writeFieldTable(b *strings.Builder, fields []configField) {
	cell := func(v string) string { return "`" + strings.ReplaceAll(valueOr(v, "-"), "|", "\\|") + "`" }
	b.WriteString("| Key | Type | Env Var | Default |\n| --- | --- | --- | --- |\n")
	for _, f := range fields {
		fmt.Fprintf(b, "| %s | %s | %s | %s |\n", cell(f.Path), cell(f.Type), cell(f.Env), cell(f.Default))
	}
}

func configReference() string {
	var b strings.Builder
	b.WriteString("# Config Reference\n\n")
	b.WriteString("Generated from `pkg/config/config.go` and `config.DefaultConfig()`.\n\n")
	writeFieldTable(&b, configFields(reflect.ValueOf(config.DefaultConfig()).Elem(), ""))
	return b.String()
}

func providersReference() string {
	defaults := reflect.ValueOf(config.DefaultConfig().Providers)
	sections := map[string]reflect.Value{}
	for i := 0; i < defaults.NumField(); i++ {
		key := strings.Split(defaults.Type().Field(i).Tag.Get("json"), ",")[0]
		sections[key] = defaults.Field(i)
	}

	backends := providers.Backends()
	var b strings.Builder
	b.WriteString("# Provider Reference\n\n")
	b.WriteString("Generated from the provider registry and config structs. `generation.provider` selects one.\n\n")
	b.WriteString("## Supported Providers\n\n")
	for _, be := range backends {
		b.WriteString("- `" + be.Name + "`\n")
	}
	for _, be := range backends {
		section, ok := sections[be.Name]
		if !ok {
			continue
		}
		prefix := "providers." + be.Name
		fmt.Fprintf(&b, "\n## `%s`\n\n", be.Name)
		if be.Summary != "" {
			b.WriteString(be.Summary + "\n\n")
		}
		if be.Auth != "" {
			b.WriteString("- Auth: " + be.Auth + "\n")
		}
		b.WriteString("- Config path: `" + prefix + "`\n\n")
		writeFieldTable(&b, configFields(section, prefix))
	}
	return b.String()
}
