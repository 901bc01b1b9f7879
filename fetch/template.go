package fetch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// recipeTemplateFileName lists, inside the extracted recipe, the files that
// want value substitution.
const recipeTemplateFileName = ".ims_recipe_template.yaml"

type recipeTemplateSpec struct {
	TemplateFiles []string `yaml:"template_files"`
}

// templateRecipe substitutes the recipe's template dictionary values into
// the files the recipe marks for templating. A missing dictionary file means
// the environment does not supply values and templating is skipped. A recipe
// that marks files while the dictionary is empty is an error: building it
// would bake placeholder text into the image.
func (f *Fetcher) templateRecipe(dir string) error {
	values, err := f.loadTemplateValues()
	if err != nil {
		return err
	}
	if values == nil {
		return nil
	}

	specPath := filepath.Join(dir, recipeTemplateFileName)
	specData, err := os.ReadFile(specPath)
	if os.IsNotExist(err) {
		if len(values) > 0 {
			f.log.Warn("template dictionary has values but the recipe does not expect templating; continuing")
		} else {
			f.log.Info("the recipe does not need to be templated")
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read %s: %w", specPath, err)
	}

	if len(values) == 0 {
		return fmt.Errorf("recipe expects templating but the template dictionary is empty")
	}

	var spec recipeTemplateSpec
	if err := yaml.Unmarshal(specData, &spec); err != nil {
		return fmt.Errorf("parse %s: %w", specPath, err)
	}

	for _, name := range spec.TemplateFiles {
		if err := f.templateFile(dir, name, values); err != nil {
			return err
		}
	}
	return nil
}

// loadTemplateValues reads the dictionary file. nil means the file is
// absent and templating should be skipped entirely.
func (f *Fetcher) loadTemplateValues() (map[string]string, error) {
	data, err := os.ReadFile(f.dictPath)
	if os.IsNotExist(err) {
		f.log.WithField("path", f.dictPath).
			Warn("template dictionary not found; continuing without templating the recipe")
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read template dictionary: %w", err)
	}

	values := map[string]string{}
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parse template dictionary: %w", err)
	}
	return values, nil
}

// templateFile renders one recipe file in place, preserving its mode. The
// target must stay inside the recipe directory.
func (f *Fetcher) templateFile(dir, name string, values map[string]string) error {
	target := filepath.Join(dir, name)
	abs, err := filepath.Abs(target)
	if err != nil {
		return err
	}
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	if !strings.HasPrefix(abs, absDir+string(os.PathSeparator)) {
		return fmt.Errorf("recipe templates a file outside the recipe directory: %s", name)
	}

	info, err := os.Stat(target)
	if err != nil {
		return fmt.Errorf("recipe templates a missing file %s: %w", name, err)
	}

	content, err := os.ReadFile(target)
	if err != nil {
		return err
	}

	tmpl, err := template.New(name).Option("missingkey=error").Parse(string(content))
	if err != nil {
		return fmt.Errorf("parse template %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".tmpl-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if err := tmpl.Execute(tmp, values); err != nil {
		tmp.Close()
		return fmt.Errorf("render template %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Chmod(tmp.Name(), info.Mode().Perm()); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return fmt.Errorf("replace %s: %w", name, err)
	}
	f.log.WithField("file", name).Debug("templated recipe file")
	return nil
}
