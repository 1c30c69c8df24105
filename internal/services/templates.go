package services

import (
	_ "embed"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

//go:embed templates.yaml
var templatesYAML []byte

type GridTemplate struct {
	Key                 string   `json:"key" yaml:"-"`
	Name                string   `json:"name" yaml:"name"`
	Description         string   `json:"description" yaml:"description"`
	ScientificReference string   `json:"scientific_reference" yaml:"scientific_reference"`
	Domains             []Domain `json:"domains" yaml:"domains"`
}

var templateCatalog = mustLoadTemplates(templatesYAML)

func mustLoadTemplates(data []byte) map[string]GridTemplate {
	catalog, err := loadTemplates(data)
	if err != nil {
		panic(err)
	}
	return catalog
}

// loadTemplates parses the catalog and runs every template through the grid
// validator, so bundled templates obey the same rules as user grids.
func loadTemplates(data []byte) (map[string]GridTemplate, error) {
	raw := map[string]GridTemplate{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse template catalog: %w", err)
	}
	out := make(map[string]GridTemplate, len(raw))
	for key, tpl := range raw {
		domains, err := ValidateFullGrid(DomainsToRaw(tpl.Domains))
		if err != nil {
			return nil, fmt.Errorf("template %s: %w", key, err)
		}
		tpl.Key = key
		tpl.Domains = domains
		out[key] = tpl
	}
	return out, nil
}

// Templates lists the bundled templates sorted by key.
func Templates() []GridTemplate {
	keys := make([]string, 0, len(templateCatalog))
	for k := range templateCatalog {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]GridTemplate, 0, len(keys))
	for _, k := range keys {
		tpl, _ := Template(k)
		out = append(out, tpl)
	}
	return out
}

func Template(key string) (GridTemplate, bool) {
	tpl, ok := templateCatalog[key]
	if !ok {
		return GridTemplate{}, false
	}
	tpl.Domains = cloneDomains(tpl.Domains)
	return tpl, true
}
