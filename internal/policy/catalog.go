package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Catalog is the in-memory index of loaded coverage policies.
type Catalog struct {
	byID        map[string]*Document
	byProcedure map[string][]*Document
}

// LoadCatalog reads every .yaml/.yml policy document under dir.
// A missing directory yields an empty catalog; a malformed document fails
// loudly so a bad ingestion run cannot silently drop policies.
func LoadCatalog(dir string) (*Catalog, error) {
	c := &Catalog{
		byID:        make(map[string]*Document),
		byProcedure: make(map[string][]*Document),
	}

	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading policy dir: %w", err)
	}

	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("reading policy %s: %w", name, err)
		}
		var doc Document
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, fmt.Errorf("parsing policy %s: %w", name, err)
		}
		if err := validateDocument(&doc); err != nil {
			return nil, fmt.Errorf("invalid policy %s: %w", name, err)
		}
		c.Add(&doc)
	}
	return c, nil
}

// Add indexes a document. Later documents with the same ID replace earlier
// ones (re-ingestion updates in place).
func (c *Catalog) Add(doc *Document) {
	if prev, ok := c.byID[doc.ID]; ok {
		for _, code := range prev.ProcedureCodes {
			c.byProcedure[code] = removeDoc(c.byProcedure[code], prev.ID)
		}
	}
	c.byID[doc.ID] = doc
	for _, code := range doc.ProcedureCodes {
		c.byProcedure[code] = append(c.byProcedure[code], doc)
	}
}

// Get returns a policy by ID.
func (c *Catalog) Get(id string) (*Document, bool) {
	doc, ok := c.byID[id]
	return doc, ok
}

// ForProcedure returns every policy governing the given procedure code,
// ordered by policy ID for stable output.
func (c *Catalog) ForProcedure(code string) []*Document {
	docs := append([]*Document(nil), c.byProcedure[code]...)
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs
}

// Len returns the number of loaded policies.
func (c *Catalog) Len() int {
	return len(c.byID)
}

func validateDocument(doc *Document) error {
	if doc.ID == "" {
		return fmt.Errorf("policy id is required")
	}
	switch doc.Type {
	case "lcd", "ncd", "internal":
	default:
		return fmt.Errorf("policy type must be lcd, ncd, or internal (got %q)", doc.Type)
	}
	if len(doc.Criteria) == 0 {
		return fmt.Errorf("policy must declare at least one criterion")
	}
	for _, cr := range doc.Criteria {
		if cr.ID == "" {
			return fmt.Errorf("criterion id is required")
		}
		switch cr.Rule.Kind {
		case "code_present":
			if cr.Rule.Code == "" {
				return fmt.Errorf("criterion %s: code_present rule needs a code", cr.ID)
			}
		case "threshold":
			if cr.Rule.Metric == "" || cr.Rule.Operator == "" {
				return fmt.Errorf("criterion %s: threshold rule needs metric and operator", cr.ID)
			}
		case "entity_present":
			if cr.Rule.EntityType == "" {
				return fmt.Errorf("criterion %s: entity_present rule needs entity_type", cr.ID)
			}
		default:
			return fmt.Errorf("criterion %s: unknown rule kind %q", cr.ID, cr.Rule.Kind)
		}
	}
	return nil
}

func removeDoc(docs []*Document, id string) []*Document {
	out := docs[:0]
	for _, d := range docs {
		if d.ID != id {
			out = append(out, d)
		}
	}
	return out
}
