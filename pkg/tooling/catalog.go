// Package tooling is the static tool catalog: every tool known to this build,
// with its parameter schema, policy schema and pre-flight rules, per network.
package tooling

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/agentwallet/pkg/errs"
	"github.com/Mindburn-Labs/agentwallet/pkg/pkp"
	"github.com/Mindburn-Labs/agentwallet/pkg/policy"
)

//go:embed catalog.yaml
var builtin []byte

// Tool is one published tool on one network. Tools are immutable.
type Tool struct {
	IPFSCID     string
	Name        string
	Description string
	Network     string

	parameters map[string]any
	params     *jsonschema.Schema
	policy     *policy.Schema
	rules      *policy.RuleSet
}

type toolDoc struct {
	Name        string            `yaml:"name"`
	Description string            `yaml:"description"`
	CIDs        map[string]string `yaml:"cids"`
	Parameters  map[string]any    `yaml:"parameters"`
	Policy      []policy.Field    `yaml:"policy"`
	Rules       []policy.Rule     `yaml:"rules"`
}

type catalogDoc struct {
	Tools []toolDoc `yaml:"tools"`
}

// Catalog indexes tools by content address and network.
type Catalog struct {
	tools []*Tool
	byCID map[string]*Tool
}

var (
	defaultOnce sync.Once
	defaultCat  *Catalog
)

// Default returns the catalog embedded in this build.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(builtin)
		if err != nil {
			panic(fmt.Sprintf("tooling: embedded catalog: %v", err))
		}
		defaultCat = c
	})
	return defaultCat
}

// Parse loads a catalog document. Schemas and rules are compiled up front.
func Parse(data []byte) (*Catalog, error) {
	var doc catalogDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("tooling: parse catalog: %w", err)
	}
	c := &Catalog{byCID: make(map[string]*Tool)}
	for _, td := range doc.Tools {
		if td.Name == "" {
			return nil, fmt.Errorf("tooling: tool without a name")
		}
		schema, err := policy.NewSchema(td.Policy...)
		if err != nil {
			return nil, fmt.Errorf("tooling: %s: %w", td.Name, err)
		}
		rules, err := policy.CompileRules(td.Rules)
		if err != nil {
			return nil, fmt.Errorf("tooling: %s: %w", td.Name, err)
		}
		params, err := compileParams(td.Name, td.Parameters)
		if err != nil {
			return nil, err
		}

		networks := make([]string, 0, len(td.CIDs))
		for n := range td.CIDs {
			networks = append(networks, n)
		}
		sort.Strings(networks)
		for _, n := range networks {
			cid := td.CIDs[n]
			if err := pkp.ValidateCID(cid); err != nil {
				return nil, fmt.Errorf("tooling: %s on %s: %w", td.Name, n, err)
			}
			if _, dup := c.byCID[cid]; dup {
				return nil, fmt.Errorf("tooling: duplicate content address %s", cid)
			}
			t := &Tool{
				IPFSCID:     cid,
				Name:        td.Name,
				Description: td.Description,
				Network:     n,
				parameters:  td.Parameters,
				params:      params,
				policy:      schema,
				rules:       rules,
			}
			c.tools = append(c.tools, t)
			c.byCID[cid] = t
		}
	}
	return c, nil
}

func compileParams(name string, doc map[string]any) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("tooling: %s: marshal parameter schema: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://agentwallet.schemas.local/tools/%s.schema.json", name)
	if err := c.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("tooling: %s: parameter schema load failed: %w", name, err)
	}
	s, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("tooling: %s: parameter schema compile failed: %w", name, err)
	}
	return s, nil
}

// ByCID looks a tool up by content address across all networks.
func (c *Catalog) ByCID(cid string) (*Tool, bool) {
	t, ok := c.byCID[cid]
	return t, ok
}

// ForNetwork lists the tools published on network.
func (c *Catalog) ForNetwork(network string) []*Tool {
	var out []*Tool
	for _, t := range c.tools {
		if t.Network == network {
			out = append(out, t)
		}
	}
	return out
}

// ByName finds the tool called name on network.
func (c *Catalog) ByName(network, name string) (*Tool, bool) {
	for _, t := range c.tools {
		if t.Network == network && t.Name == name {
			return t, true
		}
	}
	return nil, false
}

func (c *Catalog) All() []*Tool {
	return append([]*Tool(nil), c.tools...)
}

// PolicyCodec returns the tool's policy schema codec.
func (t *Tool) PolicyCodec() *policy.Schema { return t.policy }

// Rules returns the tool's compiled pre-flight rules.
func (t *Tool) Rules() *policy.RuleSet { return t.rules }

// ParameterSchema returns the JSON Schema document for the tool's parameters.
func (t *Tool) ParameterSchema() map[string]any { return t.parameters }

// Parameters lists parameter names with their descriptions, required ones first.
func (t *Tool) Parameters() []Param {
	props, _ := t.parameters["properties"].(map[string]any)
	required := map[string]bool{}
	if list, ok := t.parameters["required"].([]any); ok {
		for _, r := range list {
			if s, ok := r.(string); ok {
				required[s] = true
			}
		}
	}
	out := make([]Param, 0, len(props))
	for name, p := range props {
		desc := ""
		if m, ok := p.(map[string]any); ok {
			desc, _ = m["description"].(string)
		}
		out = append(out, Param{Name: name, Description: desc, Required: required[name]})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Required != out[j].Required {
			return out[i].Required
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// Param describes one tool parameter.
type Param struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// ValidateParams checks params against the parameter schema and reports
// every violation.
func (t *Tool) ValidateParams(params map[string]any) error {
	if t.params == nil {
		return nil
	}
	generic, err := generic(params)
	if err != nil {
		return errs.Validation("tooling.validateParams", fmt.Sprintf("parameters for %s are not JSON: %v", t.Name, err))
	}
	err = t.params.Validate(generic)
	if err == nil {
		return nil
	}
	var violations []errs.Violation
	if ve, ok := err.(*jsonschema.ValidationError); ok {
		violations = policy.SchemaViolations(ve)
	} else {
		violations = []errs.Violation{{Code: policy.CodeConstraint, Message: err.Error()}}
	}
	return errs.Validation("tooling.validateParams", fmt.Sprintf("invalid parameters for %s", t.Name), violations...)
}

func generic(params map[string]any) (any, error) {
	if params == nil {
		params = map[string]any{}
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}
