package risk

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// RuleFile is the YAML layout of predefined rules, keyed by scope:
//
//	scopes:
//	  desk-1:
//	    - name: drawdown-15
//	      condition: drawdown
//	      threshold: 15
//	      action: pause
type RuleFile struct {
	Scopes map[string][]RuleDraft `yaml:"scopes"`
}

// LoadRules reads a rule file.
func LoadRules(path string) (*RuleFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read rules file: %w", err)
	}
	var f RuleFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse rules file: %w", err)
	}
	return &f, nil
}

// Install adds every rule of f whose name is not yet present in its scope,
// so loading the same file twice is harmless. It returns the number added.
func (e *Evaluator) Install(ctx context.Context, f *RuleFile) (int, error) {
	added := 0
	for scope, drafts := range f.Scopes {
		existing, err := e.ListRules(ctx, scope)
		if err != nil {
			return added, err
		}
		names := make(map[string]struct{}, len(existing))
		for _, r := range existing {
			names[r.Name] = struct{}{}
		}
		for _, d := range drafts {
			if _, ok := names[d.Name]; ok {
				continue
			}
			if _, err := e.AddRule(ctx, scope, d); err != nil {
				return added, fmt.Errorf("rule %q of scope %q: %w", d.Name, scope, err)
			}
			names[d.Name] = struct{}{}
			added++
		}
	}
	return added, nil
}
