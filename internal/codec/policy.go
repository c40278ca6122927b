package codec

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// keyPattern is the only shape a persisted object key may take: flat
// snake_case of lowercase alphanumeric words. It rejects camelCase,
// kebab-case, uppercase, and stray underscores at any depth.
var keyPattern = regexp.MustCompile(`^[a-z0-9]+(_[a-z0-9]+)*$`)

// PolicyError is a persisted-key policy violation. The write that produced
// it must fail: offending keys are reported, never silently renamed.
type PolicyError struct {
	Path string
	Key  string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("persisted key %q at %s is not flat snake_case", e.Key, e.Path)
}

// ValidateKeys checks every object key in an encoded JSON document against
// the persisted-key policy, returning a PolicyError for the first violation.
func ValidateKeys(data []byte) error {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("validate keys: %w", err)
	}
	return walkKeys(doc, "$")
}

func walkKeys(v any, path string) error {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if !keyPattern.MatchString(k) {
				return &PolicyError{Path: path, Key: k}
			}
			if err := walkKeys(child, path+"."+k); err != nil {
				return err
			}
		}
	case []any:
		for i, child := range t {
			if err := walkKeys(child, fmt.Sprintf("%s[%d]", path, i)); err != nil {
				return err
			}
		}
	}
	return nil
}
