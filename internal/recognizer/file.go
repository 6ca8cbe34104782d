package recognizer

import (
	_ "embed"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed builtin.yaml
var builtinYAML []byte

// File is the top-level YAML structure of a recognizer definition file.
type File struct {
	Recognizers []Config `yaml:"recognizers"`
}

// Config is one recognizer definition as written in YAML.
type Config struct {
	Name            string          `yaml:"name"`
	SupportedEntity string          `yaml:"supported_entity"`
	Enabled         *bool           `yaml:"enabled,omitempty"`
	Patterns        []PatternConfig `yaml:"patterns,omitempty"`
	Heuristic       string          `yaml:"heuristic,omitempty"`
	Score           float64         `yaml:"score,omitempty"` // heuristic recognizers only
	Context         []string        `yaml:"context,omitempty"`
	Validators      []string        `yaml:"validators,omitempty"`
}

// PatternConfig is a single regex pattern within a recognizer.
type PatternConfig struct {
	Name  string  `yaml:"name"`
	Regex string  `yaml:"regex"`
	Score float64 `yaml:"score"`
	Group int     `yaml:"group,omitempty"`
}

func (c *Config) isEnabled() bool {
	if c.Enabled == nil {
		return true
	}
	return *c.Enabled
}

// ParseFile parses recognizer YAML bytes.
func ParseFile(data []byte) (*File, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing recognizer YAML: %w", err)
	}
	return &f, nil
}

// LoadFile reads and parses a recognizer YAML file from disk.
// A missing file yields (nil, nil) so an unset override is a no-op.
func LoadFile(path string) (*File, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path from trusted config
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading recognizer file %s: %w", path, err)
	}
	return ParseFile(data)
}

// DefaultConfigs returns the embedded built-in recognizer definitions.
func DefaultConfigs() ([]Config, error) {
	f, err := ParseFile(builtinYAML)
	if err != nil {
		return nil, fmt.Errorf("parsing embedded recognizers: %w", err)
	}
	return f.Recognizers, nil
}

// Merge layers recognizer definitions. A later layer replaces an earlier
// definition with the same Name in place, so registration order is kept;
// new names are appended.
func Merge(layers ...[]Config) []Config {
	index := make(map[string]int)
	var merged []Config
	for _, layer := range layers {
		for _, c := range layer {
			if idx, ok := index[c.Name]; ok {
				merged[idx] = c
				continue
			}
			index[c.Name] = len(merged)
			merged = append(merged, c)
		}
	}
	return merged
}

// FilterEntities keeps only allowed entity types (when allow is non-empty)
// and then removes denied ones.
func FilterEntities(configs []Config, allow, deny []string) []Config {
	allowed := toSet(allow)
	denied := toSet(deny)
	var out []Config
	for _, c := range configs {
		entity := strings.ToUpper(c.SupportedEntity)
		if len(allowed) > 0 && !allowed[entity] {
			continue
		}
		if denied[entity] {
			continue
		}
		out = append(out, c)
	}
	return out
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToUpper(strings.TrimSpace(v))] = true
	}
	return set
}

// compile turns a definition into a runtime Recognizer. Disabled
// definitions return ok=false with no error.
func compile(c Config) (r Recognizer, ok bool, err error) {
	if !c.isEnabled() {
		return Recognizer{}, false, nil
	}
	if strings.TrimSpace(c.SupportedEntity) == "" {
		return Recognizer{}, false, fmt.Errorf("recognizer %q: %w: missing supported_entity", c.Name, ErrInvalidRecognizer)
	}
	r = Recognizer{
		Name:       c.Name,
		EntityType: strings.ToUpper(c.SupportedEntity),
		Context:    c.Context,
	}
	for _, v := range c.Validators {
		fn, known := validators[v]
		if !known {
			return Recognizer{}, false, fmt.Errorf("recognizer %q: %w: unknown validator %q", c.Name, ErrInvalidRecognizer, v)
		}
		r.validators = append(r.validators, fn)
	}

	if c.Heuristic != "" {
		fn, known := heuristics[c.Heuristic]
		if !known {
			return Recognizer{}, false, fmt.Errorf("recognizer %q: %w: unknown heuristic %q", c.Name, ErrInvalidRecognizer, c.Heuristic)
		}
		if err := checkScore(c.Score); err != nil {
			return Recognizer{}, false, fmt.Errorf("recognizer %q: %w", c.Name, err)
		}
		r.match = fn
		r.heuristicScore = c.Score
		r.BaseConfidence = c.Score
		return r, true, nil
	}

	if len(c.Patterns) == 0 {
		return Recognizer{}, false, fmt.Errorf("recognizer %q: %w: no patterns", c.Name, ErrInvalidRecognizer)
	}
	for _, p := range c.Patterns {
		re, err := regexp.Compile(p.Regex)
		if err != nil {
			return Recognizer{}, false, fmt.Errorf("recognizer %q pattern %q: %w: %v", c.Name, p.Name, ErrInvalidPattern, err)
		}
		if err := checkScore(p.Score); err != nil {
			return Recognizer{}, false, fmt.Errorf("recognizer %q pattern %q: %w", c.Name, p.Name, err)
		}
		if p.Group < 0 || p.Group > re.NumSubexp() {
			return Recognizer{}, false, fmt.Errorf("recognizer %q pattern %q: %w: group %d out of range", c.Name, p.Name, ErrInvalidPattern, p.Group)
		}
		r.patterns = append(r.patterns, compiledPattern{re: re, score: p.Score, group: p.Group})
		if p.Score > r.BaseConfidence {
			r.BaseConfidence = p.Score
		}
	}
	return r, true, nil
}

func checkScore(score float64) error {
	if score < 0 || score > 1 {
		return fmt.Errorf("%w: confidence %v outside [0,1]", ErrInvalidRecognizer, score)
	}
	return nil
}
