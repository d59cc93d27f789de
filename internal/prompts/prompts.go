// Package prompts holds the persona content the call agent speaks: the system
// prompt, idle nudges, farewells, fallback lines and the phrases that end a call.
package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Pools is a persona definition as stored in YAML.
type Pools struct {
	Persona      string   `yaml:"persona"`
	SystemPrompt string   `yaml:"system_prompt"`
	Nudges       []string `yaml:"nudges"`
	Farewells    []string `yaml:"farewells"`
	Fallbacks    []string `yaml:"fallbacks"`
	EndPhrases   []string `yaml:"end_phrases"`
}

// Source serves randomized lines from a set of pools. It satisfies
// agent.PromptSource.
type Source struct {
	pools Pools
	pick  func(n int) int
}

// Default returns the embedded persona.
func Default() *Source {
	p, err := Parse(defaultYAML)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		panic(fmt.Sprintf("prompts: embedded default.yaml: %v", err))
	}
	return New(p)
}

// New wraps pools in a Source.
func New(p Pools) *Source {
	return &Source{pools: p, pick: rand.IntN}
}

// Load reads a persona file. Pools missing from the file keep the embedded
// defaults, so a file may override only the system prompt. Unknown keys and
// pools left empty after the merge are errors.
func Load(path string) (*Source, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompts file: %w", err)
	}
	def, err := Parse(defaultYAML)
	if err != nil {
		return nil, err
	}
	custom, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	merged := merge(def, custom)
	if err := merged.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return New(merged), nil
}

// Parse decodes YAML pools and drops blank entries.
func Parse(data []byte) (Pools, error) {
	var p Pools
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Pools{}, fmt.Errorf("parse prompts: %w", err)
	}
	p.SystemPrompt = strings.TrimSpace(p.SystemPrompt)
	p.Nudges = compact(p.Nudges)
	p.Farewells = compact(p.Farewells)
	p.Fallbacks = compact(p.Fallbacks)
	p.EndPhrases = compact(p.EndPhrases)
	return p, nil
}

// Validate reports pools that would leave the agent with nothing to say.
func (p Pools) Validate() error {
	var errs []error
	if p.SystemPrompt == "" {
		errs = append(errs, errors.New("system_prompt is empty"))
	}
	if len(p.Nudges) == 0 {
		errs = append(errs, errors.New("nudges pool is empty"))
	}
	if len(p.Farewells) == 0 {
		errs = append(errs, errors.New("farewells pool is empty"))
	}
	if len(p.Fallbacks) == 0 {
		errs = append(errs, errors.New("fallbacks pool is empty"))
	}
	return errors.Join(errs...)
}

func merge(base, over Pools) Pools {
	if over.Persona != "" {
		base.Persona = over.Persona
	}
	if over.SystemPrompt != "" {
		base.SystemPrompt = over.SystemPrompt
	}
	if len(over.Nudges) > 0 {
		base.Nudges = over.Nudges
	}
	if len(over.Farewells) > 0 {
		base.Farewells = over.Farewells
	}
	if len(over.Fallbacks) > 0 {
		base.Fallbacks = over.Fallbacks
	}
	if len(over.EndPhrases) > 0 {
		base.EndPhrases = over.EndPhrases
	}
	return base
}

func compact(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (s *Source) Persona() string      { return s.pools.Persona }
func (s *Source) SystemPrompt() string { return s.pools.SystemPrompt }
func (s *Source) Nudge() string        { return s.one(s.pools.Nudges) }
func (s *Source) Farewell() string     { return s.one(s.pools.Farewells) }
func (s *Source) Fallback() string     { return s.one(s.pools.Fallbacks) }

// EndPhrases returns a copy of the call-ending phrases.
func (s *Source) EndPhrases() []string {
	return append([]string(nil), s.pools.EndPhrases...)
}

// Pools returns the underlying persona definition.
func (s *Source) Pools() Pools { return s.pools }

func (s *Source) one(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	return pool[s.pick(len(pool))]
}
