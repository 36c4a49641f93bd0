// Package script implements the pipeline model and the two-sandbox script
// evaluator built on top of gopher-lua. The same pipeline source is
// evaluated twice: once in a metadata sandbox where every bridge module
// name is bound to a stand-in that raises on use (to extract the
// declarative structure), and once in an
// execution sandbox with the host-bridge modules installed (to obtain
// callable stage handles).
package script

// InputType enumerates the closed set of declared input types.
type InputType string

const (
	InputString InputType = "string"
	InputNumber InputType = "number"
	InputBool   InputType = "bool"
)

// InputDefinition describes one declared pipeline input.
type InputDefinition struct {
	Type        InputType `json:"type"`
	Description string    `json:"description,omitempty"`
	Default     *string   `json:"default,omitempty"`
	Options     []string  `json:"options,omitempty"`
	Required    bool      `json:"required"`
}

// StageDecl is the declarative shape of one pipeline stage. Neither
// sandbox sets BodyHandle, so it is always zero; the *Evaluator looks a
// stage's condition and body up by Name.
type StageDecl struct {
	Name         string `json:"name"`
	Container    string `json:"container,omitempty"`
	HasCondition bool   `json:"has_condition"`
	BodyHandle   int    `json:"-"`
}

// DeclaredPipeline is the metadata-sandbox extraction of a pipeline script.
type DeclaredPipeline struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description,omitempty"`
	Inputs      map[string]InputDefinition `json:"inputs,omitempty"`
	RunnerTags  map[string]string          `json:"runner_tags,omitempty"`
	Plugins     []string                   `json:"plugins,omitempty"`
	Stages      []StageDecl                `json:"stages"`
}

// StageNames returns the declared stage names in order, used by callers
// that only need the shape, not the full declaration.
func (d DeclaredPipeline) StageNames() []string {
	out := make([]string, len(d.Stages))
	for i, s := range d.Stages {
		out[i] = s.Name
	}
	return out
}
