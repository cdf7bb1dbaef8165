package pipeline

import (
	"fmt"
	"strconv"
	"strings"
)

// Binding connects a module input to another module's output.
type Binding struct {
	Input  string
	Module string
	Output string
}

func (b Binding) Source() string {
	return b.Module + "." + b.Output
}

// Module is one configured node of a pipeline.
type Module struct {
	Name    string
	Type    *ModuleType
	Options map[string]interface{}
	// Inputs holds the bound inputs in the type's declaration order.
	// Unbound optional inputs are left out.
	Inputs []Binding

	index  int
	filter bool
}

// Executable reports whether the module is run, as opposed to being a lazy
// filter.
func (m *Module) Executable() bool {
	return m.Type.Executable && !m.filter
}

// IsFilter reports whether the module is a lazy filter, either by type or
// because a document-map module was declared with filter: true.
func (m *Module) IsFilter() bool {
	return !m.Executable()
}

// OutputNames lists the module's outputs in declaration order.
func (m *Module) OutputNames() []string {
	names := make([]string, len(m.Type.Outputs))
	for i, o := range m.Type.Outputs {
		names[i] = o.Name
	}
	return names
}

// HasOutput reports whether the module declares output name.
func (m *Module) HasOutput(name string) bool {
	_, ok := m.Type.output(name)
	return ok
}

// Option returns an option value, which has already been checked and
// defaulted at load time.
func (m *Module) Option(name string) interface{} {
	return m.Options[name]
}

// StringOption returns a string option or "".
func (m *Module) StringOption(name string) string {
	s, _ := m.Options[name].(string)
	return s
}

// IntOption returns an int option or 0.
func (m *Module) IntOption(name string) int {
	n, _ := m.Options[name].(int)
	return n
}

// BoolOption returns a bool option or false.
func (m *Module) BoolOption(name string) bool {
	b, _ := m.Options[name].(bool)
	return b
}

// parseBinding splits "module.output". A bare "module" leaves the output
// empty, meaning the producer's first output.
func parseBinding(input, spec string) (Binding, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return Binding{}, fmt.Errorf("%w: input %s is empty", ErrInvalidBinding, input)
	}
	mod, out, _ := strings.Cut(spec, ".")
	if mod == "" || strings.Contains(out, ".") {
		return Binding{}, fmt.Errorf("%w: input %s = %q", ErrInvalidBinding, input, spec)
	}
	return Binding{Input: input, Module: mod, Output: out}, nil
}

// resolveOptions checks raw option values against the type's option specs
// and fills in defaults.
func resolveOptions(t *ModuleType, raw map[string]interface{}) (map[string]interface{}, error) {
	opts := make(map[string]interface{}, len(t.Options))
	for name := range raw {
		if _, ok := t.option(name); !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownOption, name)
		}
	}
	for _, spec := range t.Options {
		v, ok := raw[spec.Name]
		if !ok || v == nil {
			if spec.Required {
				return nil, fmt.Errorf("%w: %s", ErrMissingOption, spec.Name)
			}
			if spec.Default != nil {
				opts[spec.Name] = spec.Default
			}
			continue
		}
		parsed, err := parseOption(spec.Kind, v)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalidOption, spec.Name, err)
		}
		opts[spec.Name] = parsed
	}
	return opts, nil
}

func parseOption(kind OptionKind, v interface{}) (interface{}, error) {
	switch kind {
	case OptionString, "":
		switch x := v.(type) {
		case string:
			return x, nil
		case int, float64, bool:
			return fmt.Sprint(x), nil
		}
	case OptionInt:
		switch x := v.(type) {
		case int:
			return x, nil
		case int64:
			return int(x), nil
		case float64:
			if x == float64(int(x)) {
				return int(x), nil
			}
		case string:
			return strconv.Atoi(x)
		}
	case OptionFloat:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int:
			return float64(x), nil
		case string:
			return strconv.ParseFloat(x, 64)
		}
	case OptionBool:
		switch x := v.(type) {
		case bool:
			return x, nil
		case string:
			return strconv.ParseBool(x)
		}
	default:
		return nil, fmt.Errorf("unsupported option kind %q", kind)
	}
	return nil, fmt.Errorf("cannot use %v (%T) as %s", v, v, kind)
}
