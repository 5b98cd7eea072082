package routing

import (
	"strings"

	"github.com/jinzhu/inflection"
)

// Separator joins the segments of a route
const Separator = "."

// Address is an immutable service.model[.action] routing identifier
type Address struct {
	service string
	model   string
	action  string
	plural  bool
}

// Fields are the structured inputs accepted by BuildAddress
type Fields struct {
	Service string // Defaults to the caller's own service
	Model   string
	Action  string
	Plural  bool
}

// ParseAddress parses a dot-separated route. The model segment is singularized and
// the address is marked plural when singularizing changed it.
func ParseAddress(s string) (Address, error) {
	segments := strings.Split(s, Separator)
	if len(segments) < 2 {
		return Address{}, &ParseError{Input: s, Reason: "expected at least service and model segments"}
	}
	if len(segments) > 3 {
		return Address{}, &ParseError{Input: s, Reason: "expected at most service, model and action segments"}
	}

	for i, segment := range segments {
		if segment == "" {
			return Address{}, &ParseError{Input: s, Reason: "empty segment"}
		}
		if !isIdentifier(segment) {
			return Address{}, &ParseError{Input: s, Reason: "segment " + segmentName(i) + " is not an identifier"}
		}
	}

	model, plural := singularize(segments[1])

	addr := Address{
		service: segments[0],
		model:   model,
		plural:  plural,
	}
	if len(segments) == 3 {
		addr.action = segments[2]
	}
	return addr, nil
}

// BuildAddress builds an address from structured fields. An empty Service falls back
// to self, the caller's own service identity.
func BuildAddress(f Fields, self string) (Address, error) {
	service := f.Service
	if service == "" {
		service = self
	}

	if service == "" {
		return Address{}, &ValidationError{Field: "service", Reason: "must be provided"}
	}
	if f.Model == "" {
		return Address{}, &ValidationError{Field: "model", Reason: "must be provided"}
	}
	if !isIdentifier(service) {
		return Address{}, &ValidationError{Field: "service", Value: service, Reason: "is not an identifier"}
	}
	if !isIdentifier(f.Model) {
		return Address{}, &ValidationError{Field: "model", Value: f.Model, Reason: "is not an identifier"}
	}
	if f.Action != "" && !isIdentifier(f.Action) {
		return Address{}, &ValidationError{Field: "action", Value: f.Action, Reason: "is not an identifier"}
	}

	return Address{
		service: service,
		model:   f.Model,
		action:  f.Action,
		plural:  f.Plural,
	}, nil
}

// MustParse is ParseAddress for routes known at compile time. It panics on error.
func MustParse(s string) Address {
	addr, err := ParseAddress(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// Canonicalize parses s and renders it back in canonical form
func Canonicalize(s string) (string, error) {
	addr, err := ParseAddress(s)
	if err != nil {
		return "", err
	}
	return addr.ToRoute(), nil
}

// Service returns the service segment
func (a Address) Service() string { return a.service }

// Model returns the model in singular form
func (a Address) Model() string { return a.model }

// Action returns the action segment, empty when absent
func (a Address) Action() string { return a.action }

// Plural reports whether the model renders pluralized
func (a Address) Plural() bool { return a.plural }

// IsZero reports whether a is the zero Address
func (a Address) IsZero() bool { return a.service == "" && a.model == "" }

// RouteModel returns the model segment as it appears in the route
func (a Address) RouteModel() string {
	if a.plural {
		return inflection.Plural(a.model)
	}
	return a.model
}

// ToRoute joins service, model and action into the canonical route
func (a Address) ToRoute() string {
	parts := []string{a.service, a.RouteModel()}
	if a.action != "" {
		parts = append(parts, a.action)
	}
	return strings.Join(parts, Separator)
}

// String implements fmt.Stringer
func (a Address) String() string {
	return a.ToRoute()
}

// WithAction returns a copy of a addressing another action
func (a Address) WithAction(action string) Address {
	a.action = action
	return a
}

// Equal reports whether both addresses carry identical fields
func (a Address) Equal(other Address) bool {
	return a == other
}

// singularize returns the singular form of a route's model segment and whether the
// segment was plural. A segment inflection cannot map back onto itself is kept as
// written, so the route always renders back unchanged.
func singularize(raw string) (string, bool) {
	model := inflection.Singular(raw)
	if model == raw || model == "" || !isIdentifier(model) || inflection.Plural(model) != raw {
		return raw, false
	}
	return model, true
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= 'A' && c <= 'Z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return false
		}
	}
	return true
}

func segmentName(i int) string {
	switch i {
	case 0:
		return "service"
	case 1:
		return "model"
	default:
		return "action"
	}
}
