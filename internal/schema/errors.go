package schema

import (
	"fmt"
	"strings"
)

// FieldError is a single validation violation. Field is the dotted path of
// the offending value ("" for the argument object itself).
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e FieldError) String() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// UnknownTypeError is returned when a descriptor names a type the adapter
// does not understand. It is a configuration error, raised at compile time.
type UnknownTypeError struct {
	Field string
	Type  string
}

func (e *UnknownTypeError) Error() string {
	return fmt.Sprintf("schema: field %q has unknown type %q (want string, number, boolean or array)", e.Field, e.Type)
}

// InvalidDescriptorError reports a descriptor that is well-typed but
// unusable, e.g. a regex that does not compile.
type InvalidDescriptorError struct {
	Field  string
	Reason string
}

func (e *InvalidDescriptorError) Error() string {
	return fmt.Sprintf("schema: field %q: %s", e.Field, e.Reason)
}

// FormatErrors renders violations one per line, in order.
func FormatErrors(errs []FieldError) string {
	lines := make([]string, len(errs))
	for i, e := range errs {
		lines[i] = "- " + e.String()
	}
	return strings.Join(lines, "\n")
}
