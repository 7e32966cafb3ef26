package custom_errors

import (
	"fmt"
	"strings"
)

// ValidationError collects every problem found in a request so callers can
// report them together.
type ValidationError struct {
	Errors []error `json:"errors"`
}

func (c *ValidationError) Add(err error) {
	c.Errors = append(c.Errors, err)
}

func (c *ValidationError) Addf(format string, args ...any) {
	c.Errors = append(c.Errors, fmt.Errorf(format, args...))
}

func (c *ValidationError) HasError() bool {
	return len(c.Errors) > 0
}

// Messages returns the individual error strings in insertion order.
func (c *ValidationError) Messages() []string {
	out := make([]string, 0, len(c.Errors))
	for _, err := range c.Errors {
		out = append(out, err.Error())
	}
	return out
}

func (c *ValidationError) Error() string {
	if len(c.Errors) == 0 {
		return ""
	}
	return "validation failed: " + strings.Join(c.Messages(), "; ")
}

// OrNil returns c when it holds errors and nil otherwise, so it can be
// returned directly from a validate function.
func (c *ValidationError) OrNil() error {
	if !c.HasError() {
		return nil
	}
	return c
}
