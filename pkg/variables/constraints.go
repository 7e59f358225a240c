package variables

import (
	"fmt"
	"regexp"

	"github.com/periscope-dev/engine/pkg/models"
)

// CheckConstraints validates a coerced value against the declaration's
// constraints. min/max apply to numeric values, length and pattern to
// strings, length and uniqueItems to arrays, enum to any kind.
func CheckConstraints(name string, v models.Value, c *models.VariableConstraints) error {
	if c == nil || v.IsNull() {
		return nil
	}

	if v.IsNumeric() {
		f := v.Float()

		if c.Min != nil && f < *c.Min {
			return constraintErr(name, "value %v below minimum %v", f, *c.Min)
		}

		if c.Max != nil && f > *c.Max {
			return constraintErr(name, "value %v above maximum %v", f, *c.Max)
		}
	}

	if v.Kind == models.KindString {
		if c.MinLength != nil && len(v.Str) < *c.MinLength {
			return constraintErr(name, "length %d below minimum %d", len(v.Str), *c.MinLength)
		}

		if c.MaxLength != nil && len(v.Str) > *c.MaxLength {
			return constraintErr(name, "length %d above maximum %d", len(v.Str), *c.MaxLength)
		}

		if c.Pattern != "" {
			re, err := regexp.Compile(c.Pattern)
			if err != nil {
				return constraintErr(name, "invalid pattern %q", c.Pattern)
			}

			if !re.MatchString(v.Str) {
				return constraintErr(name, "value does not match pattern %q", c.Pattern)
			}
		}
	}

	if v.Kind == models.KindArray {
		if c.MinLength != nil && len(v.Arr) < *c.MinLength {
			return constraintErr(name, "array length %d below minimum %d", len(v.Arr), *c.MinLength)
		}

		if c.MaxLength != nil && len(v.Arr) > *c.MaxLength {
			return constraintErr(name, "array length %d above maximum %d", len(v.Arr), *c.MaxLength)
		}

		if c.UniqueItems {
			for i := range v.Arr {
				for j := i + 1; j < len(v.Arr); j++ {
					if v.Arr[i].Equal(v.Arr[j]) {
						return constraintErr(name, "duplicate array item at index %d", j)
					}
				}
			}
		}
	}

	if len(c.Enum) > 0 {
		ok := false

		for _, allowed := range c.Enum {
			av, err := models.FromAny(allowed)
			if err != nil {
				continue
			}

			if v.Equal(av) {
				ok = true

				break
			}
		}

		if !ok {
			return constraintErr(name, "value not in enum")
		}
	}

	return nil
}

func constraintErr(name, format string, args ...any) error {
	return fmt.Errorf("%w: variable %s: %s", models.ErrTypeOrConstraintViolation, name, fmt.Sprintf(format, args...))
}
