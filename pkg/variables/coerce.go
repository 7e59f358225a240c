// Package variables implements the variable state manager: typed values,
// the auto-coercion table, constraint checks, immutability and the audit
// trail of every write.
package variables

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/periscope-dev/engine/pkg/models"
)

// booleanWords is the documented string→boolean coercion table.
var booleanWords = map[string]bool{
	"true": true, "false": false,
	"1": true, "0": false,
	"yes": true, "no": false,
	"on": true, "off": false,
}

// Coerce converts a raw value to the declared type, applying the documented
// auto-coercion rules: numeric-looking strings become numbers, boolean words
// become booleans, JSON-looking strings become arrays or objects. Returns
// ErrTypeOrConstraintViolation when no safe conversion exists.
func Coerce(raw any, declared models.VariableType) (models.Value, error) {
	val, err := models.FromAny(raw)
	if err != nil {
		return models.Null(), fmt.Errorf("%w: %v", models.ErrTypeOrConstraintViolation, err)
	}

	if val.IsNull() {
		return models.Null(), nil
	}

	switch declared {
	case models.VariableTypeAny, "":
		return val, nil
	case models.VariableTypeString:
		return coerceString(val)
	case models.VariableTypeInteger:
		return coerceInteger(val)
	case models.VariableTypeNumber:
		return coerceNumber(val)
	case models.VariableTypeBoolean:
		return coerceBoolean(val)
	case models.VariableTypeDateTime:
		return coerceDateTime(val)
	case models.VariableTypeArray:
		return coerceArray(val)
	case models.VariableTypeObject:
		return coerceObject(val)
	default:
		return models.Null(), fmt.Errorf("%w: unknown declared type %q", models.ErrTypeOrConstraintViolation, declared)
	}
}

func coerceString(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindString:
		return v, nil
	case models.KindInteger:
		return models.StringValue(strconv.FormatInt(v.Int, 10)), nil
	case models.KindNumber:
		return models.StringValue(strconv.FormatFloat(v.Num, 'g', -1, 64)), nil
	case models.KindBoolean:
		return models.StringValue(strconv.FormatBool(v.Bool)), nil
	case models.KindDateTime:
		return models.StringValue(v.Time.Format(time.RFC3339)), nil
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeString)
	}
}

func coerceInteger(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindInteger:
		return v, nil
	case models.KindNumber:
		if v.Num == math.Trunc(v.Num) {
			return models.IntegerValue(int64(v.Num)), nil
		}

		return models.Null(), typeMismatch(v, models.VariableTypeInteger)
	case models.KindString:
		if i, err := strconv.ParseInt(strings.TrimSpace(v.Str), 10, 64); err == nil {
			return models.IntegerValue(i), nil
		}

		return models.Null(), typeMismatch(v, models.VariableTypeInteger)
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeInteger)
	}
}

func coerceNumber(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindNumber:
		return v, nil
	case models.KindInteger:
		return models.NumberValue(float64(v.Int)), nil
	case models.KindString:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v.Str), 64); err == nil {
			return models.NumberValue(f), nil
		}

		return models.Null(), typeMismatch(v, models.VariableTypeNumber)
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeNumber)
	}
}

func coerceBoolean(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindBoolean:
		return v, nil
	case models.KindString:
		if b, ok := booleanWords[strings.ToLower(strings.TrimSpace(v.Str))]; ok {
			return models.BooleanValue(b), nil
		}

		return models.Null(), typeMismatch(v, models.VariableTypeBoolean)
	case models.KindInteger:
		if v.Int == 0 || v.Int == 1 {
			return models.BooleanValue(v.Int == 1), nil
		}

		return models.Null(), typeMismatch(v, models.VariableTypeBoolean)
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeBoolean)
	}
}

func coerceDateTime(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindDateTime:
		return v, nil
	case models.KindString:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"} {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return models.DateTimeValue(t), nil
			}
		}

		return models.Null(), typeMismatch(v, models.VariableTypeDateTime)
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeDateTime)
	}
}

func coerceArray(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindArray:
		return v, nil
	case models.KindString:
		return coerceJSONString(v, models.VariableTypeArray)
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeArray)
	}
}

func coerceObject(v models.Value) (models.Value, error) {
	switch v.Kind {
	case models.KindObject:
		return v, nil
	case models.KindString:
		return coerceJSONString(v, models.VariableTypeObject)
	default:
		return models.Null(), typeMismatch(v, models.VariableTypeObject)
	}
}

// coerceJSONString handles JSON-looking strings for array/object targets.
func coerceJSONString(v models.Value, declared models.VariableType) (models.Value, error) {
	trimmed := strings.TrimSpace(v.Str)

	looksLike := (declared == models.VariableTypeArray && strings.HasPrefix(trimmed, "[")) ||
		(declared == models.VariableTypeObject && strings.HasPrefix(trimmed, "{"))
	if !looksLike {
		return models.Null(), typeMismatch(v, declared)
	}

	var decoded any
	if err := json.Unmarshal([]byte(trimmed), &decoded); err != nil {
		return models.Null(), fmt.Errorf("%w: string is not valid JSON for %s", models.ErrTypeOrConstraintViolation, declared)
	}

	val, err := models.FromAny(decoded)
	if err != nil {
		return models.Null(), fmt.Errorf("%w: %v", models.ErrTypeOrConstraintViolation, err)
	}

	return val, nil
}

func typeMismatch(v models.Value, declared models.VariableType) error {
	return fmt.Errorf("%w: cannot coerce %s to %s", models.ErrTypeOrConstraintViolation, v.Kind, declared)
}
