package records

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var ErrInvalidValue = errors.New("invalid value")

const DateLayout = "2006-01-02"

// Row is one stored record. Values holds column values keyed by field
// name; Labels holds display labels for reference fields.
type Row struct {
	ID        string            `json:"id"`
	CompanyID string            `json:"companyId"`
	CreatedAt time.Time         `json:"createdAt"`
	UpdatedAt time.Time         `json:"updatedAt"`
	Values    map[string]any    `json:"values"`
	Labels    map[string]string `json:"labels,omitempty"`
}

// Coerce converts raw input into column values for every field of c.
// Unknown keys are ignored. Fields missing from input take their empty
// value: zero for numbers, the first option for enums, NULL for dates
// and references.
func Coerce(c Collection, input map[string]string) (map[string]any, error) {
	out := make(map[string]any, len(c.Fields))
	for _, f := range c.Fields {
		v, err := coerceField(f, input[f.Name])
		if err != nil {
			return nil, err
		}
		out[f.Name] = v
	}
	return out, nil
}

func coerceField(f Field, raw string) (any, error) {
	raw = strings.TrimSpace(raw)
	switch f.Kind {
	case KindNumber:
		if raw == "" {
			return float64(0), nil
		}
		n, err := strconv.ParseFloat(strings.ReplaceAll(raw, ",", ""), 64)
		if err != nil || math.IsNaN(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("%s: %w: %q is not a number", f.Label, ErrInvalidValue, raw)
		}
		return n, nil
	case KindDate:
		if raw == "" {
			return nil, nil
		}
		if t, err := time.Parse(DateLayout, raw); err == nil {
			return t.Format(DateLayout), nil
		}
		if t, err := time.Parse(time.RFC3339, raw); err == nil {
			return t.Format(DateLayout), nil
		}
		return nil, fmt.Errorf("%s: %w: %q is not a date", f.Label, ErrInvalidValue, raw)
	case KindEnum:
		if raw == "" {
			return f.Options[0], nil
		}
		for _, opt := range f.Options {
			if strings.EqualFold(opt, raw) || strings.EqualFold(HumanizeOption(opt), raw) {
				return opt, nil
			}
		}
		return nil, fmt.Errorf("%s: %w: %q is not one of %s", f.Label, ErrInvalidValue, raw, strings.Join(f.Options, ", "))
	case KindRef:
		if raw == "" {
			return nil, nil
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w: %q is not a record id", f.Label, ErrInvalidValue, raw)
		}
		return id.String(), nil
	default:
		if f.Required && raw == "" {
			return nil, fmt.Errorf("%s: %w: required", f.Label, ErrInvalidValue)
		}
		return raw, nil
	}
}

// FormatValue renders a stored value for display and form prefill.
func FormatValue(f Field, v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(t, 10)
	case []byte:
		return string(t)
	case time.Time:
		return t.Format(DateLayout)
	case string:
		if f.Kind == KindDate && len(t) > len(DateLayout) {
			if parsed, err := time.Parse(time.RFC3339, t); err == nil {
				return parsed.Format(DateLayout)
			}
		}
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Display is like FormatValue but prefers reference labels and humanized
// enum options.
func (r Row) Display(f Field) string {
	if f.Kind == KindRef {
		if label, ok := r.Labels[f.Name]; ok {
			return label
		}
	}
	s := FormatValue(f, r.Values[f.Name])
	if f.Kind == KindEnum {
		return HumanizeOption(s)
	}
	return s
}
