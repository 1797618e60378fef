package session

import (
	"fmt"
	"time"
)

// ValidateSlot is the total function (SlotSchema, raw) -> Result<SlotValue,
// message> the spec's design notes call for: it never panics, and an
// invalid raw value returns a message rather than a zero SlotValue that
// could be mistaken for a valid one.
func ValidateSlot(schema SlotSchema, raw any) (SlotValue, string) {
	switch schema.Kind {
	case SlotString:
		s, ok := raw.(string)
		if !ok {
			return SlotValue{}, fmt.Sprintf("slot %q expects a string", schema.Name)
		}
		return SlotValue{Kind: SlotString, Str: s}, ""

	case SlotEnum:
		s, ok := raw.(string)
		if !ok {
			return SlotValue{}, fmt.Sprintf("slot %q expects an enum string", schema.Name)
		}
		for _, allowed := range schema.EnumSet {
			if allowed == s {
				return SlotValue{Kind: SlotEnum, Enum: s}, ""
			}
		}
		return SlotValue{}, fmt.Sprintf("slot %q: %q is not one of %v", schema.Name, s, schema.EnumSet)

	case SlotInt:
		v, ok := toInt64(raw)
		if !ok {
			return SlotValue{}, fmt.Sprintf("slot %q expects an integer", schema.Name)
		}
		if schema.MinInt != nil && v < *schema.MinInt {
			return SlotValue{}, fmt.Sprintf("slot %q must be >= %d", schema.Name, *schema.MinInt)
		}
		if schema.MaxInt != nil && v > *schema.MaxInt {
			return SlotValue{}, fmt.Sprintf("slot %q must be <= %d", schema.Name, *schema.MaxInt)
		}
		return SlotValue{Kind: SlotInt, Int: v}, ""

	case SlotFloat:
		v, ok := toFloat64(raw)
		if !ok {
			return SlotValue{}, fmt.Sprintf("slot %q expects a number", schema.Name)
		}
		if schema.MinFloat != nil && v < *schema.MinFloat {
			return SlotValue{}, fmt.Sprintf("slot %q must be >= %v", schema.Name, *schema.MinFloat)
		}
		if schema.MaxFloat != nil && v > *schema.MaxFloat {
			return SlotValue{}, fmt.Sprintf("slot %q must be <= %v", schema.Name, *schema.MaxFloat)
		}
		return SlotValue{Kind: SlotFloat, Float: v}, ""

	case SlotDate:
		switch v := raw.(type) {
		case time.Time:
			return SlotValue{Kind: SlotDate, Date: v}, ""
		case string:
			parsed, err := time.Parse("2006-01-02", v)
			if err != nil {
				return SlotValue{}, fmt.Sprintf("slot %q expects an ISO date (YYYY-MM-DD)", schema.Name)
			}
			return SlotValue{Kind: SlotDate, Date: parsed}, ""
		default:
			return SlotValue{}, fmt.Sprintf("slot %q expects a date", schema.Name)
		}

	default:
		return SlotValue{}, fmt.Sprintf("slot %q has an unknown type", schema.Name)
	}
}

func toInt64(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	default:
		return 0, false
	}
}

func toFloat64(raw any) (float64, bool) {
	switch v := raw.(type) {
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

// MissingRequired returns the names of required slots absent from the
// given slot map, sorted by schema order.
func MissingRequired(catalog []SlotSchema, slots map[string]SlotValue) []string {
	var missing []string
	for _, s := range catalog {
		if !s.Required {
			continue
		}
		if _, ok := slots[s.Name]; !ok {
			missing = append(missing, s.Name)
		}
	}
	return missing
}
