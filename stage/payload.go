package stage

// Envelope payloads round-trip through msgpack, which decodes slices as
// []any and nested maps as map[string]any regardless of what they held
// before encoding. These helpers recover the concrete shapes the stage
// contracts expect.

func payloadString(p map[string]any, key string) string {
	v, _ := p[key].(string)
	return v
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func payloadStringSlice(p map[string]any, key string) []string {
	raw, ok := p[key].([]any)
	if !ok {
		if s, ok := p[key].([]string); ok {
			return s
		}
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
