package logging

import "log/slog"

func resolveAttr(attr slog.Attr) (string, any) {
	if attr.Key == "" {
		return "", nil
	}
	value := attr.Value.Resolve()
	switch value.Kind() {
	case slog.KindGroup:
		inner := map[string]any{}
		for _, groupAttr := range value.Group() {
			key, val := resolveAttr(groupAttr)
			if key != "" {
				inner[key] = val
			}
		}
		return attr.Key, inner
	default:
		return attr.Key, value.Any()
	}
}

// attrsToMap flattens base followed by attrs; a later key replaces an
// earlier one.
func attrsToMap(base []slog.Attr, attrs []slog.Attr) map[string]any {
	if len(base) == 0 && len(attrs) == 0 {
		return nil
	}
	values := make(map[string]any, len(base)+len(attrs))
	for _, list := range [][]slog.Attr{base, attrs} {
		for _, attr := range list {
			key, value := resolveAttr(attr)
			if key == "" {
				continue
			}
			values[key] = value
		}
	}
	if len(values) == 0 {
		return nil
	}
	return values
}
