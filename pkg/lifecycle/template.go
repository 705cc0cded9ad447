package lifecycle

import "strings"

var contextRefs = map[string]func(rc RuntimeContext) string{
	"worker_dir":    func(rc RuntimeContext) string { return rc.WorkerDir },
	"task_id":       func(rc RuntimeContext) string { return rc.TaskID },
	"ralph_dir":     func(rc RuntimeContext) string { return rc.RalphDir },
	"kanban_status": func(rc RuntimeContext) string { return rc.KanbanStatus },
}

// resolveArgs substitutes an effect's declared argument template against the
// triggering event's data and the runtime context (§4.3). A string value
// equal to one of the four context keys resolves to that context field; a
// string of the form "data.<path>" resolves to the dotted path inside data;
// every other value (including non-string JSON values) passes through
// literally.
func resolveArgs(tmpl map[string]any, data map[string]any, rc RuntimeContext) map[string]any {
	resolved := make(map[string]any, len(tmpl))
	for k, v := range tmpl {
		resolved[k] = resolveValue(v, data, rc)
	}
	return resolved
}

func resolveValue(v any, data map[string]any, rc RuntimeContext) any {
	s, ok := v.(string)
	if !ok {
		return v
	}
	if ref, ok := contextRefs[s]; ok {
		return ref(rc)
	}
	if strings.HasPrefix(s, "data.") {
		path := strings.TrimPrefix(s, "data.")
		if val, ok := lookupPath(data, path); ok {
			return val
		}
		return nil
	}
	return s
}

func lookupPath(data map[string]any, path string) (any, bool) {
	parts := strings.Split(path, ".")
	var cur any = data
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}
