package callback

import (
	"fmt"

	"github.com/actingweb/actingweb-sub002/internal/messaging"
)

// ApplyListMutation applies one list operation to a local mirror of the
// list and returns the new slice. Out-of-range indexes are errors so a
// desynced mirror surfaces instead of silently diverging.
func ApplyListMutation(list []any, m messaging.ListMutation) ([]any, error) {
	switch m.Operation {
	case messaging.ListOpAppend:
		return append(list, m.Item), nil

	case messaging.ListOpExtend:
		return append(list, m.Items...), nil

	case messaging.ListOpUpdate:
		if m.Index == nil || *m.Index < 0 || *m.Index >= len(list) {
			return nil, fmt.Errorf("list %s: update index out of range", m.List)
		}
		out := make([]any, len(list))
		copy(out, list)
		out[*m.Index] = m.Item
		return out, nil

	case messaging.ListOpDelete:
		if m.Index == nil || *m.Index < 0 || *m.Index >= len(list) {
			return nil, fmt.Errorf("list %s: delete index out of range", m.List)
		}
		out := make([]any, 0, len(list)-1)
		out = append(out, list[:*m.Index]...)
		return append(out, list[*m.Index+1:]...), nil

	case messaging.ListOpClear:
		return nil, nil
	}
	return nil, fmt.Errorf("list %s: unknown operation %q", m.List, m.Operation)
}
