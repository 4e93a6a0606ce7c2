package session

import (
	"fmt"

	"github.com/msageha/nightline/internal/model"
)

// Associations is the end-user to operator table. An address maps to at most
// one operator; an operator may hold several addresses, kept oldest first.
type Associations struct {
	list []model.Association
}

func (t *Associations) Add(a model.Association) error {
	if _, ok := t.ByAddress(a.Address); ok {
		return fmt.Errorf("address on %s already associated", a.Address.Backend)
	}
	t.list = append(t.list, a)
	return nil
}

func (t *Associations) ByAddress(addr model.Address) (model.Association, bool) {
	for _, a := range t.list {
		if a.Address == addr {
			return a, true
		}
	}
	return model.Association{}, false
}

func (t *Associations) ByOperator(op string) []model.Association {
	var out []model.Association
	for _, a := range t.list {
		if a.Operator == op {
			out = append(out, a)
		}
	}
	return out
}

// Primary returns the operator's oldest association, which outbound
// replies are routed through.
func (t *Associations) Primary(op string) (model.Association, bool) {
	for _, a := range t.list {
		if a.Operator == op {
			return a, true
		}
	}
	return model.Association{}, false
}

func (t *Associations) RemovePrimary(op string) (model.Association, bool) {
	for i, a := range t.list {
		if a.Operator == op {
			t.list = append(t.list[:i], t.list[i+1:]...)
			return a, true
		}
	}
	return model.Association{}, false
}

// RemoveOperator drops every association held by op and returns them.
func (t *Associations) RemoveOperator(op string) []model.Association {
	var removed []model.Association
	kept := t.list[:0]
	for _, a := range t.list {
		if a.Operator == op {
			removed = append(removed, a)
			continue
		}
		kept = append(kept, a)
	}
	t.list = kept
	return removed
}

func (t *Associations) Count(op string) int {
	n := 0
	for _, a := range t.list {
		if a.Operator == op {
			n++
		}
	}
	return n
}

func (t *Associations) Len() int {
	return len(t.list)
}

func (t *Associations) All() []model.Association {
	return append([]model.Association(nil), t.list...)
}
