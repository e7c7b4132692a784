package httpapi

import (
	"database/sql/driver"
	"fmt"
	"testing"
)

func TestHostFilterEncodesSpecialCharacters(t *testing.T) {
	clause, args := hostFilter([]string{`ho"st`, `back\slash`})
	if clause != " WHERE host = ANY($1)" {
		t.Fatalf("clause = %q", clause)
	}
	if len(args) != 1 {
		t.Fatalf("args = %d, want 1", len(args))
	}
	valuer, ok := args[0].(driver.Valuer)
	if !ok {
		t.Fatalf("arg %T does not implement driver.Valuer", args[0])
	}
	value, err := valuer.Value()
	if err != nil {
		t.Fatalf("Value: %v", err)
	}
	want := `{"ho\"st","back\\slash"}`
	if got := fmt.Sprintf("%s", value); got != want {
		t.Fatalf("array literal = %q, want %q", got, want)
	}
}

func TestHostFilterEmptySelection(t *testing.T) {
	clause, args := hostFilter(nil)
	if clause != "" || args != nil {
		t.Fatalf("empty selection: clause=%q args=%v", clause, args)
	}
}
