package migrate

import (
	"strings"
	"testing"
)

func TestSplitStatements(t *testing.T) {
	script := `
create table a (id text);
insert into a values ('x;y');
create function f() returns int language sql as $$ select 1; $$;
`
	stmts := splitStatements(script)
	if len(stmts) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(stmts), stmts)
	}
	if !strings.Contains(stmts[1], "'x;y'") {
		t.Fatalf("quoted semicolon split the statement: %q", stmts[1])
	}
	if !strings.Contains(stmts[2], "select 1;") {
		t.Fatalf("dollar-quoted semicolon split the statement: %q", stmts[2])
	}
}
