package migration

// CreateTable is guarded unless the body uses IF NOT EXISTS
func CreateTable(table, body string) Statement {
	return Statement{
		Kind:   CreateTableKind,
		Target: Object{Table: table, Name: table},
		Guard:  !hasNativeConditional(body),
		Body:   body,
	}
}

func CreateIndex(table, index, body string) Statement {
	return Statement{
		Kind:   CreateIndexKind,
		Target: Object{Table: table, Name: index},
		Guard:  !hasNativeConditional(body),
		Body:   body,
	}
}

func CreateTrigger(table, trigger, body string) Statement {
	return Statement{
		Kind:   CreateTriggerKind,
		Target: Object{Table: table, Name: trigger},
		Guard:  !hasNativeConditional(body),
		Body:   body,
	}
}

// CreateFunction is never guarded, CREATE OR REPLACE is the native primitive
func CreateFunction(function, body string) Statement {
	return Statement{
		Kind:   CreateFunctionKind,
		Target: Object{Name: function},
		Guard:  !hasNativeConditional(body) && !createOrReplaceRegexp.MatchString(body),
		Body:   body,
	}
}

// AddColumn is an ALTER TABLE ... ADD COLUMN guarded by column existence
func AddColumn(table, column, body string) Statement {
	return Statement{
		Kind:   AlterTableKind,
		Target: Object{Table: table, Name: column},
		Guard:  !hasNativeConditional(body),
		Body:   body,
	}
}

func Backfill(table, body string) Statement {
	return Statement{
		Kind:   DataBackfillKind,
		Target: Object{Table: table, Name: table},
		Body:   body,
	}
}

func Raw(body string) Statement {
	return Statement{Kind: OtherKind, Body: body}
}

// Guarded forces an existence check regardless of the body
func (s Statement) Guarded() Statement {
	s.Guard = s.Kind.Guardable()
	return s
}

// Unguarded drops the existence check, the body must be idempotent on its own
func (s Statement) Unguarded() Statement {
	s.Guard = false
	return s
}

type (
	StatementOutcome string
	Outcome          string

	StatementResult struct {
		Index     int
		Statement Statement
		Outcome   StatementOutcome
	}

	Result struct {
		Unit       *Unit
		Outcome    Outcome
		Statements []StatementResult
		Err        error
	}
)

const (
	Executed StatementOutcome = "executed"
	// GuardSkipped means the target object already existed
	GuardSkipped StatementOutcome = "skipped"
	// Absorbed means execution failed with a benign already-exists error
	Absorbed StatementOutcome = "absorbed"
	Planned  StatementOutcome = "planned"

	Applied Outcome = "applied"
	Skipped Outcome = "skipped"
	Failed  Outcome = "failed"
	DryRun  Outcome = "dry-run"
)

func (r Result) Count(o StatementOutcome) int {
	n := 0
	for i := range r.Statements {
		if r.Statements[i].Outcome == o {
			n++
		}
	}

	return n
}
