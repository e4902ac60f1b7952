package migration

import (
	"bytes"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

var ErrInvalidID = errors.New("invalid migration id")

var idRegexp = regexp.MustCompile(`^\d{1,20}$`)

type (
	Kind string

	// Object is the catalog object a statement creates or alters.
	// For tables Name and Table are the same, for columns Name is the column.
	Object struct {
		Table string
		Name  string
	}

	Statement struct {
		Kind   Kind
		Target Object
		Guard  bool
		Body   string
	}

	Unit struct {
		ID            string
		Name          string
		Statements    []Statement
		NoTransaction bool
	}

	Units []*Unit

	Record struct {
		ID        string
		Name      string
		AppliedAt time.Time
	}

	ClockFunc func() time.Time
)

const (
	CreateTableKind    Kind = "create_table"
	CreateIndexKind    Kind = "create_index"
	CreateTriggerKind  Kind = "create_trigger"
	CreateFunctionKind Kind = "create_function"
	AlterTableKind     Kind = "alter_table"
	DataBackfillKind   Kind = "data_backfill"
	OtherKind          Kind = "other"
)

func (k Kind) Valid() bool {
	switch k {
	case CreateTableKind, CreateIndexKind, CreateTriggerKind, CreateFunctionKind, AlterTableKind, DataBackfillKind, OtherKind:
		return true
	}

	return false
}

// Guardable reports whether an existence check makes sense for the kind
func (k Kind) Guardable() bool {
	switch k {
	case CreateTableKind, CreateIndexKind, CreateTriggerKind, CreateFunctionKind, AlterTableKind:
		return true
	}

	return false
}

func (o Object) String() string {
	if o.Table == "" || o.Table == o.Name {
		return o.Name
	}

	if o.Name == "" {
		return o.Table
	}

	return o.Table + "." + o.Name
}

func (s Statement) String() string {
	body := strings.Join(strings.Fields(s.Body), " ")
	if len(body) > 80 {
		body = body[:77] + "..."
	}

	return body
}

// New creates a migration unit, the id must be a sequence of digits
func New(id, name string, statements ...Statement) (*Unit, error) {
	if !idRegexp.MatchString(id) {
		return nil, errors.Wrapf(ErrInvalidID, "[%s]", id)
	}

	for i := range statements {
		if strings.TrimSpace(statements[i].Body) == "" {
			return nil, errors.Errorf("statement #%d of migration [%s] is empty", i+1, id)
		}

		if statements[i].Kind == "" {
			statements[i].Kind = OtherKind
		}
	}

	return &Unit{ID: id, Name: name, Statements: statements}, nil
}

// MustNew is New for statically defined units
func MustNew(id, name string, statements ...Statement) *Unit {
	u, err := New(id, name, statements...)
	if err != nil {
		panic(err)
	}

	return u
}

// Key is the id joined with the snake cased name, the local file name without extension
func (u *Unit) Key() string {
	return CreateKeyFromIDAndName(u.ID, u.Name)
}

func (u *Unit) Scripts() string {
	var ms bytes.Buffer

	for i := range u.Statements {
		body := strings.TrimSpace(u.Statements[i].Body)
		ms.WriteString(body)

		if !strings.HasSuffix(body, ";") {
			ms.WriteString(";")
		}

		if i < len(u.Statements)-1 {
			ms.WriteString("\n")
		}
	}

	return ms.String()
}

func (u Units) IDs() (result []string) {
	for i := range u {
		result = append(result, u[i].ID)
	}
	return result
}

func (u Units) Len() int {
	return len(u)
}

func (u Units) Less(i, j int) bool {
	return CompareIDs(u[i].ID, u[j].ID) < 0
}

func (u Units) Swap(i, j int) {
	u[i], u[j] = u[j], u[i]
}

// Validate sorts the units and fails with a DiscoveryError when two of them share an id
func (u Units) Validate() error {
	for i := range u {
		if !idRegexp.MatchString(u[i].ID) {
			return &DiscoveryError{ID: u[i].ID, Cause: ErrInvalidID}
		}
	}

	sort.Stable(u)

	for i := 1; i < len(u); i++ {
		if CompareIDs(u[i-1].ID, u[i].ID) == 0 {
			return &DiscoveryError{
				ID:    u[i].ID,
				Cause: errors.Wrapf(ErrDuplicateID, "[%s] and [%s]", u[i-1].Key(), u[i].Key()),
			}
		}
	}

	return nil
}

func (u Units) Find(id string) *Unit {
	for i := range u {
		if CompareIDs(u[i].ID, id) == 0 {
			return u[i]
		}
	}

	return nil
}

// CompareIDs orders ids numerically, leading zeros are not significant
func CompareIDs(a, b string) int {
	na, nb := strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")

	if len(na) != len(nb) {
		if len(na) < len(nb) {
			return -1
		}
		return 1
	}

	return strings.Compare(na, nb)
}

func InIDs(id string, ids []string) bool {
	for _, v := range ids {
		if CompareIDs(v, id) == 0 {
			return true
		}
	}

	return false
}

func CreateKeyFromIDAndName(id, name string) string {
	if name == "" {
		return id
	}

	var result bytes.Buffer
	result.WriteString(id)
	result.WriteString("_")
	result.WriteString(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(name)), " ", "_"))
	return result.String()
}
