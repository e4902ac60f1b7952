package migration

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	tt := []struct {
		name string
		text string
		out  []string
	}{
		{
			name: "plain statements",
			text: "CREATE TABLE a (id INT);\nCREATE TABLE b (id INT);",
			out:  []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"},
		},
		{
			name: "no trailing semicolon",
			text: "SELECT 1;\n\nSELECT 2\n",
			out:  []string{"SELECT 1", "SELECT 2"},
		},
		{
			name: "semicolons in quotes",
			text: "INSERT INTO a (v) VALUES ('x;y');\nUPDATE \"we;ird\" SET v = 'it''s;';",
			out:  []string{"INSERT INTO a (v) VALUES ('x;y')", "UPDATE \"we;ird\" SET v = 'it''s;'"},
		},
		{
			name: "semicolons in comments",
			text: "-- first; not a split\nSELECT 1; /* second; still not */ SELECT 2;",
			out:  []string{"-- first; not a split\nSELECT 1", "/* second; still not */ SELECT 2"},
		},
		{
			name: "comment only script",
			text: "-- nothing to see here;\n/* or here; */\n",
			out:  []string{},
		},
		{
			name: "dollar quoted function",
			text: "CREATE FUNCTION touch() RETURNS trigger AS $body$ BEGIN NEW.updated_at = now(); RETURN NEW; END; $body$ LANGUAGE plpgsql;\nSELECT $1;",
			out: []string{
				"CREATE FUNCTION touch() RETURNS trigger AS $body$ BEGIN NEW.updated_at = now(); RETURN NEW; END; $body$ LANGUAGE plpgsql",
				"SELECT $1",
			},
		},
		{
			name: "trigger body",
			text: "CREATE TRIGGER t AFTER UPDATE ON frames FOR EACH ROW BEGIN\n  UPDATE devices SET x = 1;\n  UPDATE devices SET y = 2;\nEND;\nSELECT 3;",
			out: []string{
				"CREATE TRIGGER t AFTER UPDATE ON frames FOR EACH ROW BEGIN\n  UPDATE devices SET x = 1;\n  UPDATE devices SET y = 2;\nEND",
				"SELECT 3",
			},
		},
		{
			name: "trigger body with END IF",
			text: "CREATE TRIGGER t BEFORE INSERT ON a FOR EACH ROW BEGIN IF NEW.v IS NULL THEN SET NEW.v = 0; END IF; END;\nSELECT 4;",
			out: []string{
				"CREATE TRIGGER t BEFORE INSERT ON a FOR EACH ROW BEGIN IF NEW.v IS NULL THEN SET NEW.v = 0; END IF; END",
				"SELECT 4",
			},
		},
		{
			name: "trigger body with END CASE",
			text: "CREATE TRIGGER t1 BEFORE INSERT ON a FOR EACH ROW BEGIN CASE NEW.x WHEN 1 THEN SET NEW.y = 'one'; ELSE SET NEW.y = 'other'; END CASE; END;\nCREATE TABLE b (id INTEGER);",
			out: []string{
				"CREATE TRIGGER t1 BEFORE INSERT ON a FOR EACH ROW BEGIN CASE NEW.x WHEN 1 THEN SET NEW.y = 'one'; ELSE SET NEW.y = 'other'; END CASE; END",
				"CREATE TABLE b (id INTEGER)",
			},
		},
		{
			name: "trigger body with a CASE expression",
			text: "CREATE TRIGGER t2 BEFORE INSERT ON a FOR EACH ROW BEGIN SET NEW.y = CASE WHEN NEW.x > 0 THEN 1 ELSE 0 END; SET NEW.z = 1; END;\nSELECT 5;",
			out: []string{
				"CREATE TRIGGER t2 BEFORE INSERT ON a FOR EACH ROW BEGIN SET NEW.y = CASE WHEN NEW.x > 0 THEN 1 ELSE 0 END; SET NEW.z = 1; END",
				"SELECT 5",
			},
		},
		{
			name: "function body",
			text: "CREATE FUNCTION f() RETURNS INT DETERMINISTIC BEGIN DECLARE x INT; SET x = 1; RETURN x; END;\nCREATE TABLE b (id INTEGER);",
			out: []string{
				"CREATE FUNCTION f() RETURNS INT DETERMINISTIC BEGIN DECLARE x INT; SET x = 1; RETURN x; END",
				"CREATE TABLE b (id INTEGER)",
			},
		},
		{
			name: "procedure body with definer and a labeled loop",
			text: "CREATE DEFINER=`root`@`localhost` PROCEDURE p() BEGIN lbl: LOOP LEAVE lbl; END LOOP lbl; END;\nSELECT 6;",
			out: []string{
				"CREATE DEFINER=`root`@`localhost` PROCEDURE p() BEGIN lbl: LOOP LEAVE lbl; END LOOP lbl; END",
				"SELECT 6",
			},
		},
		{
			name: "escape string",
			text: "INSERT INTO a (v) VALUES (E'it\\'s; fine');\nSELECT 7;",
			out:  []string{"INSERT INTO a (v) VALUES (E'it\\'s; fine')", "SELECT 7"},
		},
		{
			name: "backslash is literal in standard strings",
			text: "INSERT INTO a (v) VALUES ('C:\\');\nSELECT 8;",
			out:  []string{"INSERT INTO a (v) VALUES ('C:\\')", "SELECT 8"},
		},
		{
			name: "begin outside of triggers",
			text: "BEGIN;\nSELECT 1;\nCOMMIT;",
			out:  []string{"BEGIN", "SELECT 1", "COMMIT"},
		},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			out, err := SplitStatements(tc.text)
			require.NoError(t, err)
			assert.Equal(t, tc.out, out)
		})
	}
}

func TestSplitStatements_Unterminated(t *testing.T) {
	for _, text := range []string{
		"SELECT 'abc",
		"SELECT \"abc",
		"SELECT 1 /* open",
		"CREATE FUNCTION f() AS $$ BEGIN",
	} {
		_, err := SplitStatements(text)
		assert.Error(t, err, text)
	}
}

func TestSplitStatements_BackslashEscapes(t *testing.T) {
	const text = "INSERT INTO a (v, w) VALUES ('it\\'s; fine', \"say \\\"hi\\\"; ok\");\nSELECT 1;"

	t.Run("it will fail on escaped quotes by default", func(t *testing.T) {
		_, err := SplitStatements(text)
		assert.Error(t, err)
	})

	t.Run("it will honor escapes when asked to", func(t *testing.T) {
		out, err := SplitStatements(text, BackslashEscapes())
		require.NoError(t, err)
		assert.Equal(t, []string{"INSERT INTO a (v, w) VALUES ('it\\'s; fine', \"say \\\"hi\\\"; ok\")", "SELECT 1"}, out)
	})

	t.Run("a file can ask for escapes with a directive", func(t *testing.T) {
		u, err := FromSQL("1", "escapes", text+"\n-- keel:backslash-escapes\n")
		require.NoError(t, err)
		require.Len(t, u.Statements, 2)
		assert.Equal(t, DataBackfillKind, u.Statements[0].Kind)
		assert.Equal(t, Object{Table: "a", Name: "a"}, u.Statements[0].Target)
	})
}

func TestClassify(t *testing.T) {
	tt := []struct {
		sql    string
		kind   Kind
		target Object
		guard  bool
	}{
		{
			sql:    "CREATE TABLE action_tokens (token TEXT PRIMARY KEY)",
			kind:   CreateTableKind,
			target: Object{Table: "action_tokens", Name: "action_tokens"},
			guard:  true,
		},
		{
			sql:    "create table if not exists public.\"action_tokens\" (token text)",
			kind:   CreateTableKind,
			target: Object{Table: "action_tokens", Name: "action_tokens"},
		},
		{
			sql:    "CREATE UNIQUE INDEX idx_tokens ON action_tokens (token)",
			kind:   CreateIndexKind,
			target: Object{Table: "action_tokens", Name: "idx_tokens"},
			guard:  true,
		},
		{
			sql:    "CREATE INDEX CONCURRENTLY IF NOT EXISTS idx_tokens ON action_tokens (token)",
			kind:   CreateIndexKind,
			target: Object{Table: "action_tokens", Name: "idx_tokens"},
		},
		{
			sql:    "CREATE TRIGGER touch_device AFTER UPDATE ON frames FOR EACH ROW EXECUTE FUNCTION touch()",
			kind:   CreateTriggerKind,
			target: Object{Table: "frames", Name: "touch_device"},
			guard:  true,
		},
		{
			sql:    "CREATE OR REPLACE TRIGGER touch_device AFTER UPDATE ON frames FOR EACH ROW EXECUTE FUNCTION touch()",
			kind:   CreateTriggerKind,
			target: Object{Table: "frames", Name: "touch_device"},
		},
		{
			sql:    "CREATE FUNCTION touch() RETURNS trigger AS $$ BEGIN RETURN NEW; END $$ LANGUAGE plpgsql",
			kind:   CreateFunctionKind,
			target: Object{Name: "touch"},
			guard:  true,
		},
		{
			sql:    "CREATE OR REPLACE FUNCTION touch() RETURNS trigger AS $$ BEGIN RETURN NEW; END $$ LANGUAGE plpgsql",
			kind:   CreateFunctionKind,
			target: Object{Name: "touch"},
		},
		{
			sql:    "ALTER TABLE frames ADD COLUMN frame_qr_tare INTEGER",
			kind:   AlterTableKind,
			target: Object{Table: "frames", Name: "frame_qr_tare"},
			guard:  true,
		},
		{
			sql:    "ALTER TABLE `frames` ADD `frame_qr_tare` INT",
			kind:   AlterTableKind,
			target: Object{Table: "frames", Name: "frame_qr_tare"},
			guard:  true,
		},
		{
			sql:    "ALTER TABLE frames ADD COLUMN IF NOT EXISTS frame_qr_tare INTEGER",
			kind:   AlterTableKind,
			target: Object{Table: "frames", Name: "frame_qr_tare"},
		},
		{
			sql:    "ALTER TABLE frames ADD CONSTRAINT fk_device FOREIGN KEY (device_id) REFERENCES devices (id)",
			kind:   AlterTableKind,
			target: Object{Table: "frames", Name: "frames"},
		},
		{
			sql:    "UPDATE frames SET cgp_qr_goods = cgp_qr_text WHERE cgp_qr_goods IS NULL",
			kind:   DataBackfillKind,
			target: Object{Table: "frames", Name: "frames"},
		},
		{
			sql:    "INSERT OR IGNORE INTO settings (k) VALUES ('a')",
			kind:   DataBackfillKind,
			target: Object{Table: "settings", Name: "settings"},
		},
		{
			sql:    "DELETE FROM sessions",
			kind:   DataBackfillKind,
			target: Object{Table: "sessions", Name: "sessions"},
		},
		{
			sql:  "DROP TABLE sessions",
			kind: OtherKind,
		},
	}

	for _, tc := range tt {
		tc := tc
		t.Run(tc.sql, func(t *testing.T) {
			st := Classify(tc.sql, "")
			assert.Equal(t, tc.kind, st.Kind)
			assert.Equal(t, tc.target, st.Target)
			assert.Equal(t, tc.guard, st.Guard)
			assert.Equal(t, tc.sql, st.Body)
		})
	}
}

func TestFromSQL(t *testing.T) {
	t.Run("statements are classified and guards are derived", func(t *testing.T) {
		u, err := FromSQL("001", "create_action_tokens", `
-- tokens expire, see the cleanup job
CREATE TABLE action_tokens (
	token TEXT PRIMARY KEY,
	expires_at TIMESTAMP NOT NULL
);

CREATE INDEX idx_action_tokens_expires_at ON action_tokens (expires_at);
`)
		require.NoError(t, err)

		assert.Equal(t, "001_create_action_tokens", u.Key())
		assert.False(t, u.NoTransaction)
		require.Len(t, u.Statements, 2)
		assert.Equal(t, CreateTableKind, u.Statements[0].Kind)
		assert.True(t, u.Statements[0].Guard)
		assert.Contains(t, u.Statements[0].Body, "-- tokens expire")
		assert.Equal(t, CreateIndexKind, u.Statements[1].Kind)
	})

	t.Run("directives", func(t *testing.T) {
		u, err := FromSQL("2", "backfill", `-- keel:no-transaction
-- keel:guard column frames frame_qr_tare
ALTER TABLE frames ADD COLUMN IF NOT EXISTS frame_qr_tare INTEGER;

-- keel:guard none
CREATE TABLE scratch (id INTEGER);

-- keel:guard table devices
INSERT INTO devices (id) SELECT 1 WHERE NOT EXISTS (SELECT 1 FROM devices);
`)
		require.NoError(t, err)

		assert.True(t, u.NoTransaction)
		require.Len(t, u.Statements, 3)

		assert.Equal(t, AlterTableKind, u.Statements[0].Kind)
		assert.True(t, u.Statements[0].Guard)
		assert.Equal(t, Object{Table: "frames", Name: "frame_qr_tare"}, u.Statements[0].Target)

		assert.Equal(t, CreateTableKind, u.Statements[1].Kind)
		assert.False(t, u.Statements[1].Guard)

		assert.Equal(t, CreateTableKind, u.Statements[2].Kind)
		assert.True(t, u.Statements[2].Guard)
		assert.Equal(t, Object{Table: "devices", Name: "devices"}, u.Statements[2].Target)
	})

	t.Run("ordinary comments mentioning keel are ignored", func(t *testing.T) {
		u, err := FromSQL("3", "", "-- keel will run this\nSELECT 1;")
		require.NoError(t, err)
		assert.Len(t, u.Statements, 1)
		assert.Equal(t, "3", u.Key())
	})

	t.Run("empty file is a valid unit", func(t *testing.T) {
		u, err := FromSQL("4", "empty", "\n-- todo\n")
		require.NoError(t, err)
		assert.Empty(t, u.Statements)
	})

	malformed := []string{
		"-- keel:\nSELECT 1;",
		"-- keel:rollback\nSELECT 1;",
		"-- keel:guard index frames\nCREATE INDEX i ON frames (a);",
		"-- keel:guard sequence s\nCREATE SEQUENCE s;",
		"SELECT 1;\n-- keel:guard table a\n",
	}

	for _, text := range malformed {
		_, err := FromSQL("5", "bad", text)
		require.Error(t, err, text)
		assert.True(t, errors.Is(err, ErrMalformedDirective), text)
	}

	_, err := FromSQL("x", "bad", "SELECT 1;")
	assert.True(t, errors.Is(err, ErrInvalidID))
}
