package store

// migration holds a single schema migration with its target version and SQL.
type migration struct {
	version int
	sql     string
}

// migrations is the ordered list of schema migrations.
// Each migration's version must be sequential starting from 1.
var migrations = []migration{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS schema_version (
	version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS correspondents (
	email_address TEXT PRIMARY KEY,
	public_key    TEXT DEFAULT NULL,
	decoy_sent_at INTEGER DEFAULT NULL
);

INSERT INTO schema_version (version) VALUES (1);
`,
	},
}
