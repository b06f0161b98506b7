// Package db is the relational store backing installed-package tracking:
// schema bootstrap, file-ownership lookups, and the transaction journal
// C7 uses for install/remove/rollback.
package db

import (
	"database/sql"

	_ "modernc.org/sqlite"

	"github.com/wrightpm/wright/internal/wright"
)

const schema = `
CREATE TABLE IF NOT EXISTS packages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	name TEXT NOT NULL UNIQUE,
	version TEXT NOT NULL,
	release INTEGER NOT NULL,
	description TEXT,
	arch TEXT NOT NULL,
	license TEXT,
	url TEXT,
	installed_at DATETIME DEFAULT CURRENT_TIMESTAMP,
	install_size INTEGER,
	pkg_hash TEXT,
	install_scripts TEXT
);

CREATE TABLE IF NOT EXISTS files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL,
	path TEXT NOT NULL,
	file_hash TEXT,
	file_type TEXT NOT NULL,
	file_mode INTEGER,
	file_size INTEGER,
	is_config BOOLEAN DEFAULT 0,
	FOREIGN KEY (package_id) REFERENCES packages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS dependencies (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	package_id INTEGER NOT NULL,
	depends_on TEXT NOT NULL,
	version_constraint TEXT,
	dep_type TEXT DEFAULT 'runtime',
	FOREIGN KEY (package_id) REFERENCES packages(id) ON DELETE CASCADE
);

CREATE TABLE IF NOT EXISTS transactions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	operation TEXT NOT NULL,
	package_name TEXT NOT NULL,
	old_version TEXT,
	new_version TEXT,
	status TEXT NOT NULL,
	backup_path TEXT
);

CREATE INDEX IF NOT EXISTS idx_files_package ON files(package_id);
CREATE INDEX IF NOT EXISTS idx_deps_package ON dependencies(package_id);
CREATE INDEX IF NOT EXISTS idx_deps_on ON dependencies(depends_on);

CREATE TABLE IF NOT EXISTS shadowed_files (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	path TEXT NOT NULL,
	original_owner_id INTEGER NOT NULL,
	shadowed_by_id INTEGER NOT NULL,
	timestamp DATETIME DEFAULT CURRENT_TIMESTAMP,
	FOREIGN KEY (original_owner_id) REFERENCES packages(id) ON DELETE CASCADE,
	FOREIGN KEY (shadowed_by_id) REFERENCES packages(id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS idx_shadowed_path ON shadowed_files(path);
`

// DB wraps a *sql.DB open on the install database.
type DB struct {
	*sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema, enabling foreign key enforcement.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, wright.Wrap(err, "open database "+path)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, wright.Wrap(err, "initialize schema")
	}
	if _, err := conn.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		conn.Close()
		return nil, wright.Wrap(err, "enable foreign keys")
	}
	return &DB{DB: conn}, nil
}

// FindOwner returns the name of the package that owns path, if any.
func (d *DB) FindOwner(path string) (string, bool, error) {
	var name string
	err := d.QueryRow(`SELECT p.name FROM files f JOIN packages p ON p.id = f.package_id WHERE f.path = ?`, path).Scan(&name)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, wright.Wrap(err, "find owner of "+path)
	}
	return name, true, nil
}

// IsInstalled reports whether a package with this name is recorded.
func (d *DB) IsInstalled(name string) bool {
	var count int
	if err := d.QueryRow(`SELECT COUNT(*) FROM packages WHERE name = ?`, name).Scan(&count); err != nil {
		return false
	}
	return count > 0
}
