// Package install implements C7: extracting a built archive into a target
// filesystem root, detecting file-ownership conflicts, recording owned
// files in the database, and rolling back on failure.
package install

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/wrightpm/wright/internal/archive"
	"github.com/wrightpm/wright/internal/db"
	"github.com/wrightpm/wright/internal/wright"
)

// rollbackJournal records paths created during an install, in creation
// order, so a failed install can be undone by deleting them in reverse.
type rollbackJournal struct {
	files []string
	dirs  []string
}

func (j *rollbackJournal) undo(root string) {
	for i := len(j.files) - 1; i >= 0; i-- {
		os.Remove(filepath.Join(root, j.files[i]))
	}
	for i := len(j.dirs) - 1; i >= 0; i-- {
		os.Remove(filepath.Join(root, j.dirs[i])) // only succeeds if empty
	}
}

// Install extracts archivePath into root, refusing if the package is
// already installed or any file conflicts with another package's files,
// then records the package in the database. On any failure after files
// started being copied, every created path is rolled back in reverse order
// and the transaction row is marked rolled_back.
func Install(database *db.DB, archivePath, root string) error {
	extractDir, err := os.MkdirTemp("", "wright-install-*")
	if err != nil {
		return wright.Wrap(err, "create extraction tempdir")
	}
	defer os.RemoveAll(extractDir)

	info, entries, err := archive.Extract(archivePath, extractDir)
	if err != nil {
		return err
	}

	if database.IsInstalled(info.Package.Name) {
		return &wright.PackageAlreadyInstalledError{Name: info.Package.Name}
	}

	for _, e := range entries {
		if e.IsDir {
			continue
		}
		if owner, ok, err := database.FindOwner(e.Path); err != nil {
			return err
		} else if ok {
			return &wright.FileConflictError{Path: e.Path, Owner: owner}
		}
	}

	txID, err := recordTransaction(database, "install", info.Package.Name, "", info.Package.Version, "pending")
	if err != nil {
		return err
	}

	journal := &rollbackJournal{}
	if err := copyEntries(extractDir, root, entries, journal); err != nil {
		journal.undo(root)
		updateTransactionStatus(database, txID, "rolled_back")
		return err
	}

	if err := recordPackage(database, info, entries); err != nil {
		journal.undo(root)
		updateTransactionStatus(database, txID, "rolled_back")
		return err
	}

	return updateTransactionStatus(database, txID, "completed")
}

func copyEntries(extractDir, root string, entries []archive.Entry, journal *rollbackJournal) error {
	sorted := append([]archive.Entry{}, entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Path < sorted[j].Path })

	for _, e := range sorted {
		dest := filepath.Join(root, e.Path)
		switch {
		case e.IsDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return wright.Wrap(err, "create dir "+dest)
			}
			journal.dirs = append(journal.dirs, e.Path)
		case e.IsSymlink:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			_ = os.Remove(dest)
			if err := os.Symlink(e.LinkTarget, dest); err != nil {
				return wright.Wrap(err, "create symlink "+dest)
			}
			journal.files = append(journal.files, e.Path)
		default:
			src := filepath.Join(extractDir, e.Path)
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return err
			}
			if err := copyFile(src, dest, e.Mode); err != nil {
				return wright.Wrap(err, "copy "+e.Path)
			}
			journal.files = append(journal.files, e.Path)
		}
	}
	return nil
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

func archiveFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func recordTransaction(database *db.DB, op, name, oldVer, newVer, status string) (int64, error) {
	res, err := database.Exec(
		`INSERT INTO transactions (operation, package_name, old_version, new_version, status) VALUES (?, ?, ?, ?, ?)`,
		op, name, oldVer, newVer, status)
	if err != nil {
		return 0, wright.Wrap(err, "record transaction")
	}
	return res.LastInsertId()
}

func updateTransactionStatus(database *db.DB, id int64, status string) error {
	_, err := database.Exec(`UPDATE transactions SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return wright.Wrap(err, "update transaction status")
	}
	return nil
}

func recordPackage(database *db.DB, info *archive.PkgInfo, entries []archive.Entry) error {
	tx, err := database.Begin()
	if err != nil {
		return wright.Wrap(err, "begin package insert")
	}
	res, err := tx.Exec(
		`INSERT INTO packages (name, version, release, description, arch, license, install_size) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		info.Package.Name, info.Package.Version, info.Package.Release, info.Package.Description,
		info.Package.Arch, info.Package.License, info.Package.InstallSize)
	if err != nil {
		tx.Rollback()
		return wright.Wrap(err, "insert package row")
	}
	pkgID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return err
	}
	backupSet := map[string]bool{}
	for _, f := range info.Backup.Files {
		backupSet[f] = true
	}
	for _, e := range entries {
		fileType := "file"
		if e.IsDir {
			fileType = "dir"
		} else if e.IsSymlink {
			fileType = "symlink"
		}
		if _, err := tx.Exec(
			`INSERT INTO files (package_id, path, file_hash, file_type, file_mode, file_size, is_config) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			pkgID, e.Path, nullIfEmpty(e.Hash), fileType, uint32(e.Mode), e.Size, backupSet[e.Path]); err != nil {
			tx.Rollback()
			return wright.Wrap(err, "insert file row for "+e.Path)
		}
	}
	for _, dep := range info.Dependencies.Runtime {
		if _, err := tx.Exec(
			`INSERT INTO dependencies (package_id, depends_on, dep_type) VALUES (?, ?, 'runtime')`,
			pkgID, dep); err != nil {
			tx.Rollback()
			return wright.Wrap(err, "insert dependency row for "+dep)
		}
	}
	return tx.Commit()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Remove deletes an installed package's files from root and its database
// rows. Files marked is_config are left in place (they may have been
// edited by the admin). Dependents are reported as warnings, never
// blocking the removal.
func Remove(database *db.DB, name, root string) ([]string, error) {
	var pkgID int64
	err := database.QueryRow(`SELECT id FROM packages WHERE name = ?`, name).Scan(&pkgID)
	if err == sql.ErrNoRows {
		return nil, &wright.PackageNotFoundError{Name: name}
	}
	if err != nil {
		return nil, wright.Wrap(err, "lookup package "+name)
	}

	var warnings []string
	rows, err := database.Query(`SELECT p.name FROM dependencies d JOIN packages p ON p.id = d.package_id WHERE d.depends_on = ?`, name)
	if err == nil {
		for rows.Next() {
			var dependent string
			if rows.Scan(&dependent) == nil {
				warnings = append(warnings, fmt.Sprintf("package %s depends on %s", dependent, name))
			}
		}
		rows.Close()
	}

	type fileRow struct {
		path     string
		fileType string
		isConfig bool
	}
	var files []fileRow
	rows, err = database.Query(`SELECT path, file_type, is_config FROM files WHERE package_id = ? ORDER BY path DESC`, pkgID)
	if err != nil {
		return warnings, wright.Wrap(err, "list files for "+name)
	}
	for rows.Next() {
		var fr fileRow
		if err := rows.Scan(&fr.path, &fr.fileType, &fr.isConfig); err != nil {
			rows.Close()
			return warnings, err
		}
		files = append(files, fr)
	}
	rows.Close()

	for _, fr := range files {
		if fr.isConfig {
			continue
		}
		target := filepath.Join(root, fr.path)
		os.Remove(target) // dirs only succeed once empty; rows are ordered deepest-path-first
	}

	if _, err := database.Exec(`DELETE FROM packages WHERE id = ?`, pkgID); err != nil {
		return warnings, wright.Wrap(err, "delete package row for "+name)
	}
	return warnings, nil
}

// Verify checks every recorded file for a package against root, returning
// one "MISSING:"/"MODIFIED:"/"UNREADABLE:" line per problem found.
func Verify(database *db.DB, name, root string) ([]string, error) {
	var pkgID int64
	err := database.QueryRow(`SELECT id FROM packages WHERE name = ?`, name).Scan(&pkgID)
	if err == sql.ErrNoRows {
		return nil, &wright.PackageNotFoundError{Name: name}
	}
	if err != nil {
		return nil, err
	}

	rows, err := database.Query(`SELECT path, file_hash, file_type FROM files WHERE package_id = ?`, pkgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var problems []string
	for rows.Next() {
		var path, fileType string
		var hash sql.NullString
		if err := rows.Scan(&path, &hash, &fileType); err != nil {
			return nil, err
		}
		full := filepath.Join(root, path)
		if _, err := os.Lstat(full); err != nil {
			problems = append(problems, "MISSING: "+path)
			continue
		}
		if fileType != "file" || !hash.Valid {
			continue
		}
		actual, err := archiveFileHash(full)
		if err != nil {
			problems = append(problems, "UNREADABLE: "+path)
			continue
		}
		if actual != hash.String {
			problems = append(problems, "MODIFIED: "+path)
		}
	}
	sort.Strings(problems)
	return problems, nil
}
