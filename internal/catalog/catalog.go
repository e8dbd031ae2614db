// Package catalog is the durable metadata store: branch records, snapshot
// version history, and project namespaces. It is the single source of
// truth for branch status; the lifecycle manager writes it only after the
// corresponding physical action is confirmed.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tahirm/mongobranch/pkg/models"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("catalog: record not found")

	// ErrExists indicates a record with the same identity already exists.
	ErrExists = errors.New("catalog: record already exists")

	// ErrNotEmpty indicates a project still owns branches.
	ErrNotEmpty = errors.New("catalog: project still has branches")
)

// Fixed-width UTC layout so lexicographic comparison in SQL matches
// chronological order down to nanoseconds.
const timeLayout = "2006-01-02 15:04:05.000000000"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t.UTC()
}

// Catalog wraps the SQLite database holding branch metadata.
type Catalog struct {
	db *sql.DB
}

// Open creates or opens the catalog database at path.
func Open(path string) (*Catalog, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("catalog: failed to create data directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to open database: %w", err)
	}

	c := &Catalog{db: db}
	if err := c.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return c, nil
}

// Close closes the database connection.
func (c *Catalog) Close() error {
	return c.db.Close()
}

func (c *Catalog) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS branches (
		branch_name  TEXT NOT NULL,
		project_name TEXT NOT NULL,
		port         INTEGER NOT NULL,
		container_id TEXT NOT NULL DEFAULT '',
		s3_path      TEXT NOT NULL,
		status       TEXT NOT NULL,
		last_active  TEXT NOT NULL,
		created_at   TEXT NOT NULL,
		PRIMARY KEY (branch_name, project_name)
	);

	CREATE TABLE IF NOT EXISTS branch_versions (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		branch_name  TEXT NOT NULL,
		project_name TEXT NOT NULL,
		s3_path      TEXT NOT NULL,
		version_id   TEXT NOT NULL,
		created_at   TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		name       TEXT PRIMARY KEY,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_branches_status ON branches(status);
	CREATE INDEX IF NOT EXISTS idx_versions_branch ON branch_versions(branch_name, project_name, created_at);
	`

	if _, err := c.db.Exec(schema); err != nil {
		return fmt.Errorf("catalog: failed to initialize schema: %w", err)
	}
	return nil
}

// CreateBranch inserts a new branch record.
func (c *Catalog) CreateBranch(b *models.Branch) error {
	var one int
	err := c.db.QueryRow(
		"SELECT 1 FROM branches WHERE branch_name = ? AND project_name = ?",
		b.Name, b.Project,
	).Scan(&one)
	if err == nil {
		return fmt.Errorf("branch %s/%s: %w", b.Project, b.Name, ErrExists)
	}
	if err != sql.ErrNoRows {
		return fmt.Errorf("catalog: failed to check branch: %w", err)
	}

	_, err = c.db.Exec(`
		INSERT INTO branches (branch_name, project_name, port, container_id, s3_path, status, last_active, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, b.Name, b.Project, b.Port, b.ContainerID, b.SnapshotKey, string(b.Status),
		formatTime(b.LastActive), formatTime(b.CreatedAt))
	if err != nil {
		return fmt.Errorf("catalog: failed to insert branch: %w", err)
	}
	return nil
}

const branchColumns = "branch_name, project_name, port, container_id, s3_path, status, last_active, created_at"

func scanBranch(row interface{ Scan(...any) error }) (*models.Branch, error) {
	var b models.Branch
	var status, lastActive, createdAt string

	err := row.Scan(&b.Name, &b.Project, &b.Port, &b.ContainerID, &b.SnapshotKey,
		&status, &lastActive, &createdAt)
	if err != nil {
		return nil, err
	}

	b.Status = models.BranchStatus(status)
	b.LastActive = parseTime(lastActive)
	b.CreatedAt = parseTime(createdAt)
	return &b, nil
}

// GetBranch fetches one branch record.
func (c *Catalog) GetBranch(name, project string) (*models.Branch, error) {
	row := c.db.QueryRow(
		"SELECT "+branchColumns+" FROM branches WHERE branch_name = ? AND project_name = ?",
		name, project,
	)

	b, err := scanBranch(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("branch %s/%s: %w", project, name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to get branch: %w", err)
	}
	return b, nil
}

// DeleteBranch removes a branch record and its version history.
func (c *Catalog) DeleteBranch(name, project string) error {
	res, err := c.db.Exec(
		"DELETE FROM branches WHERE branch_name = ? AND project_name = ?",
		name, project,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete branch: %w", err)
	}

	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("branch %s/%s: %w", project, name, ErrNotFound)
	}

	_, err = c.db.Exec(
		"DELETE FROM branch_versions WHERE branch_name = ? AND project_name = ?",
		name, project,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete branch versions: %w", err)
	}
	return nil
}

// UpdateStatus sets a branch's status.
func (c *Catalog) UpdateStatus(name, project string, status models.BranchStatus) error {
	_, err := c.db.Exec(
		"UPDATE branches SET status = ? WHERE branch_name = ? AND project_name = ?",
		string(status), name, project,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to update status: %w", err)
	}
	return nil
}

// SetRunning records a freshly provisioned compute handle and marks the
// branch running with a refreshed last-active timestamp.
func (c *Catalog) SetRunning(name, project, containerID string, lastActive time.Time) error {
	_, err := c.db.Exec(`
		UPDATE branches SET container_id = ?, status = ?, last_active = ?
		WHERE branch_name = ? AND project_name = ?
	`, containerID, string(models.StatusRunning), formatTime(lastActive), name, project)
	if err != nil {
		return fmt.Errorf("catalog: failed to mark branch running: %w", err)
	}
	return nil
}

// TouchLastActive refreshes a branch's last-active timestamp.
func (c *Catalog) TouchLastActive(name, project string, t time.Time) error {
	_, err := c.db.Exec(
		"UPDATE branches SET last_active = ? WHERE branch_name = ? AND project_name = ?",
		formatTime(t), name, project,
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to touch last active: %w", err)
	}
	return nil
}

// ListBranches returns all branches, optionally scoped to a project.
func (c *Catalog) ListBranches(project string) ([]*models.Branch, error) {
	query := "SELECT " + branchColumns + " FROM branches"
	var args []any
	if project != "" {
		query += " WHERE project_name = ?"
		args = append(args, project)
	}
	query += " ORDER BY created_at"

	rows, err := c.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list branches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var branches []*models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// ListRunning returns every branch with status running, across projects.
// The idle scanner walks this.
func (c *Catalog) ListRunning() ([]*models.Branch, error) {
	rows, err := c.db.Query(
		"SELECT "+branchColumns+" FROM branches WHERE status = ?",
		string(models.StatusRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list running branches: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var branches []*models.Branch
	for rows.Next() {
		b, err := scanBranch(rows)
		if err != nil {
			return nil, err
		}
		branches = append(branches, b)
	}
	return branches, rows.Err()
}

// UsedPorts returns the ports assigned to all branch records, running or
// stopped. A stopped branch keeps its port for resume.
func (c *Catalog) UsedPorts() ([]int, error) {
	rows, err := c.db.Query("SELECT port FROM branches")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to query ports: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ports []int
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, rows.Err()
}

// AddVersion appends a snapshot version record.
func (c *Catalog) AddVersion(v *models.SnapshotVersion) error {
	_, err := c.db.Exec(`
		INSERT INTO branch_versions (branch_name, project_name, s3_path, version_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, v.Branch, v.Project, v.SnapshotKey, v.VersionID, formatTime(v.CreatedAt))
	if err != nil {
		return fmt.Errorf("catalog: failed to insert version: %w", err)
	}
	return nil
}

// ListVersions returns a branch's snapshot versions, newest first.
func (c *Catalog) ListVersions(name, project string) ([]models.SnapshotVersion, error) {
	rows, err := c.db.Query(`
		SELECT branch_name, project_name, s3_path, version_id, created_at
		FROM branch_versions
		WHERE branch_name = ? AND project_name = ?
		ORDER BY created_at DESC
	`, name, project)
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var versions []models.SnapshotVersion
	for rows.Next() {
		var v models.SnapshotVersion
		var createdAt string
		if err := rows.Scan(&v.Branch, &v.Project, &v.SnapshotKey, &v.VersionID, &createdAt); err != nil {
			return nil, err
		}
		v.CreatedAt = parseTime(createdAt)
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// VersionAt returns the most recent snapshot version created at or before
// t. This is the primitive behind time travel.
func (c *Catalog) VersionAt(name, project string, t time.Time) (*models.SnapshotVersion, error) {
	row := c.db.QueryRow(`
		SELECT branch_name, project_name, s3_path, version_id, created_at
		FROM branch_versions
		WHERE branch_name = ? AND project_name = ? AND created_at <= ?
		ORDER BY created_at DESC
		LIMIT 1
	`, name, project, formatTime(t))

	var v models.SnapshotVersion
	var createdAt string
	err := row.Scan(&v.Branch, &v.Project, &v.SnapshotKey, &v.VersionID, &createdAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no version of %s/%s at or before %s: %w",
			project, name, t.UTC().Format(time.RFC3339), ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to resolve version: %w", err)
	}

	v.CreatedAt = parseTime(createdAt)
	return &v, nil
}

// EnsureProject creates the project record if it does not exist yet.
// Projects come into being implicitly on first branch creation.
func (c *Catalog) EnsureProject(name string, t time.Time) error {
	_, err := c.db.Exec(
		"INSERT OR IGNORE INTO projects (name, created_at) VALUES (?, ?)",
		name, formatTime(t),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to ensure project: %w", err)
	}
	return nil
}

// CreateProject creates a project, failing if it already exists.
func (c *Catalog) CreateProject(name string, t time.Time) error {
	res, err := c.db.Exec(
		"INSERT OR IGNORE INTO projects (name, created_at) VALUES (?, ?)",
		name, formatTime(t),
	)
	if err != nil {
		return fmt.Errorf("catalog: failed to create project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", name, ErrExists)
	}
	return nil
}

// ListProjects returns all projects.
func (c *Catalog) ListProjects() ([]models.Project, error) {
	rows, err := c.db.Query("SELECT name, created_at FROM projects ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("catalog: failed to list projects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var projects []models.Project
	for rows.Next() {
		var p models.Project
		var createdAt string
		if err := rows.Scan(&p.Name, &createdAt); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(createdAt)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// DeleteProject removes a project. It refuses while branches still exist
// under the project.
func (c *Catalog) DeleteProject(name string) error {
	var count int
	err := c.db.QueryRow(
		"SELECT COUNT(*) FROM branches WHERE project_name = ?", name,
	).Scan(&count)
	if err != nil {
		return fmt.Errorf("catalog: failed to count branches: %w", err)
	}
	if count > 0 {
		return fmt.Errorf("project %s: %w", name, ErrNotEmpty)
	}

	res, err := c.db.Exec("DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("catalog: failed to delete project: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", name, ErrNotFound)
	}
	return nil
}
