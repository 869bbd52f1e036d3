// Package pg implements a tag service in a Postgresql database.
package pg

import (
	"context"
	"database/sql"

	"github.com/bobg/sqlutil"
	"github.com/lib/pq"
	"github.com/pkg/errors"

	"github.com/tetrifact/tetrifact/tags"
)

var _ tags.Service = &Service{}

// Service is a Postgresql-based tag service.
type Service struct {
	db *sql.DB
}

// Schema is the SQL that New executes.
// It creates the `tags` table if it does not exist.
const Schema = `
CREATE TABLE IF NOT EXISTS tags (
  project TEXT NOT NULL,
  package_id TEXT NOT NULL,
  tag TEXT NOT NULL,
  PRIMARY KEY (project, package_id, tag)
);

CREATE INDEX IF NOT EXISTS tag_idx ON tags (project, tag);
`

// New produces a new Service using `db` for storage.
func New(ctx context.Context, db *sql.DB) (*Service, error) {
	_, err := db.ExecContext(ctx, Schema)
	return &Service{db: db}, err
}

func (s *Service) PackagesThenTags(ctx context.Context, project string) (map[string][]string, error) {
	const q = `SELECT package_id, array_agg(tag ORDER BY tag) FROM tags WHERE project = $1 GROUP BY package_id`

	rows, err := s.db.QueryContext(ctx, q, project)
	if err != nil {
		return nil, errors.Wrapf(err, "querying tags of %s", project)
	}
	defer rows.Close()

	result := make(map[string][]string)
	for rows.Next() {
		var (
			pkg  string
			list pq.StringArray
		)
		if err := rows.Scan(&pkg, &list); err != nil {
			return nil, errors.Wrap(err, "scanning tags")
		}
		result[pkg] = list
	}
	return result, errors.Wrapf(rows.Err(), "iterating tags of %s", project)
}

func (s *Service) TagsOf(ctx context.Context, project, pkg string) ([]string, error) {
	const q = `SELECT tag FROM tags WHERE project = $1 AND package_id = $2 ORDER BY tag`

	var result []string
	err := sqlutil.ForQueryRows(ctx, s.db, q, project, pkg, func(tag string) {
		result = append(result, tag)
	})
	return result, errors.Wrapf(err, "querying tags of %s/%s", project, pkg)
}

func (s *Service) AddTag(ctx context.Context, project, pkg, tag string) error {
	const q = `INSERT INTO tags (project, package_id, tag) VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`
	_, err := s.db.ExecContext(ctx, q, project, pkg, tag)
	return errors.Wrapf(err, "tagging %s/%s with %s", project, pkg, tag)
}

func (s *Service) RemoveTag(ctx context.Context, project, pkg, tag string) error {
	const q = `DELETE FROM tags WHERE project = $1 AND package_id = $2 AND tag = $3`
	_, err := s.db.ExecContext(ctx, q, project, pkg, tag)
	return errors.Wrapf(err, "untagging %s/%s", project, pkg)
}

func (s *Service) RemovePackage(ctx context.Context, project, pkg string) error {
	const q = `DELETE FROM tags WHERE project = $1 AND package_id = $2`
	_, err := s.db.ExecContext(ctx, q, project, pkg)
	return errors.Wrapf(err, "removing tags of %s/%s", project, pkg)
}

func (s *Service) PackagesWithTag(ctx context.Context, project, tag string) ([]string, error) {
	const q = `SELECT package_id FROM tags WHERE project = $1 AND tag = $2 ORDER BY package_id`

	var result []string
	err := sqlutil.ForQueryRows(ctx, s.db, q, project, tag, func(pkg string) {
		result = append(result, pkg)
	})
	return result, errors.Wrapf(err, "querying packages tagged %s", tag)
}

func init() {
	tags.Register("pg", func(ctx context.Context, conf map[string]interface{}) (tags.Service, error) {
		conn, ok := conf["conn"].(string)
		if !ok {
			return nil, errors.New(`missing "conn" parameter`)
		}
		db, err := sql.Open("postgres", conn)
		if err != nil {
			return nil, errors.Wrap(err, "opening db")
		}
		return New(ctx, db)
	})
}
