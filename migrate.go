package sqlstage

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

var migrationScript = regexp.MustCompile(`^(.+)_(.+)\.sql$`)

// MigrationRunner applies a chain of versioned migration scripts. Scripts are
// files named <from>_<to>.sql; together they form a directed graph keyed by
// semantic version.
type MigrationRunner struct {
	Dir string
}

type migrationEdge struct {
	from, to *semver.Version
	// toRaw is the target version exactly as spelled in the file name; the
	// version marker must match the descriptor's spelling, not the semver
	// canonical form.
	toRaw string
	file  string
}

// scripts parses the directory into a version graph: source version -> edges,
// each edge sorted by target version so path discovery is deterministic.
func (r *MigrationRunner) scripts() (map[string][]migrationEdge, error) {
	entries, err := os.ReadDir(r.Dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read migration directory %s", r.Dir)
	}
	graph := make(map[string][]migrationEdge)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := migrationScript.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		from, err := semver.NewVersion(m[1])
		if err != nil {
			continue
		}
		to, err := semver.NewVersion(m[2])
		if err != nil {
			continue
		}
		graph[from.String()] = append(graph[from.String()], migrationEdge{
			from:  from,
			to:    to,
			toRaw: m[2],
			file:  filepath.Join(r.Dir, e.Name()),
		})
	}
	for _, edges := range graph {
		sort.Slice(edges, func(i, j int) bool { return edges[i].to.LessThan(edges[j].to) })
	}
	return graph, nil
}

// findPath searches the script graph for any chain from source to target.
func findPath(graph map[string][]migrationEdge, source, target *semver.Version) []migrationEdge {
	visited := map[string]bool{source.String(): true}
	var walk func(from *semver.Version) []migrationEdge
	walk = func(from *semver.Version) []migrationEdge {
		if from.Equal(target) {
			return []migrationEdge{}
		}
		for _, edge := range graph[from.String()] {
			if visited[edge.to.String()] {
				continue
			}
			visited[edge.to.String()] = true
			if rest := walk(edge.to); rest != nil {
				return append([]migrationEdge{edge}, rest...)
			}
		}
		return nil
	}
	return walk(source)
}

// Run migrates the store from version `from` to version `to`. Each script in
// the discovered path runs in its own transaction together with its version
// marker update; a failing step rolls back alone and aborts the rest, leaving
// the database at the last successfully applied intermediate version.
//
// When no path exists the database is not touched.
func (r *MigrationRunner) Run(c *store, from, to string) error {
	logger := log.With().Str("component", "migrate").Logger()

	source, err := semver.NewVersion(from)
	if err != nil {
		return errors.Wrapf(err, "parse source version %q", from)
	}
	target, err := semver.NewVersion(to)
	if err != nil {
		return errors.Wrapf(err, "parse target version %q", to)
	}

	graph, err := r.scripts()
	if err != nil {
		return err
	}
	path := findPath(graph, source, target)
	if path == nil {
		return &MigrationPathError{From: from, To: to}
	}

	for _, edge := range path {
		logger.Info().
			Str("from", edge.from.String()).
			Str("to", edge.to.String()).
			Msg("Upgrading database schema; this may take a long time")
		script, err := os.ReadFile(edge.file)
		if err != nil {
			return errors.Wrapf(err, "read migration %s", edge.file)
		}
		if err := c.begin(); err != nil {
			return err
		}
		if err := c.exec(string(script)); err != nil {
			c.rollback()
			return errors.Wrapf(err, "apply migration %s_%s", edge.from, edge.to)
		}
		if err := c.exec(versionCreate); err != nil {
			c.rollback()
			return err
		}
		if err := c.exec(versionClear); err != nil {
			c.rollback()
			return err
		}
		if err := c.exec(versionInsert, edge.toRaw); err != nil {
			c.rollback()
			return err
		}
		if err := c.commit(); err != nil {
			return err
		}
	}
	return nil
}
