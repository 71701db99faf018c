package sqlstage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

// Check verifies and repairs a database that may have been left behind by a
// crashed writer: temp-shadowed tables are restored, references reconciled,
// duplicates removed, indices rebuilt, and the crash-lock marker cleared.
// Safe to run on a healthy database.
func Check(path string, schema *Schema) error {
	logger := log.With().Str("component", "check").Str("path", path).Logger()
	logger.Info().Msg("Checking database")

	w, err := NewWriter(path, schema, &WriterOptions{
		StagingPath: ":memory:",
		Recover:     true,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.verify(w.main); err != nil {
		return errors.Wrapf(err, "check %s", path)
	}
	if err := schema.markUnlocked(w.main); err != nil {
		return err
	}
	logger.Info().Msg("Database is OK")
	return nil
}

// MergeFiles folds the input databases into output. Each input is copied to a
// scratch file and checked before merging, so the originals are never
// modified. The first input becomes the output, identifiers intact; the
// remaining inputs are merged into it in order.
func MergeFiles(output string, schema *Schema, inputs ...string) error {
	if len(inputs) == 0 {
		return errors.New("merge needs at least one input database")
	}
	logger := log.With().Str("component", "merge").Logger()

	var copies []string
	defer func() {
		for _, p := range copies {
			removeWithSidecars(p)
		}
	}()
	for _, in := range inputs {
		scratch := stagingName(in)
		if err := copyFile(in, scratch); err != nil {
			return err
		}
		copies = append(copies, scratch)
		if err := Check(scratch, schema); err != nil {
			return errors.Wrapf(err, "input %s", in)
		}
	}

	logger.Info().Str("input", inputs[0]).Str("output", output).Msg("Copying initial database")
	if err := copyFile(copies[0], output); err != nil {
		return err
	}

	w, err := NewWriter(output, schema, &WriterOptions{StagingPath: ":memory:"})
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Cork(); err != nil {
		return err
	}
	for i, scratch := range copies[1:] {
		logger.Info().Str("input", inputs[i+1]).Str("output", output).Msg("Merging")
		if err := w.MergeFrom(scratch); err != nil {
			return errors.Wrapf(err, "merge %s", inputs[i+1])
		}
	}
	w.Report()
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return errors.Wrapf(err, "open %s", src)
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return errors.Wrapf(err, "create %s", dst)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return errors.Wrapf(err, "copy %s", src)
	}
	return out.Close()
}

// Migrate upgrades the database at path to the schema's version by chaining
// the scripts found in dir. A database at the target version is left alone.
func Migrate(path string, schema *Schema, dir string) error {
	logger := log.With().Str("component", "migrate").Str("path", path).Logger()

	c, err := openStore(path)
	if err != nil {
		return err
	}
	defer c.close()

	locked, err := schema.isLocked(c)
	if err != nil {
		return err
	}
	if locked {
		return errors.Wrapf(ErrDatabaseLocked, "%s; run a check first", path)
	}

	err = schema.verifyVersion(c)
	var mismatch *SchemaVersionError
	switch {
	case err == nil:
		logger.Info().Str("version", schema.Version).Msg("Database is up to date")
		return nil
	case errors.As(err, &mismatch):
	default:
		return err
	}

	runner := &MigrationRunner{Dir: dir}
	if err := runner.Run(c, mismatch.DB, mismatch.Target); err != nil {
		return err
	}
	logger.Info().Msg("Compacting database")
	if err := c.exec("VACUUM"); err != nil {
		return errors.Wrap(err, "vacuum")
	}
	logger.Info().Str("version", schema.Version).Msg("Migration complete")
	return nil
}

var leftoverSuffix = regexp.MustCompile(`~tmp-[0-9a-f]{8}$`)

// Leftovers finds staging databases abandoned next to the main database by
// crashed writers and folds each one back into it. Returns how many were
// recovered.
func Leftovers(path string, schema *Schema) (int, error) {
	logger := log.With().Str("component", "leftovers").Logger()

	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	matches, err := filepath.Glob(fmt.Sprintf("%s~tmp-*%s", stem, ext))
	if err != nil {
		return 0, errors.Wrap(err, "scan for leftovers")
	}

	recovered := 0
	for _, leftover := range matches {
		if !leftoverSuffix.MatchString(strings.TrimSuffix(leftover, ext)) {
			continue
		}
		logger.Info().Str("leftover", leftover).Str("main", path).Msg("Recovering leftover data")
		w, err := NewWriter(path, schema, &WriterOptions{StagingPath: leftover})
		if err != nil {
			return recovered, errors.Wrapf(err, "open leftover %s", leftover)
		}
		if err := w.Finish(true); err != nil {
			w.Close()
			return recovered, errors.Wrapf(err, "recover leftover %s", leftover)
		}
		recovered++
	}
	if recovered == 0 {
		logger.Info().Msg("No leftover data found")
	}
	return recovered, nil
}
