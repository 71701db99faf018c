package sqlstage

import (
	"io"
	"os"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
)

// LoadSchema reads a JSON schema descriptor and binds it. The document holds
// the schema version, optional init statements, and the table list in
// dependency order; see Schema for the field layout.
func LoadSchema(r io.Reader) (*Schema, error) {
	var s Schema
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&s); err != nil {
		return nil, errors.Wrap(err, "decode schema descriptor")
	}
	if err := s.Bind(); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadSchemaFile reads and binds a descriptor from disk.
func LoadSchemaFile(path string) (*Schema, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open schema descriptor %s", path)
	}
	defer f.Close()
	return LoadSchema(f)
}
