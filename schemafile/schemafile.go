// Package schemafile loads entity definitions from YAML so deployments
// can declare their data model in a file instead of Go code. The file
// shape mirrors the registration API one to one; loading performs only
// structural decoding, and the registration path applies the full
// validation.
package schemafile

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/monotable/monotable"
	"github.com/monotable/monotable/field"
)

// File is the top-level document: a list of entity declarations.
type File struct {
	Entities []Entity `yaml:"entities"`
}

// Entity is one declared entity.
type Entity struct {
	Name   string       `yaml:"name"`
	Prefix string       `yaml:"prefix"`
	Fields []FieldSpec  `yaml:"fields"`
	Keys   KeySpec      `yaml:"keys"`
	Index  []IndexSpec  `yaml:"indexes"`
	Unique []UniqueSpec `yaml:"unique"`

	Iterable    bool `yaml:"iterable"`
	IterBuckets int  `yaml:"iterBuckets"`

	DefaultQueryLimit int32 `yaml:"defaultQueryLimit"`
}

// KeySpec names the primary-key fields; either may be "modelPrefix".
type KeySpec struct {
	Partition string `yaml:"partition"`
	Sort      string `yaml:"sort"`
}

// IndexSpec is one secondary index declaration.
type IndexSpec struct {
	Name      string `yaml:"name"`
	Partition string `yaml:"partition"`
	Sort      string `yaml:"sort"`
	Slot      int    `yaml:"slot"`
}

// UniqueSpec is one uniqueness constraint.
type UniqueSpec struct {
	Field string `yaml:"field"`
	Slot  int    `yaml:"slot"`
}

// FieldSpec is one field declaration. Kind-specific settings are flat;
// irrelevant ones are ignored by the other kinds.
type FieldSpec struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Required bool   `yaml:"required"`

	MaxLength  int           `yaml:"maxLength"`
	Unsigned   bool          `yaml:"unsigned"`
	AutoAssign bool          `yaml:"autoAssign"`
	MaxMembers int           `yaml:"maxMembers"`
	Target     string        `yaml:"target"`
	DefaultTTL time.Duration `yaml:"defaultTTL"`
}

// Load reads and decodes a schema file from disk.
func Load(path string) ([]monotable.Definition, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open schema file: %w", err)
	}
	defer f.Close()
	return Read(f)
}

// Read decodes a schema document from a reader.
func Read(r io.Reader) ([]monotable.Definition, error) {
	var doc File
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode schema file: %w", err)
	}

	defs := make([]monotable.Definition, 0, len(doc.Entities))
	for _, e := range doc.Entities {
		def, err := e.definition()
		if err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	return defs, nil
}

func (e Entity) definition() (monotable.Definition, error) {
	def := monotable.Definition{
		Name:              e.Name,
		Prefix:            e.Prefix,
		PartitionKey:      e.Keys.Partition,
		SortKey:           e.Keys.Sort,
		Iterable:          e.Iterable,
		IterBuckets:       e.IterBuckets,
		DefaultQueryLimit: e.DefaultQueryLimit,
	}
	for _, fs := range e.Fields {
		f, err := fs.build(e.Name)
		if err != nil {
			return monotable.Definition{}, err
		}
		def.Fields = append(def.Fields, f)
	}
	for _, idx := range e.Index {
		def.Indexes = append(def.Indexes, monotable.IndexDef{
			Name:         idx.Name,
			PartitionKey: idx.Partition,
			SortKey:      idx.Sort,
			Slot:         idx.Slot,
		})
	}
	for _, u := range e.Unique {
		def.Unique = append(def.Unique, monotable.UniqueDef{Field: u.Field, Slot: u.Slot})
	}
	return def, nil
}

func (fs FieldSpec) build(entity string) (field.Field, error) {
	var f field.Field
	switch fs.Kind {
	case "string":
		sf := field.NewString(fs.Name)
		sf.MaxLength = fs.MaxLength
		sf.Required = fs.Required
		f = sf
	case "integer":
		nf := field.NewInteger(fs.Name)
		nf.Unsigned = fs.Unsigned
		nf.Required = fs.Required
		f = nf
	case "float":
		ff := field.NewFloat(fs.Name)
		ff.Required = fs.Required
		f = ff
	case "boolean":
		bf := field.NewBoolean(fs.Name)
		bf.Required = fs.Required
		f = bf
	case "datetime":
		df := field.NewDatetime(fs.Name)
		df.Required = fs.Required
		f = df
	case "createDate":
		f = field.NewCreateDate(fs.Name)
	case "modifiedDate":
		f = field.NewModifiedDate(fs.Name)
	case "ttl":
		tf := field.NewTTL()
		tf.DefaultTTL = fs.DefaultTTL
		f = tf
	case "ulid":
		uf := field.NewUlid(fs.Name)
		uf.AutoAssign = fs.AutoAssign
		uf.Required = fs.Required
		f = uf
	case "version":
		f = field.NewVersion(fs.Name)
	case "counter":
		f = field.NewCounter(fs.Name)
	case "stringSet":
		f = field.NewStringSet(fs.Name, fs.MaxMembers, fs.MaxLength)
	case "related":
		if fs.Target == "" {
			return nil, fmt.Errorf("entity %s: related field %q needs a target", entity, fs.Name)
		}
		rf := field.NewRelated(fs.Name, fs.Target)
		rf.Required = fs.Required
		f = rf
	default:
		return nil, fmt.Errorf("entity %s: field %q: unknown kind %q", entity, fs.Name, fs.Kind)
	}
	return f, nil
}
