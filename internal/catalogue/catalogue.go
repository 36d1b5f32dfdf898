package catalogue

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/hearing-system/apiserver/config"
	"github.com/hearing-system/apiserver/types"
	"gopkg.in/yaml.v3"
)

// Catalogue sources accepted in config.
const (
	SourceEmbedded = "embedded"
	SourceFile     = "file"
	SourceStorage  = "storage"
)

//go:embed resources.yaml
var defaultResources []byte

// ErrInvalid is returned when a catalogue document fails validation.
var ErrInvalid = errors.New("invalid catalogue")

// ObjectGetter reads an object from the configured bucket.
type ObjectGetter interface {
	Get(ctx context.Context, key string) (io.ReadCloser, error)
}

type document struct {
	Resources []types.Resource `yaml:"resources"`
}

// Catalogue is the immutable set of resources the classifier may recommend.
type Catalogue struct {
	resources []types.Resource
	byID      map[string]types.Resource
}

// Parse decodes and validates a YAML catalogue.
func Parse(data []byte) (*Catalogue, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if len(doc.Resources) == 0 {
		return nil, fmt.Errorf("%w: no resources", ErrInvalid)
	}

	byID := make(map[string]types.Resource, len(doc.Resources))
	for i, res := range doc.Resources {
		res.ID = strings.TrimSpace(res.ID)
		if res.ID == "" {
			return nil, fmt.Errorf("%w: resource %d has no id", ErrInvalid, i)
		}
		if _, dup := byID[res.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate id %q", ErrInvalid, res.ID)
		}
		if !res.Type.Valid() {
			return nil, fmt.Errorf("%w: resource %q has unknown type %q", ErrInvalid, res.ID, res.Type)
		}
		if strings.TrimSpace(res.Title) == "" {
			return nil, fmt.Errorf("%w: resource %q has no title", ErrInvalid, res.ID)
		}
		doc.Resources[i] = res
		byID[res.ID] = res
	}

	return &Catalogue{resources: doc.Resources, byID: byID}, nil
}

// Default returns the catalogue compiled into the binary.
func Default() *Catalogue {
	c, err := Parse(defaultResources)
	if err != nil {
		panic("catalogue: embedded resources: " + err.Error())
	}
	return c
}

// Load reads the catalogue from the configured source. objects may be nil
// unless the source is "storage".
func Load(ctx context.Context, cfg config.CatalogueConfig, objects ObjectGetter) (*Catalogue, error) {
	switch cfg.Source {
	case "", SourceEmbedded:
		return Default(), nil

	case SourceFile:
		if strings.TrimSpace(cfg.Path) == "" {
			return nil, errors.New("catalogue path is required")
		}
		data, err := os.ReadFile(cfg.Path)
		if err != nil {
			return nil, fmt.Errorf("read catalogue: %w", err)
		}
		return Parse(data)

	case SourceStorage:
		if objects == nil {
			return nil, errors.New("catalogue storage backend is not configured")
		}
		reader, err := objects.Get(ctx, cfg.ObjectKey)
		if err != nil {
			return nil, fmt.Errorf("open catalogue object: %w", err)
		}
		defer reader.Close()
		data, err := io.ReadAll(reader)
		if err != nil {
			return nil, fmt.Errorf("read catalogue object: %w", err)
		}
		return Parse(data)

	default:
		return nil, fmt.Errorf("unknown catalogue source %q", cfg.Source)
	}
}

// Resources returns a copy of the resources in catalogue order.
func (c *Catalogue) Resources() []types.Resource {
	out := make([]types.Resource, len(c.resources))
	copy(out, c.resources)
	return out
}

// Lookup returns the resource with the given id.
func (c *Catalogue) Lookup(id string) (types.Resource, bool) {
	res, ok := c.byID[id]
	return res, ok
}

// Render lists the resources one per line for the classifier instructions.
func (c *Catalogue) Render() string {
	var b strings.Builder
	for _, res := range c.resources {
		fmt.Fprintf(&b, "- %s: %s", res.ID, res.Title)
		if res.Description != "" {
			fmt.Fprintf(&b, " (%s)", res.Description)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// Marshal encodes the catalogue as YAML.
func (c *Catalogue) Marshal() ([]byte, error) {
	return yaml.Marshal(document{Resources: c.resources})
}
