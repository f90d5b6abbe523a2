package idgen

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/nrednav/cuid2"
	"github.com/oklog/ulid/v2"
	"github.com/segmentio/ksuid"
)

const DefaultCUID2Length = 24

// libGenerator adapts an ID library to Generator.
type libGenerator struct {
	name     string
	generate func() (string, error)
	check    func(id string) error
}

func (g *libGenerator) Generate() (string, error) {
	id, err := g.generate()
	if err != nil {
		return "", fmt.Errorf("failed to generate %s: %w", g.name, err)
	}
	return id, nil
}

func (g *libGenerator) Validate(id string) (bool, string) {
	if err := g.check(id); err != nil {
		return false, fmt.Sprintf("invalid %s: %v", g.name, err)
	}
	return true, ""
}

// NewUUIDGenerator returns random UUID v4 message IDs.
func NewUUIDGenerator() Generator {
	return &libGenerator{
		name: "UUID",
		generate: func() (string, error) {
			id, err := uuid.NewRandom()
			return id.String(), err
		},
		check: func(id string) error {
			parsed, err := uuid.Parse(id)
			if err != nil {
				return err
			}
			if parsed.Version() != 4 {
				return fmt.Errorf("expected v4, got v%d", parsed.Version())
			}
			return nil
		},
	}
}

// NewULIDGenerator returns ULIDs. They are monotonic within a process, so
// same-millisecond messages from one sender keep their send order.
func NewULIDGenerator() Generator {
	return &libGenerator{
		name: "ULID",
		generate: func() (string, error) {
			return ulid.Make().String(), nil
		},
		check: func(id string) error {
			_, err := ulid.ParseStrict(id)
			return err
		},
	}
}

// NewKSUIDGenerator returns K-sortable IDs.
func NewKSUIDGenerator() Generator {
	return &libGenerator{
		name: "KSUID",
		generate: func() (string, error) {
			id, err := ksuid.NewRandom()
			return id.String(), err
		},
		check: func(id string) error {
			_, err := ksuid.Parse(id)
			return err
		},
	}
}

// NewCUID2Generator returns CUID2 IDs of the given length (2 to 32).
func NewCUID2Generator(length int) (Generator, error) {
	if length < 2 || length > 32 {
		return nil, fmt.Errorf("cuid2 length must be between 2 and 32, got %d", length)
	}
	gen, err := cuid2.Init(cuid2.WithLength(length))
	if err != nil {
		return nil, fmt.Errorf("failed to init CUID2 generator: %w", err)
	}
	return &libGenerator{
		name: "CUID2",
		generate: func() (string, error) {
			return gen(), nil
		},
		check: func(id string) error {
			if len(id) != length {
				return fmt.Errorf("expected length %d, got %d", length, len(id))
			}
			if !cuid2.IsCuid(id) {
				return fmt.Errorf("malformed %q", id)
			}
			return nil
		},
	}, nil
}
