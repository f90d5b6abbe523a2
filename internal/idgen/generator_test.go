package idgen

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateID(t *testing.T) {
	for _, length := range []int{6, 8, 12} {
		id, err := GenerateID(length)
		if err != nil {
			t.Fatalf("GenerateID(%d) error = %v", length, err)
		}
		if len(id) != length {
			t.Errorf("len = %d, want %d", len(id), length)
		}
		for _, c := range id {
			if !strings.ContainsRune(RoomAlphabet, c) {
				t.Errorf("GenerateID(%d) = %q contains %q", length, id, c)
			}
		}
	}

	if _, err := GenerateID(0); err == nil {
		t.Error("GenerateID(0) should fail")
	}
}

func TestRoomIDsRarelyCollide(t *testing.T) {
	g, err := NewRoomIDGenerator(0)
	if err != nil {
		t.Fatal(err)
	}
	if g.Size() != DefaultRoomIDLength {
		t.Fatalf("Size() = %d, want %d", g.Size(), DefaultRoomIDLength)
	}

	seen := make(map[string]struct{}, 5000)
	for i := 0; i < 5000; i++ {
		id, err := g.Generate()
		if err != nil {
			t.Fatal(err)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q after %d draws", id, i)
		}
		seen[id] = struct{}{}
	}
}

func TestSecurityCodeDefaultLength(t *testing.T) {
	g, err := NewSecurityCodeGenerator(0)
	if err != nil {
		t.Fatal(err)
	}
	code, _ := g.Generate()
	if ok, reason := g.Validate(code); !ok {
		t.Errorf("Validate(%q) = false: %s", code, reason)
	}
	if len(code) != DefaultSecurityCodeLength {
		t.Errorf("len = %d, want %d", len(code), DefaultSecurityCodeLength)
	}
}

func TestMessageIDStrategies(t *testing.T) {
	for _, strategy := range []string{"", StrategyUUID, StrategyULID, StrategyKSUID, StrategyCUID2, StrategyNanoID} {
		t.Run("strategy="+strategy, func(t *testing.T) {
			g, err := NewMessageIDGenerator(strategy)
			if err != nil {
				t.Fatalf("NewMessageIDGenerator() error = %v", err)
			}
			a, err := g.Generate()
			if err != nil {
				t.Fatalf("Generate() error = %v", err)
			}
			b, _ := g.Generate()
			if a == b {
				t.Errorf("two draws returned %q", a)
			}
			if ok, reason := g.Validate(a); !ok {
				t.Errorf("Validate(%q) = false: %s", a, reason)
			}
		})
	}

	if _, err := NewMessageIDGenerator("snowflake"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestValidRoomID(t *testing.T) {
	tests := map[string]bool{
		"AB12CD34":  true,
		"ab12cd34":  false,
		"AB12":      true,
		"AB1":       false,
		"AB12-CD34": false,
		"":          false,
	}
	for in, want := range tests {
		if got := ValidRoomID(in); got != want {
			t.Errorf("ValidRoomID(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestRoomIDGeneratorLengthBounds(t *testing.T) {
	for _, length := range []int{MinRoomIDLength, DefaultRoomIDLength, MaxRoomIDLength} {
		g, err := NewRoomIDGenerator(length)
		require.NoError(t, err)
		id, err := g.Generate()
		require.NoError(t, err)
		assert.True(t, ValidRoomID(id), "length %d", length)
	}

	for _, length := range []int{MinRoomIDLength - 1, MaxRoomIDLength + 1, 256} {
		_, err := NewRoomIDGenerator(length)
		assert.Error(t, err, "length %d", length)
	}
}
