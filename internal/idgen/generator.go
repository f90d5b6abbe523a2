// Package idgen produces room IDs, security codes and message IDs.
package idgen

import (
	"fmt"
	"strings"
)

const (
	// RoomAlphabet is the character set for room IDs and security codes.
	RoomAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	DefaultRoomIDLength       = 8
	DefaultSecurityCodeLength = 6

	// Room IDs must fit the rooms.id column and pass ValidRoomID.
	MinRoomIDLength = 4
	MaxRoomIDLength = 16
)

// Message ID strategies.
const (
	StrategyUUID   = "uuid"
	StrategyULID   = "ulid"
	StrategyKSUID  = "ksuid"
	StrategyCUID2  = "cuid2"
	StrategyNanoID = "nanoid"
)

// Generator defines the interface for ID generation and validation.
type Generator interface {
	Generate() (string, error)
	Validate(id string) (bool, string) // (valid, reason)
}

// GenerateID returns a random uppercase alphanumeric string of the given length.
func GenerateID(length int) (string, error) {
	g, err := NewNanoIDGenerator(length, RoomAlphabet)
	if err != nil {
		return "", err
	}
	return g.Generate()
}

// NewRoomIDGenerator returns the generator for room IDs.
func NewRoomIDGenerator(length int) (*NanoIDGenerator, error) {
	if length <= 0 {
		length = DefaultRoomIDLength
	}
	if length < MinRoomIDLength || length > MaxRoomIDLength {
		return nil, fmt.Errorf("room id length must be between %d and %d, got %d", MinRoomIDLength, MaxRoomIDLength, length)
	}
	return NewNanoIDGenerator(length, RoomAlphabet)
}

// NewSecurityCodeGenerator returns the generator for room security codes.
func NewSecurityCodeGenerator(length int) (*NanoIDGenerator, error) {
	if length <= 0 {
		length = DefaultSecurityCodeLength
	}
	return NewNanoIDGenerator(length, RoomAlphabet)
}

// NewMessageIDGenerator selects the message ID strategy by name.
func NewMessageIDGenerator(strategy string) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(strategy)) {
	case StrategyUUID, "":
		return NewUUIDGenerator(), nil
	case StrategyULID:
		return NewULIDGenerator(), nil
	case StrategyKSUID:
		return NewKSUIDGenerator(), nil
	case StrategyCUID2:
		return NewCUID2Generator(DefaultCUID2Length)
	case StrategyNanoID:
		return NewNanoIDGenerator(DefaultNanoIDSize, DefaultNanoIDAlphabet)
	default:
		return nil, fmt.Errorf("unknown message id strategy: %s", strategy)
	}
}

// ValidRoomID reports whether id could have been produced for a room.
// Lowercase input is accepted by callers after upper-casing.
func ValidRoomID(id string) bool {
	if len(id) < MinRoomIDLength || len(id) > MaxRoomIDLength {
		return false
	}
	for _, c := range id {
		if !strings.ContainsRune(RoomAlphabet, c) {
			return false
		}
	}
	return true
}
