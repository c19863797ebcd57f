package workflow

import (
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/songzhibin97/gkit/generator"
)

// IDGenerator produces identifiers for units and steps.
type IDGenerator interface {
	NextID() (string, error)
}

// UUIDGenerator issues random v4 UUIDs.
type UUIDGenerator struct{}

// NextID implements IDGenerator.
func (UUIDGenerator) NextID() (string, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// SnowflakeGenerator adapts a gkit generator to string identifiers.
type SnowflakeGenerator struct {
	gen generator.Generator
}

// NewSnowflakeGenerator creates a snowflake-backed generator for the given machine.
func NewSnowflakeGenerator(machineID uint16) *SnowflakeGenerator {
	return &SnowflakeGenerator{gen: generator.NewSnowflake(time.Now().Add(-1*time.Second), machineID)}
}

// NextID implements IDGenerator.
func (g *SnowflakeGenerator) NextID() (string, error) {
	if g == nil || g.gen == nil {
		return "", errors.New("snowflake generator is not initialized")
	}
	id, err := g.gen.NextID()
	if err != nil {
		return "", err
	}
	return strconv.FormatUint(id, 10), nil
}
