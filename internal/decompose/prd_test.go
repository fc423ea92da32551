package decompose

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePRD = `---
title: User Service
version: "0.3"
language: python
---
DEPENDENCY CHANGES
- install fastapi
- install pytest-asyncio
- scaffold src/api/__init__.py

MODULE STRUCTURE
- src/api
- src/core

MODULE API SPECIFICATION
create_user(name) -> User

TDD CYCLES
Cycle 1: core user model
- user record with validation
- user repository

Cycle 2: API surface
- POST /users endpoint
- GET /users endpoint
`

func TestParsePRD(t *testing.T) {
	prd, err := ParsePRD(samplePRD)
	require.NoError(t, err)

	assert.Equal(t, "User Service", prd.Meta.Title)
	assert.Equal(t, "python", prd.Meta.Language)

	assert.Equal(t, []string{"install fastapi", "install pytest-asyncio", "scaffold src/api/__init__.py"},
		prd.DependencyChanges)
	assert.Equal(t, []string{"src/api/", "src/core/"}, prd.ModulePrefixes)
	assert.Contains(t, prd.APISpec, "create_user")

	require.Len(t, prd.Cycles, 2)
	assert.Equal(t, "core user model", prd.Cycles[0].Goal)
	assert.Equal(t, []string{"user record with validation", "user repository"}, prd.Cycles[0].Components)
	assert.Equal(t, "API surface", prd.Cycles[1].Goal)
}

func TestParsePRDWithoutFrontmatter(t *testing.T) {
	prd, err := ParsePRD(`MODULE STRUCTURE
- src/core

TDD CYCLES
Cycle 1: something
- a component
`)
	require.NoError(t, err)
	assert.Empty(t, prd.Meta.Title)
	assert.Equal(t, []string{"src/core/"}, prd.ModulePrefixes)
	require.Len(t, prd.Cycles, 1)
}

func TestParsePRDMissingStructure(t *testing.T) {
	_, err := ParsePRD("TDD CYCLES\nCycle 1: x\n- y\n")
	assert.ErrorContains(t, err, "MODULE STRUCTURE")
}

func TestParsePRDMissingCycles(t *testing.T) {
	_, err := ParsePRD("MODULE STRUCTURE\n- src/core\n")
	assert.ErrorContains(t, err, "TDD CYCLES")
}
