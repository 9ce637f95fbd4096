package repository

import (
	"errors"
	"testing"
	"time"

	"github.com/chiwei-platform/topology-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevisionModelConversion(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	rev := &domain.Revision{
		ID:        "rev-1",
		Assembly:  "dotnet-web-on-fargate",
		Units:     []string{"dotnet-web-on-fargate/alpha", "dotnet-web-on-fargate/beta"},
		Outputs:   map[string]string{"alpha.ApiDocsUrl": "http://alpha.example.com/swagger"},
		Status:    domain.RevisionApplied,
		CreatedAt: now,
		UpdatedAt: now,
	}

	m := revisionToModel(rev)
	assert.Equal(t, `["dotnet-web-on-fargate/alpha","dotnet-web-on-fargate/beta"]`, m.Units)
	assert.Equal(t, rev, modelToRevision(m))
}

func TestBuildModelConversion(t *testing.T) {
	b := &domain.Build{
		ID:        "b-1",
		Unit:      domain.UnitRef{App: "dotnet-web-on-fargate", Component: "alpha"},
		Container: domain.ContainerApp,
		Source:    domain.ImageBuild{GitRepo: "https://github.com/example/repo", GitRef: "main", ContextDir: "src/api"},
		ImageTag:  "registry.example.com/dotnet-web-on-fargate-alpha-app:main",
		Status:    domain.BuildStatusSucceeded,
	}
	got, err := modelToBuild(buildToModel(b))
	require.NoError(t, err)
	assert.Equal(t, b, got)

	_, err = modelToBuild(&BuildModel{Unit: "broken"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestUnmarshalJSON_Empty(t *testing.T) {
	assert.Nil(t, unmarshalJSON[[]string](""))
	assert.Nil(t, unmarshalJSON[map[string]string]("not json"))
}

func TestIsUniqueConstraintError(t *testing.T) {
	assert.True(t, isUniqueConstraintError(errors.New(`ERROR: duplicate key value violates unique constraint "revisions_pkey"`)))
	assert.False(t, isUniqueConstraintError(errors.New("connection refused")))
	assert.False(t, isUniqueConstraintError(nil))
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, 50, clampLimit(0))
	assert.Equal(t, 10, clampLimit(10))
	assert.Equal(t, 50, clampLimit(10000))
}
