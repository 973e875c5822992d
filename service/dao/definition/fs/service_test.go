package fs

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/flowgate/flowgate/model"
	"github.com/flowgate/flowgate/service/dao"
	"github.com/flowgate/flowgate/service/dao/definition"
	"github.com/stretchr/testify/assert"
)

var testDefinition = []byte(`
name: expense-approval
description: Expense report approval
graph:
  nodes:
    - id: manager-review
      type: approval
      chain:
        type: unanimous
        approvers:
          - type: user
            value: carol
`)

func TestService_LoadListDelete(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "definitions")
	service, err := New(basePath)
	assert.NoError(t, err)
	ctx := context.Background()

	def, err := definitionFromYAML(testDefinition)
	assert.NoError(t, err)
	assert.NoError(t, service.Upsert(ctx, def))

	loaded, err := service.Load(ctx, "expense-approval")
	assert.NoError(t, err)
	assert.Equal(t, "expense-approval", loaded.Name)
	assert.NotNil(t, loaded.Graph.Node("manager-review"))

	all, err := service.List(ctx)
	assert.NoError(t, err)
	assert.Len(t, all, 1)

	_, err = service.Load(ctx, "missing")
	assert.ErrorIs(t, err, dao.ErrNotFound)

	assert.NoError(t, service.Delete(ctx, "expense-approval"))
	assert.ErrorIs(t, service.Delete(ctx, "expense-approval"), dao.ErrNotFound)
}

func TestService_Refresh(t *testing.T) {
	basePath := filepath.Join(t.TempDir(), "definitions")
	service, err := New(basePath)
	assert.NoError(t, err)
	ctx := context.Background()

	def, err := definitionFromYAML(testDefinition)
	assert.NoError(t, err)
	assert.NoError(t, service.Upsert(ctx, def))

	// Edit behind the cache: bump the description on disk only.
	edited, err := definitionFromYAML(testDefinition)
	assert.NoError(t, err)
	edited.Description = "edited on disk"
	fresh, err := New(basePath)
	assert.NoError(t, err)
	assert.NoError(t, fresh.Upsert(ctx, edited))

	cached, err := service.Load(ctx, "expense-approval")
	assert.NoError(t, err)
	assert.Equal(t, "Expense report approval", cached.Description)

	assert.NoError(t, service.Refresh(ctx))
	reloaded, err := service.Load(ctx, "expense-approval")
	assert.NoError(t, err)
	assert.Equal(t, "edited on disk", reloaded.Description)
}

func definitionFromYAML(encoded []byte) (*model.ProcessDefinition, error) {
	return definition.DecodeYAML(encoded)
}
