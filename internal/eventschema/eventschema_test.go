package eventschema

import (
	"context"
	"testing"
	"time"

	"github.com/apphub/orchestrator-core/internal/clock"
	"github.com/apphub/orchestrator-core/internal/coreerrors"
	"github.com/apphub/orchestrator-core/internal/store"
	"github.com/apphub/orchestrator-core/internal/store/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAssignsNextVersion(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)), Options{})
	ctx := context.Background()

	s1, err := reg.Register(ctx, "repo.push", map[string]any{"required": []any{"ref"}}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 1, s1.Version)

	s2, err := reg.Register(ctx, "repo.push", map[string]any{"required": []any{"sha"}}, 0, "")
	require.NoError(t, err)
	assert.Equal(t, 2, s2.Version)
}

func TestRegisterIsIdempotentOnIdenticalHash(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)), Options{})
	ctx := context.Background()
	schema := map[string]any{"required": []any{"ref"}}

	s1, err := reg.Register(ctx, "repo.push", schema, 1, store.SchemaDraft)
	require.NoError(t, err)
	s2, err := reg.Register(ctx, "repo.push", schema, 1, store.SchemaActive)
	require.NoError(t, err)
	assert.Equal(t, s1.SchemaHash, s2.SchemaHash)
	assert.Equal(t, store.SchemaActive, s2.Status)
}

func TestRegisterRejectsHashConflict(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)), Options{})
	ctx := context.Background()

	_, err := reg.Register(ctx, "repo.push", map[string]any{"required": []any{"ref"}}, 1, "")
	require.NoError(t, err)

	_, err = reg.Register(ctx, "repo.push", map[string]any{"required": []any{"sha"}}, 1, "")
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindSchemaMismatch, coreerrors.Classify(err))
}

func TestAnnotateStampsVersionAndHash(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)), Options{})
	ctx := context.Background()

	sc, err := reg.Register(ctx, "repo.push", map[string]any{"required": []any{"ref"}}, 0, store.SchemaActive)
	require.NoError(t, err)

	env := &store.EventEnvelope{Type: "repo.push", Payload: map[string]any{"ref": "refs/heads/main"}}
	require.NoError(t, reg.Annotate(ctx, env, AnnotateOptions{Enforce: true}))
	assert.Equal(t, sc.Version, env.SchemaVersion)
	assert.Equal(t, sc.SchemaHash, env.SchemaHash)
}

func TestAnnotateFailsOnMissingRequiredField(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)), Options{})
	ctx := context.Background()

	_, err := reg.Register(ctx, "repo.push", map[string]any{"required": []any{"ref"}}, 0, store.SchemaActive)
	require.NoError(t, err)

	env := &store.EventEnvelope{Type: "repo.push", Payload: map[string]any{}}
	err = reg.Annotate(ctx, env, AnnotateOptions{Enforce: true})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindValidation, coreerrors.Classify(err))
}

func TestAnnotateFailsOnDisagreeingHash(t *testing.T) {
	reg := New(memory.New(), clock.NewFrozen(time.Unix(0, 0)), Options{})
	ctx := context.Background()

	_, err := reg.Register(ctx, "repo.push", map[string]any{"required": []any{"ref"}}, 1, store.SchemaActive)
	require.NoError(t, err)

	env := &store.EventEnvelope{Type: "repo.push", SchemaVersion: 1, SchemaHash: "not-the-real-hash", Payload: map[string]any{"ref": "x"}}
	err = reg.Annotate(ctx, env, AnnotateOptions{Enforce: true})
	require.Error(t, err)
	assert.Equal(t, coreerrors.KindSchemaMismatch, coreerrors.Classify(err))
}
