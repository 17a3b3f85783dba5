package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedis(t *testing.T) {
	mini, client := Redis(t)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := mini.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

// Without a Docker daemon this must end in a skip, never a failure
func TestPostgres(t *testing.T) {
	db := Postgres(t)
	assert.NoError(t, db.Ping(context.Background()))
}
