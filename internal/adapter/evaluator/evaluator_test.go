package evaluator_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyang/delegate-broker/internal/adapter/evaluator"
	domaintask "github.com/alanyang/delegate-broker/internal/domain/task"
)

func TestEvaluate(t *testing.T) {
	e := evaluator.New(evaluator.StaticSecrets{"acct": {"db_pass": "hunter2"}})

	params, secrets, err := e.Evaluate(context.Background(), "acct", map[string]any{
		"host":     "db",
		"password": "secret:db_pass",
		"port":     5432,
	})
	require.NoError(t, err)
	assert.Equal(t, "db", params["host"])
	assert.Equal(t, 5432, params["port"])
	assert.Equal(t, "${secrets.db_pass}", params["password"])
	assert.Equal(t, []domaintask.Secret{{Name: "db_pass", Value: "hunter2"}}, secrets)

	_, _, err = e.Evaluate(context.Background(), "other", map[string]any{"p": "secret:db_pass"})
	assert.ErrorContains(t, err, "not found")
}
