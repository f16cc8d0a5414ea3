// Copyright 2025 James Ross
package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeSchema(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestValidatePassesWhenNoSchemaRegistered(t *testing.T) {
	e, err := New(map[string]string{})
	require.NoError(t, err)
	require.NoError(t, e.Validate("unregistered-queue", `{"anything":true}`))
}

func TestValidateRejectsNonConformingPayload(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, "orders.json", `{
		"type": "object",
		"required": ["orderId"],
		"properties": {"orderId": {"type": "string"}}
	}`)

	e, err := New(map[string]string{"orders": path})
	require.NoError(t, err)

	err = e.Validate("orders", `{"orderId": 123}`)
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	require.Equal(t, "orders", verr.QueueName)
	require.NotEmpty(t, verr.Violations)
}

func TestValidateAcceptsConformingPayload(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, "orders.json", `{
		"type": "object",
		"required": ["orderId"],
		"properties": {"orderId": {"type": "string"}}
	}`)

	e, err := New(map[string]string{"orders": path})
	require.NoError(t, err)

	require.NoError(t, e.Validate("orders", `{"orderId": "abc-123"}`))
}

func TestNewFailsOnInvalidSchemaFile(t *testing.T) {
	dir := t.TempDir()
	path := writeSchema(t, dir, "broken.json", `not json`)

	_, err := New(map[string]string{"q": path})
	require.Error(t, err)
}
