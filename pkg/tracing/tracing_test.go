package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Disabled(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{Enabled: false, Endpoint: "localhost:4317"})
	require.NoError(t, err)
	assert.NoError(t, shutdown(context.Background()))
}

func TestParseResourceAttributes(t *testing.T) {
	assert.Empty(t, ParseResourceAttributes(""))

	got := ParseResourceAttributes(" service.namespace=lungscreen , deployment.environment = prod,broken,=x")
	assert.Equal(t, map[string]string{
		"service.namespace":      "lungscreen",
		"deployment.environment": "prod",
	}, got)
}
