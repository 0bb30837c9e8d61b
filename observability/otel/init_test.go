package otel

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestParseHeaders(t *testing.T) {
	headers := ParseHeaders(" api-key = abc ,broken, =skip,tenant=crucible")
	require.Equal(t, map[string]string{"api-key": "abc", "tenant": "crucible"}, headers)
}

func TestInitRequiresServiceName(t *testing.T) {
	_, err := Init(context.Background(), Config{})
	require.Error(t, err)
}

func TestInitWithoutExportersInstallsPropagators(t *testing.T) {
	shutdown, err := Init(context.Background(), Config{ServiceName: "crucibled"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	require.NotNil(t, Tracer())
}

func TestConfigDefaultsAndBounds(t *testing.T) {
	cfg, err := Config{ServiceName: " crucibled "}.withDefaults()
	require.NoError(t, err)
	require.Equal(t, "crucibled", cfg.ServiceName)
	require.Equal(t, defaultEndpoint, cfg.Endpoint)

	_, err = Config{ServiceName: "crucibled", SampleRatio: 1.5}.withDefaults()
	require.Error(t, err)
}

func TestSamplerRatio(t *testing.T) {
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(0).Description())
	require.Equal(t, sdktrace.AlwaysSample().Description(), sampler(1).Description())
	require.Contains(t, sampler(0.25).Description(), "TraceIDRatioBased")
}

func TestShutdownStackReportsEveryFailure(t *testing.T) {
	var order []int
	stack := shutdownStack{
		func(context.Context) error { order = append(order, 1); return errors.New("first") },
		func(context.Context) error { order = append(order, 2); return errors.New("second") },
	}
	err := stack.run(context.Background())
	require.ErrorContains(t, err, "first")
	require.ErrorContains(t, err, "second")
	require.Equal(t, []int{2, 1}, order)
}
