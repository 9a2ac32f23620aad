package tracing

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatmux/internal/models"
)

func TestInitializeDisabledIsNoop(t *testing.T) {
	m := NewManager(models.TracingConfig{Enabled: false}, logrus.New())

	require.NoError(t, m.Initialize(context.Background()))
	assert.Nil(t, m.tracerProvider)
	require.NoError(t, m.Shutdown(context.Background()))
}

func TestInitializeWithStdoutExporter(t *testing.T) {
	m := NewManager(models.TracingConfig{
		Enabled:     true,
		ServiceName: "chatmux-test",
		SampleRate:  1.0,
		UseStdout:   true,
	}, logrus.New())

	require.NoError(t, m.Initialize(context.Background()))
	require.NotNil(t, m.tracerProvider)

	tracer := m.GetTracer("test")
	_, span := tracer.Start(context.Background(), "test-span")
	span.End()

	require.NoError(t, m.Shutdown(context.Background()))
}

func TestShutdownWithoutInitialize(t *testing.T) {
	m := NewManager(models.TracingConfig{}, logrus.New())
	assert.NoError(t, m.Shutdown(context.Background()))
}
