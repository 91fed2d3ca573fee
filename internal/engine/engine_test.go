package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"convoflow/internal/pipeline"
	"convoflow/internal/spec"
)

func TestBackend_OnlyRunningStages(t *testing.T) {
	ctx := context.Background()
	r, err := pipeline.Build(ctx, spec.File{Assembly: spec.AssemblySection{
		Enabled: true,
		Source:  spec.SourceSection{Kind: "kafka", Driver: "memory"},
		Sink:    "memory",
	}}, pipeline.Options{})
	require.NoError(t, err)
	defer r.Close(ctx)

	b := backend(r)
	require.Nil(t, b.Capture)
	require.NotNil(t, b.Consumer)
	require.NotNil(t, b.Buffer)
	require.Nil(t, b.Report().Capture)
}
