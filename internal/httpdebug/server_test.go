package httpdebug

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDisabledServerStartIsNoop(t *testing.T) {
	s := New("", func() Stats { return Stats{} })
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop(context.Background()))
}

func TestObserveSLARecommendationsDoesNotPanicOnEmpty(t *testing.T) {
	ObserveSLARecommendations(nil)
}
