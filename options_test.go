package datatask

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOptions_Setters(t *testing.T) {
	var o options

	TaskID("id-1")(&o)
	require.Equal(t, "id-1", o.id, "TaskID not set")

	Group("nlp-corenlp")(&o)
	require.Equal(t, "nlp-corenlp", o.group, "Group not set")

	MaxRetry(7)(&o)
	require.Equal(t, 7, o.maxRetry, "MaxRetry not set")
}

func TestOptions_Defaults(t *testing.T) {
	o := buildOptions(nil)
	require.Empty(t, o.id)
	require.Equal(t, DefaultGroup, o.group)
	require.Equal(t, -1, o.maxRetry)

	// empty group falls back to the default one
	o = buildOptions([]Option{Group("")})
	require.Equal(t, DefaultGroup, o.group)
}
