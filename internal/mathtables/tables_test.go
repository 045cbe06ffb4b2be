package mathtables

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDBToLinear(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, DBToLinear(0), 1e-9)
	assert.InDelta(t, 10.0, DBToLinear(20), 1e-9)
	assert.InDelta(t, 0.1, DBToLinear(-20), 1e-9)

	// Clamped outside the declared domain.
	assert.Equal(t, DBToLinear(MaxDB), DBToLinear(MaxDB+50))
	assert.Equal(t, DBToLinear(MinDB), DBToLinear(MinDB-50))
}

func TestExpToLinear(t *testing.T) {
	t.Parallel()

	require.InDelta(t, 1.0, ExpToLinear(0), 1e-9)
	assert.InDelta(t, math.Exp(-5), ExpToLinear(-5), 1e-9)

	assert.Equal(t, ExpToLinear(MinExp), ExpToLinear(MinExp-10))
	assert.Equal(t, ExpToLinear(MaxExp), ExpToLinear(MaxExp+10))
}

func TestInitIdempotent(t *testing.T) {
	t.Parallel()

	Init()
	before := DBToLinear(10)
	Init()
	Init()
	assert.Equal(t, before, DBToLinear(10))
}
