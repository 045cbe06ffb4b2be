// Package mathtables provides the process-wide dB<->linear and exp lookup
// tables shared by DSP modules, notably internal/drc.
package mathtables

import (
	"math"
	"sync"
)

const (
	// MinDB and MaxDB bound the domain of DBToLinear's lookup table.
	MinDB = -100
	MaxDB = 100

	// MinExp bounds the domain of ExpToLinear's lookup table; the table
	// only covers non-positive exponents (decaying envelopes).
	MinExp = -100
	MaxExp = 0
)

var (
	once         sync.Once
	dbToLinear   [MaxDB - MinDB + 1]float64
	expToLinear  [MaxExp - MinExp + 1]float64
)

// Init fills both lookup tables. It is idempotent and safe to call from
// any goroutine before first use; Init itself is the only mutator, and all
// subsequent reads are against immutable arrays.
func Init() {
	once.Do(func() {
		for k := MinDB; k <= MaxDB; k++ {
			dbToLinear[k-MinDB] = math.Pow(10, float64(k)/20.0)
		}
		for k := MinExp; k <= MaxExp; k++ {
			expToLinear[k-MinExp] = math.Exp(float64(k))
		}
	})
}

// DBToLinear returns 10^(db/20) for integer db, clamped to [MinDB, MaxDB].
func DBToLinear(db int) float64 {
	Init()
	if db < MinDB {
		db = MinDB
	} else if db > MaxDB {
		db = MaxDB
	}
	return dbToLinear[db-MinDB]
}

// ExpToLinear returns e^x for integer x, clamped to [MinExp, MaxExp].
func ExpToLinear(x int) float64 {
	Init()
	if x < MinExp {
		x = MinExp
	} else if x > MaxExp {
		x = MaxExp
	}
	return expToLinear[x-MinExp]
}
