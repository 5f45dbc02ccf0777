package broker

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

func TestFingerprintDeterministic(t *testing.T) {
	args := map[string]any{"b": 2.0, "a": "x", "c": []any{1.0, 2.0}}
	f1 := Fingerprint("search", args)
	f2 := Fingerprint("search", args)
	assert.Equal(t, f1, f2)
}

func TestFingerprintDiffersByToolName(t *testing.T) {
	args := map[string]any{"q": "hello"}
	assert.NotEqual(t, Fingerprint("search", args), Fingerprint("lookup", args))
}

func TestFingerprintDiffersByArgValue(t *testing.T) {
	assert.NotEqual(t,
		Fingerprint("echo", map[string]any{"text": "a"}),
		Fingerprint("echo", map[string]any{"text": "b"}),
	)
}

// TestFingerprintKeyOrderInvariant checks the coalescing law:
// two argument maps that are the same set of key/value pairs, built in a
// different literal order, must fingerprint identically, since Go map
// iteration order is random but encoding/json always sorts keys.
func TestFingerprintKeyOrderInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("fingerprint is invariant to construction order", prop.ForAll(
		func(keys []string, vals []string) bool {
			if len(keys) != len(vals) {
				return true
			}
			forward := map[string]any{}
			backward := map[string]any{}
			for i := range keys {
				forward[keys[i]] = vals[i]
				backward[keys[len(keys)-1-i]] = vals[len(vals)-1-i]
			}
			return Fingerprint("tool", forward) == Fingerprint("tool", backward)
		},
		gen.SliceOfN(5, gen.AlphaString()),
		gen.SliceOfN(5, gen.AlphaString()),
	))

	properties.TestingRun(t)
}

func TestFingerprintEmptyArgsOnCanonicalizationFailureIsZero(t *testing.T) {
	// map[string]any containing a value encoding/json cannot marshal (a
	// channel) forces CanonicalJSON to fail, which must degrade to the
	// sentinel zero fingerprint rather than panicking.
	args := map[string]any{"bad": make(chan int)}
	assert.Equal(t, ZeroFingerprint, Fingerprint("tool", args))
}
