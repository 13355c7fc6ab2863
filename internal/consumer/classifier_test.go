package consumer_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"

	"github.com/flowmesh/flowmesh/internal/consumer"
)

func TestDefaultClassifier(t *testing.T) {
	classify := consumer.NewClassifier(nil, nil)

	cases := []struct {
		err       error
		transient bool
	}{
		{errors.New("connection refused"), true},
		{errors.New("read TIMEOUT exceeded"), true},
		{errors.New("temporary failure in name resolution"), true},
		{errors.New("deadlock detected"), true},
		{errors.New("validation failed: amount negative"), false},
		{errors.New("duplicate key"), false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.transient, classify("X", tc.err), tc.err.Error())
	}

	assert.False(t, classify("X", nil))
}

func TestClassifierPermanentWrapper(t *testing.T) {
	classify := consumer.NewClassifier(nil, nil)

	// Even a transient-looking message is permanent once wrapped.
	err := backoff.Permanent(fmt.Errorf("connection refused by business rule"))
	assert.False(t, classify("X", err))
}

func TestClassifierOverrides(t *testing.T) {
	overrides := map[string]consumer.Classifier{
		"Fussy": func(name string, err error) bool { return false },
	}
	classify := consumer.NewClassifier([]string{"boom"}, overrides)

	assert.True(t, classify("Normal", errors.New("boom happened")))
	assert.False(t, classify("Fussy", errors.New("boom happened")))
}
