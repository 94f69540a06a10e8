package types

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEnums(t *testing.T) {
	tests := []struct {
		in   string
		want NodeRole
	}{
		{"passive", RolePassive},
		{"ACTIVE", RoleActive},
		{" simultaneous ", RoleSimultaneous},
		{"unknown", RoleUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseRole(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, got.String(), fmt.Sprint(got))
		})
	}

	_, err := ParseRole("router")
	var cfgErr *ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "role", cfgErr.Field)

	nat, err := ParseNatClass("delta")
	require.NoError(t, err)
	assert.Equal(t, NatDelta, nat)

	mode, err := ParseMode("direct")
	require.NoError(t, err)
	assert.Equal(t, ModeDirect, mode)
	_, err = ParseMode("mesh")
	assert.Error(t, err)
}

func TestTextRoundTrip(t *testing.T) {
	var r NodeRole
	require.NoError(t, r.UnmarshalText([]byte("simultaneous")))
	b, err := r.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "simultaneous", string(b))

	var n NatClass
	assert.Error(t, n.UnmarshalText([]byte("cone")))
}

func TestSwitchResolve(t *testing.T) {
	assert.True(t, SwitchDefault.Resolve(true))
	assert.False(t, SwitchDefault.Resolve(false))
	assert.True(t, SwitchOn.Resolve(false))
	assert.False(t, SwitchOff.Resolve(true))
	assert.Equal(t, SwitchOn, SwitchOf(true))

	var s Switch
	require.NoError(t, s.UnmarshalText([]byte("off")))
	assert.Equal(t, SwitchOff, s)
	assert.Error(t, s.UnmarshalText([]byte("maybe")))
}

func TestParseEndpoint(t *testing.T) {
	ep, err := ParseEndpoint("203.0.113.5:54321")
	require.NoError(t, err)
	assert.Equal(t, Endpoint{IP: "203.0.113.5", Port: 54321}, ep)
	assert.Equal(t, "203.0.113.5:54321", ep.String())

	_, err = ParseEndpoint("203.0.113.5")
	assert.ErrorIs(t, err, ErrInvalidAddress)
	_, err = ParseEndpoint("203.0.113.5:80000")
	assert.ErrorIs(t, err, ErrInvalidPort)
}

func TestIsRecoverable(t *testing.T) {
	assert.True(t, IsRecoverable(nil))
	assert.True(t, IsRecoverable(NewOpError("dial", "1.2.3.4:5", ErrTimeout)))
	assert.False(t, IsRecoverable(&ConfigError{Field: "port", Value: "0"}))
	assert.False(t, IsRecoverable(fmt.Errorf("add node: %w", &ConfigError{Field: "port"})))

	err := NewOpError("dial", "1.2.3.4:5", ErrUnreachable)
	assert.True(t, errors.Is(err, ErrUnreachable))
	assert.Equal(t, "dial 1.2.3.4:5: peer unreachable", err.Error())
}
