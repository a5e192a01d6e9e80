package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentifierBody_EmptyArgsReturnsNil(t *testing.T) {
	require.Nil(t, identifierBody(nil))
}

func TestIdentifierBody_FirstArgBecomesIdentifier(t *testing.T) {
	require.Equal(t, map[string]string{"identifier": "firewall"}, identifierBody([]string{"firewall", "extra"}))
}
