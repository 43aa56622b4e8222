package tests

import "github.com/stretchr/testify/require"

// T is the part of *testing.T the helpers of this package and its subpackages use.
type T interface {
	require.TestingT
	Helper()
	Name() string
	Cleanup(func())
}
