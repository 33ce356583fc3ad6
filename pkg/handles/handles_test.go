// SPDX-License-Identifier: Apache-2.0
// Copyright Authors of Calltrace

package handles

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cilium/calltrace/pkg/logger"
	"github.com/cilium/calltrace/pkg/schema"
)

func testMap() *Map {
	return New([]*schema.HandleType{
		{Name: "Device"},
		{Name: "Buffer"},
		{Name: "Image"},
		{Name: "Object", Concrete: []string{"Image", "Buffer"}},
	}, WithLogger(logger.Discard()))
}

func TestAddRemapRemove(t *testing.T) {
	m := testMap()

	require.NoError(t, m.Add("Device", 7, 42))
	r, ok := m.Remap("Device", 7)
	assert.True(t, ok)
	assert.Equal(t, uint64(42), r)

	assert.True(t, m.Remove("Device", 7))
	r, ok = m.Remap("Device", 7)
	assert.False(t, ok)
	assert.Equal(t, Invalid, r)
	assert.Equal(t, uint64(1), m.Misses())
	assert.False(t, m.Remove("Device", 7))
}

func TestAddExisting(t *testing.T) {
	m := testMap()
	require.NoError(t, m.Add("Buffer", 1, 100))
	require.ErrorIs(t, m.Add("Buffer", 1, 200), ErrHandleExists)
	r, _ := m.Lookup("Buffer", 1)
	assert.Equal(t, uint64(100), r, "a failed add keeps the first mapping")

	require.NoError(t, m.Add("Image", 1, 300), "types have separate maps")
	require.ErrorIs(t, m.Add("Object", 2, 1), ErrAbstract)
	require.ErrorIs(t, m.Add("Queue", 2, 1), ErrUnknownType)
	require.ErrorIs(t, m.Add("Buffer", 0, 1), ErrNullHandle)
}

func TestNullHandle(t *testing.T) {
	m := testMap()
	r, ok := m.Remap("Device", 0)
	assert.True(t, ok)
	assert.Zero(t, r)
	assert.Zero(t, m.Misses())
}

func TestAbstractProbesInOrder(t *testing.T) {
	m := testMap()
	require.NoError(t, m.Add("Buffer", 5, 50))
	require.NoError(t, m.Add("Image", 5, 500))
	require.NoError(t, m.Add("Buffer", 6, 60))

	r, ok := m.Remap("Object", 5)
	require.True(t, ok)
	assert.Equal(t, uint64(500), r, "Image is probed before Buffer")

	r, ok = m.Remap("Object", 6)
	require.True(t, ok)
	assert.Equal(t, uint64(60), r)
	assert.Equal(t, 3, m.Len("Object"))
	assert.Equal(t, 3, m.Total())

	assert.True(t, m.Remove("Object", 5))
	r, ok = m.Remap("Object", 5)
	require.True(t, ok)
	assert.Equal(t, uint64(50), r)

	_, ok = m.Remap("Object", 9)
	assert.False(t, ok)
	_, ok = m.Remap("Nope", 1)
	assert.False(t, ok)
}
