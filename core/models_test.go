package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypointSetVisibility(t *testing.T) {
	set := KeypointSet{
		"Nose":     {X: 0.5, Y: 0.2, Vis: 0.9},
		"Left Ear": {X: 0.4, Y: 0.2, Vis: 0.1},
	}

	assert.True(t, set.Visible("Nose"))
	assert.False(t, set.Visible("Left Ear"), "below the confidence bar")
	assert.False(t, set.Visible("Right Ear"), "absent joint")

	p, ok := set.Point("Nose")
	require.True(t, ok)
	assert.Equal(t, 0.5, p.X())

	_, ok = set.Point("Left Ear")
	assert.False(t, ok)
}

func TestKeypointSetAllMissing(t *testing.T) {
	assert.True(t, KeypointSet{}.AllMissing())
	assert.True(t, KeypointSet(nil).AllMissing())
	assert.True(t, KeypointSet{"Nose": {Vis: 0.1}}.AllMissing())
	assert.False(t, KeypointSet{"Nose": {Vis: 0.9}}.AllMissing())
}

func TestKeypointSetClone(t *testing.T) {
	orig := KeypointSet{"Nose": {X: 1, Y: 2, Vis: 0.9}}
	clone := orig.Clone()
	clone["Nose"] = Keypoint{X: 9}
	assert.Equal(t, 1.0, orig["Nose"].X)

	assert.Nil(t, KeypointSet(nil).Clone())
}
