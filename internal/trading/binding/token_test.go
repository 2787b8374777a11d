package binding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCommentRoundTrip(t *testing.T) {
	token := NewToken()

	c := Comment(token, RoleStopLoss)
	got, role, ok := ParseComment(c)

	assert.True(t, ok)
	assert.Equal(t, token, got)
	assert.Equal(t, RoleStopLoss, role)
}

func TestParseCommentRejectsForeign(t *testing.T) {
	cases := []string{
		"",
		"no-separator",
		".Entry",
		"token.",
		"token.Unknown",
		"manual order from desk",
	}
	for _, c := range cases {
		_, _, ok := ParseComment(c)
		assert.False(t, ok, "comment %q must not parse", c)
	}
}

func TestParseCommentTokenWithDots(t *testing.T) {
	token, role, ok := ParseComment("a.b.Entry")

	assert.True(t, ok)
	assert.Equal(t, "a.b", token)
	assert.Equal(t, RoleEntry, role)
}

func TestSplitGroupID(t *testing.T) {
	assert.Nil(t, SplitGroupID(""))
	assert.Equal(t, []string{"g1"}, SplitGroupID("g1"))
	assert.Equal(t, []string{"g1", "g2"}, SplitGroupID("g1,g2"))
	assert.Equal(t, []string{"g1", "g2"}, SplitGroupID(" g1 , g2 ,"))
}

func TestGroupsIntersect(t *testing.T) {
	assert.True(t, GroupsIntersect("g1,g2", "g2,g3"))
	assert.False(t, GroupsIntersect("g1", "g2"))
	assert.False(t, GroupsIntersect("", "g1"))
	assert.False(t, GroupsIntersect("g1", ""))
}
