package channel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/contactsync/internal/store"
)

func TestSetIdentifierPublishesDistinctValues(t *testing.T) {
	s, err := store.Open(nil)
	require.NoError(t, err)
	c, err := New(s, nil)
	require.NoError(t, err)

	sub := c.IdentifierUpdates()
	defer sub.Unsubscribe()

	require.NoError(t, c.SetIdentifier("chan-1"))
	require.NoError(t, c.SetIdentifier("chan-1"))
	require.NoError(t, c.SetIdentifier("chan-2"))

	for _, want := range []string{"chan-1", "chan-2"} {
		select {
		case got := <-sub.C():
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
	select {
	case extra := <-sub.C():
		t.Fatalf("unexpected extra update %q", extra)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestIdentifierIsPersisted(t *testing.T) {
	s, err := store.Open(nil)
	require.NoError(t, err)
	c, err := New(s, nil)
	require.NoError(t, err)
	id, err := c.EnsureIdentifier()
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := New(s, nil)
	require.NoError(t, err)
	assert.Equal(t, id, again.Identifier())
	got, err := again.EnsureIdentifier()
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
