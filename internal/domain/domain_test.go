package domain

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClamp01(t *testing.T) {
	assert.Equal(t, 0.0, Clamp01(-0.5))
	assert.Equal(t, 1.0, Clamp01(3))
	assert.Equal(t, 0.25, Clamp01(0.25))
	assert.Equal(t, 0.0, Clamp01(math.NaN()))
}

func TestSanitizeMetadataDropsUnknownKeys(t *testing.T) {
	out := SanitizeMetadata(map[string]string{
		MetaPermissionChange: PermissionGranted,
		"debug_blob":         "x",
	})
	assert.Equal(t, map[string]string{MetaPermissionChange: PermissionGranted}, out)
	assert.Nil(t, SanitizeMetadata(nil))
}

func TestParseResourceType(t *testing.T) {
	r, ok := ParseResourceType(" camera ")
	require.True(t, ok)
	assert.Equal(t, ResourceCamera, r)

	_, ok = ParseResourceType("toaster")
	assert.False(t, ok)
}

func TestEventValidate(t *testing.T) {
	ok := Event{ActorID: "com.app", ResourceType: ResourceCamera, Timestamp: time.Now()}
	require.NoError(t, ok.Validate())

	noActor := ok
	noActor.ActorID = ""
	assert.True(t, errors.Is(noActor.Validate(), ErrInvalidEvent))

	badResource := ok
	badResource.ResourceType = "TOASTER"
	assert.True(t, errors.Is(badResource.Validate(), ErrInvalidEvent))
}

func TestWithSessionDoesNotMutateOriginal(t *testing.T) {
	ev := Event{ActorID: "a", ResourceType: ResourceCamera}
	enriched := ev.WithSession(SessionContext{SessionID: "s1", ScreenOn: true})

	assert.Nil(t, ev.Session)
	require.NotNil(t, enriched.Session)
	assert.Equal(t, "s1", enriched.Session.SessionID)
	assert.Equal(t, BaselineKey{ActorID: "a", Resource: ResourceCamera}, enriched.Key())
}
