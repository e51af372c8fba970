package matchid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeAnchorMatch(t *testing.T) {
	id, err := Decode("g_3;em_11_23;n_19985-n_20003;p_4;#=ew_0_12611;prefix=001-;[0]=ew_0_12611")

	require.NoError(t, err)
	assert.Equal(t, "g_3", id.TranscriptID)
	assert.Equal(t, "n_19985", id.StartAnchorID)
	assert.Equal(t, "n_20003", id.EndAnchorID)
	assert.Equal(t, "p_4", id.ParticipantID)
	assert.Equal(t, "ew_0_12611", id.TargetID)
	assert.Equal(t, "001-", id.Prefix)
	assert.Equal(t, "em_11_23", id.UtteranceID)
	assert.Equal(t, map[string]string{"[0]": "ew_0_12611"}, id.Attributes)
	assert.True(t, id.HasAnchors())
	assert.False(t, id.HasOffsets())
}

func TestDecodeOffsetMatch(t *testing.T) {
	id, err := Decode("AgnesShacklock-01.trs;60.897-67.922;prefix=001-")

	require.NoError(t, err)
	assert.Equal(t, "AgnesShacklock-01.trs", id.TranscriptID)
	require.NotNil(t, id.StartOffset)
	require.NotNil(t, id.EndOffset)
	assert.InDelta(t, 60.897, *id.StartOffset, 1e-9)
	assert.InDelta(t, 67.922, *id.EndOffset, 1e-9)
	assert.Empty(t, id.StartAnchorID)
	assert.Equal(t, "001-", id.Prefix)
	assert.Empty(t, id.ParticipantID)
	assert.Empty(t, id.TargetID)
}

func TestDecodeTranscriptOnly(t *testing.T) {
	id, err := Decode("AP511.eaf")

	require.NoError(t, err)
	assert.Equal(t, ID{TranscriptID: "AP511.eaf"}, id)
}

func TestDecodeToleratesJunk(t *testing.T) {
	id, err := Decode("AP511.eaf;abc-xyz;;p_;name=x;em_1")

	require.NoError(t, err)
	assert.Nil(t, id.StartOffset)
	assert.Nil(t, id.EndOffset)
	assert.Equal(t, "p_", id.ParticipantID)
	assert.Equal(t, "em_1", id.UtteranceID)
	assert.Equal(t, "x", id.Attributes["name"])
}

func TestDecodeEmpty(t *testing.T) {
	for _, s := range []string{"", ";n_1-n_2", "  ;prefix=1"} {
		_, err := Decode(s)
		assert.ErrorIs(t, err, ErrEmpty, s)
	}
}

func TestDecodeHyphenatedParticipantIsNotTheInterval(t *testing.T) {
	id, err := Decode("AP511.eaf;p_AP-511;em_12-3;n_10-n_20")

	require.NoError(t, err)
	assert.Equal(t, "p_AP-511", id.ParticipantID)
	assert.Equal(t, "em_12-3", id.UtteranceID)
	assert.Equal(t, "n_10", id.StartAnchorID)
	assert.Equal(t, "n_20", id.EndAnchorID)
	assert.False(t, id.HasOffsets())
}
