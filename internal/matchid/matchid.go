// Package matchid decodes the compact identifiers the store attaches to
// search results.
//
// A match id is a ';'-separated list. The first segment is the transcript id.
// Later segments may hold an interval (anchor pair "n_1-n_2" or offset pair
// "1.5-3.25"), a participant ("p_"), an utterance ("em_"), the target
// annotation ("#=") and keyed suffixes such as "prefix=".
package matchid

import (
	"errors"
	"strconv"
	"strings"
)

const (
	anchorPrefix      = "n_"
	participantPrefix = "p_"
	utterancePrefix   = "em_"
	targetKey         = "#"
	prefixKey         = "prefix"
)

var ErrEmpty = errors.New("matchid: empty transcript id")

// ID is a decoded match identifier. Fields that were not present are left at
// their zero value.
type ID struct {
	TranscriptID  string            `json:"transcriptId"`
	StartAnchorID string            `json:"startAnchorId,omitempty"`
	EndAnchorID   string            `json:"endAnchorId,omitempty"`
	StartOffset   *float64          `json:"startOffset,omitempty"`
	EndOffset     *float64          `json:"endOffset,omitempty"`
	ParticipantID string            `json:"participantId,omitempty"`
	UtteranceID   string            `json:"utteranceId,omitempty"`
	TargetID      string            `json:"targetId,omitempty"`
	Prefix        string            `json:"prefix,omitempty"`
	Attributes    map[string]string `json:"attributes,omitempty"`
}

// HasAnchors reports whether the interval was given as a pair of anchor ids.
func (id ID) HasAnchors() bool {
	return id.StartAnchorID != "" || id.EndAnchorID != ""
}

// HasOffsets reports whether the interval was given as a pair of offsets.
func (id ID) HasOffsets() bool {
	return id.StartOffset != nil || id.EndOffset != nil
}

// Decode parses s. It only fails when the transcript id is missing;
// unrecognized segments are ignored.
func Decode(s string) (ID, error) {
	segments := strings.Split(s, ";")
	transcript := strings.TrimSpace(segments[0])
	if transcript == "" {
		return ID{}, ErrEmpty
	}
	id := ID{TranscriptID: transcript}
	rest := segments[1:]

	for _, seg := range rest {
		if labeled(seg) || !strings.Contains(seg, "-") {
			continue
		}
		start, end, _ := strings.Cut(seg, "-")
		if strings.HasPrefix(start, anchorPrefix) {
			id.StartAnchorID = start
			id.EndAnchorID = end
		} else {
			id.StartOffset = parseOffset(start)
			id.EndOffset = parseOffset(end)
		}
		break
	}

	for _, seg := range rest {
		if key, value, keyed := strings.Cut(seg, "="); keyed {
			switch key {
			case prefixKey:
				id.Prefix = value
			case targetKey:
				id.TargetID = value
			default:
				if id.Attributes == nil {
					id.Attributes = make(map[string]string)
				}
				id.Attributes[key] = value
			}
			continue
		}
		switch {
		case strings.HasPrefix(seg, utterancePrefix):
			id.UtteranceID = seg
		case strings.HasPrefix(seg, participantPrefix):
			id.ParticipantID = seg
		}
	}
	return id, nil
}

// labeled reports segments recognized by their key or prefix, which are
// never read as the interval.
func labeled(seg string) bool {
	return strings.Contains(seg, "=") ||
		strings.HasPrefix(seg, participantPrefix) ||
		strings.HasPrefix(seg, utterancePrefix)
}

func parseOffset(s string) *float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return nil
	}
	return &f
}
