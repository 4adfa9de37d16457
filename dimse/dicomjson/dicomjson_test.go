package dicomjson

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentifierSet(t *testing.T) {
	var id = NewIdentifier()
	id.Set(TagPatientID, "PID156695")
	id.Set(TagPatientName, "SMITH^JOHN")
	id.Set(TagStudyInstanceUID, "1.2.3")
	id.Set(TagStudyDate, "")

	require.Equal(t, Attribute{VR: "LO", Value: []any{"PID156695"}}, id[TagPatientID])
	require.Equal(t, Attribute{VR: "UI", Value: []any{"1.2.3"}}, id[TagStudyInstanceUID])
	// Empty values become return keys.
	require.Equal(t, Attribute{VR: "DA"}, id[TagStudyDate])

	// Person names take the alphabetic object form.
	var pn = id[TagPatientName]
	require.Equal(t, "PN", pn.VR)
	require.Equal(t, []any{map[string]any{"Alphabetic": "SMITH^JOHN"}}, pn.Value)

	require.Equal(t, "PID156695", id.First(TagPatientID))
	require.Equal(t, "SMITH^JOHN", id.First(TagPatientName))
	require.Equal(t, "", id.First(TagStudyDate))
	require.Equal(t, "", id.First(TagModality))
}

func TestSetReturnKeyDoesNotOverwrite(t *testing.T) {
	var id = NewIdentifier()
	id.Set(TagPatientID, "PID1")
	id.SetReturnKey(TagPatientID)
	require.Equal(t, "PID1", id.First(TagPatientID))

	id.SetReturnKey(TagModality)
	require.Equal(t, Attribute{VR: "CS"}, id[TagModality])
}

func TestIdentifierJSONShape(t *testing.T) {
	var id = NewIdentifier()
	id.Set(TagPatientID, "PID1")
	id.SetReturnKey(TagStudyInstanceUID)

	var b, err = json.Marshal(id)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"00100020": {"vr": "LO", "Value": ["PID1"]},
		"0020000D": {"vr": "UI"}
	}`, string(b))
}

func TestFirstFromRaw(t *testing.T) {
	var dataset = map[string]any{
		TagPatientID:   map[string]any{"vr": "LO", "Value": []any{"PID1"}},
		TagPatientName: map[string]any{"vr": "PN", "Value": []any{map[string]any{"Alphabetic": "DOE^JANE"}}},
		TagStudyDate:   map[string]any{"vr": "DA"},
	}
	require.Equal(t, "PID1", FirstFromRaw(dataset, TagPatientID))
	require.Equal(t, "DOE^JANE", FirstFromRaw(dataset, TagPatientName))
	require.Equal(t, "", FirstFromRaw(dataset, TagStudyDate))
	require.Equal(t, "", FirstFromRaw(dataset, TagModality))
}

func TestVRForTag(t *testing.T) {
	require.Equal(t, "PN", VRForTag(TagPatientName))
	require.Equal(t, "LO", VRForTag(TagPatientID))
	require.Equal(t, "DA", VRForTag(TagStudyDate))
	require.Equal(t, "UI", VRForTag(TagSOPClassUID))
	require.Equal(t, "CS", VRForTag(TagModalitiesInStudy))
	require.Equal(t, "IS", VRForTag(TagSeriesNumber))
	require.Equal(t, "UN", VRForTag("00081030"))
}

func TestClassifyMatch(t *testing.T) {
	require.Equal(t, MatchReturnKey, ClassifyMatch(""))
	require.Equal(t, MatchWildcard, ClassifyMatch("SM*"))
	require.Equal(t, MatchWildcard, ClassifyMatch("S?ITH"))
	require.Equal(t, MatchRange, ClassifyMatch("20240101-20240131"))
	require.Equal(t, MatchExact, ClassifyMatch("PID156695"))
}

func TestDefaultReturnKeys(t *testing.T) {
	require.Contains(t, DefaultReturnKeys("STUDY"), TagStudyInstanceUID)
	require.Contains(t, DefaultReturnKeys("STUDY"), TagPatientID)
	require.Contains(t, DefaultReturnKeys("SERIES"), TagSeriesInstanceUID)
	require.Contains(t, DefaultReturnKeys("series"), TagModality)
	require.Contains(t, DefaultReturnKeys("IMAGE"), TagSOPInstanceUID)
	require.Contains(t, DefaultReturnKeys("instance"), TagSOPClassUID)
	// Unknown levels fall back to the study keys.
	require.Contains(t, DefaultReturnKeys("other"), TagStudyInstanceUID)
}
