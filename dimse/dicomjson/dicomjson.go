// Package dicomjson builds and reads DICOM JSON Model identifiers: hex
// tag keys with VR and Value arrays, PN values in alphabetic form. It is
// the shared currency between the DICOMweb bridge, the pipeline query
// provider, and the mock PACS backend.
package dicomjson

import (
	"strings"
)

// Well-known tags.
const (
	TagSpecificCharacterSet = "00080005"
	TagSOPClassUID          = "00080016"
	TagSOPInstanceUID       = "00080018"
	TagStudyDate            = "00080020"
	TagAccessionNumber      = "00080050"
	TagQueryRetrieveLevel   = "00080052"
	TagModality             = "00080060"
	TagModalitiesInStudy    = "00080061"
	TagStudyDescription     = "00081030"
	TagSeriesDescription    = "0008103E"
	TagPatientName          = "00100010"
	TagPatientID            = "00100020"
	TagStudyInstanceUID     = "0020000D"
	TagSeriesInstanceUID    = "0020000E"
	TagSeriesNumber         = "00200011"
	TagInstanceNumber       = "00200013"
)

// Attribute is one DICOM JSON element: a VR and its Value array. An
// attribute with no Value is a return key.
type Attribute struct {
	VR    string `json:"vr"`
	Value []any  `json:"Value,omitempty"`
}

// Identifier is a DICOM JSON dataset keyed by hex tag.
type Identifier map[string]Attribute

// NewIdentifier returns an empty identifier.
func NewIdentifier() Identifier { return make(Identifier) }

// Set writes a tag value with its assigned VR; PN values take the
// alphabetic object form. Empty values become return keys.
func (id Identifier) Set(tag, value string) {
	var vr = VRForTag(tag)
	if value == "" {
		id[tag] = Attribute{VR: vr}
		return
	}
	if vr == "PN" {
		id[tag] = Attribute{VR: vr, Value: []any{map[string]any{"Alphabetic": value}}}
		return
	}
	id[tag] = Attribute{VR: vr, Value: []any{value}}
}

// SetReturnKey marks a tag as requested-but-unvalued.
func (id Identifier) SetReturnKey(tag string) {
	if _, ok := id[tag]; !ok {
		id[tag] = Attribute{VR: VRForTag(tag)}
	}
}

// First returns the first string value of a tag, unwrapping the PN
// alphabetic form.
func (id Identifier) First(tag string) string {
	var attr, ok = id[tag]
	if !ok || len(attr.Value) == 0 {
		return ""
	}
	return stringValue(attr.Value[0])
}

// FirstFromRaw reads the first value of a tag out of a generic decoded
// DICOM JSON dataset.
func FirstFromRaw(dataset map[string]any, tag string) string {
	var attr, ok = dataset[tag].(map[string]any)
	if !ok {
		return ""
	}
	var values, isList = attr["Value"].([]any)
	if !isList || len(values) == 0 {
		return ""
	}
	return stringValue(values[0])
}

func stringValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case map[string]any:
		if alpha, ok := val["Alphabetic"].(string); ok {
			return alpha
		}
	}
	return ""
}

// VRForTag assigns the value representation used when building
// identifiers: person names PN, patient id LO, dates DA, UIDs UI,
// everything else UN.
func VRForTag(tag string) string {
	switch tag {
	case TagPatientName:
		return "PN"
	case TagPatientID:
		return "LO"
	case TagStudyDate:
		return "DA"
	case TagStudyInstanceUID, TagSeriesInstanceUID, TagSOPInstanceUID, TagSOPClassUID:
		return "UI"
	case TagModality, TagModalitiesInStudy:
		return "CS"
	case TagSeriesNumber, TagInstanceNumber:
		return "IS"
	}
	return "UN"
}

// Match classification of a query value, derived from its characters.
const (
	MatchExact     = "EXACT"
	MatchWildcard  = "WILDCARD"
	MatchRange     = "RANGE"
	MatchReturnKey = "RETURN_KEY"
)

// ClassifyMatch reports how a C-FIND value matches: empty values are
// return keys, * and ? wildcards, a dash a range, all else exact.
func ClassifyMatch(value string) string {
	if value == "" {
		return MatchReturnKey
	}
	if strings.ContainsAny(value, "*?") {
		return MatchWildcard
	}
	if strings.Contains(value, "-") {
		return MatchRange
	}
	return MatchExact
}

// DefaultReturnKeys lists the attributes a QIDO query returns at each
// level when the request names no includefield.
func DefaultReturnKeys(level string) []string {
	switch strings.ToLower(level) {
	case "series":
		return []string{TagSeriesInstanceUID, TagModality, TagSeriesDescription, TagSeriesNumber}
	case "instance", "image":
		return []string{TagSOPInstanceUID, TagInstanceNumber, TagSOPClassUID}
	}
	return []string{
		TagStudyInstanceUID, TagStudyDate, TagModalitiesInStudy,
		TagPatientID, TagPatientName, TagStudyDescription, TagAccessionNumber,
	}
}
