package middleware

import (
	"testing"

	"github.com/aurabox/harmony/envelope"
	"github.com/stretchr/testify/require"
)

func TestMatchRule(t *testing.T) {
	var cases = []struct {
		rule string
		sub  string
		want bool
	}{
		{"/ImagingStudy", "/ImagingStudy", true},
		{"/ImagingStudy", "/ImagingStudy/42", true},
		{"/ImagingStudy", "/ImagingStudies", false},
		{"/Patient/*", "/Patient/1", true},
		{"/Patient/*", "/Patient/1/history", false},
		{"ImagingStudy", "/ImagingStudy", true},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, matchRule(tc.rule, tc.sub), "%s vs %s", tc.rule, tc.sub)
	}
}

func TestPathFilterRequiresRules(t *testing.T) {
	var _, err = newPathFilter("filter", nil, nil)
	require.Error(t, err)

	_, err = newPathFilter("filter", map[string]any{"rules": []any{}}, nil)
	require.Error(t, err)
}

func TestPathFilterMissSynthesizes404(t *testing.T) {
	var mw, err = newPathFilter("filter", map[string]any{"rules": []any{"/ImagingStudy"}}, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.SetMeta("path", "Patient/1")
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.True(t, req.SkipBackends())
	require.Equal(t, "404", req.Meta("response_status"))

	req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.SetMeta("path", "ImagingStudy/42")
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.False(t, req.SkipBackends())
}
