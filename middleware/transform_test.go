package middleware

import (
	"testing"

	"github.com/aurabox/harmony/envelope"
	"github.com/stretchr/testify/require"
)

var reshapeSpec = `[{"operation":"shift","spec":{"data.name":"name","data.account":"account"}}]`

func TestTransformReshapesAndSnapshots(t *testing.T) {
	var mw, err = newTransform("reshape", map[string]any{"spec": reshapeSpec}, nil)
	require.NoError(t, err)

	var body = []byte(`{"id":1,"name":"John Smith","account":{"id":1000,"type":"Checking"}}`)
	var req = envelope.NewRequest(envelope.NewRequestDetails(), body).ToJSON()
	req, err = mw.Left(req)
	require.NoError(t, err)

	require.Equal(t, map[string]any{
		"data": map[string]any{
			"name": "John Smith",
			"account": map[string]any{
				"id":   float64(1000),
				"type": "Checking",
			},
		},
	}, req.NormalizedData)

	// The first mutation records the pre-transform value.
	require.Equal(t, map[string]any{
		"id":   float64(1),
		"name": "John Smith",
		"account": map[string]any{
			"id":   float64(1000),
			"type": "Checking",
		},
	}, req.NormalizedSnapshot)
}

func TestTransformPreservesFirstSnapshot(t *testing.T) {
	var mw, err = newTransform("reshape", map[string]any{"spec": reshapeSpec}, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.NormalizedData = map[string]any{"name": "a", "account": "b"}
	req.NormalizedSnapshot = map[string]any{"earlier": true}

	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"earlier": true}, req.NormalizedSnapshot)
}

func TestTransformDirectionRight(t *testing.T) {
	var mw, err = newTransform("reshape", map[string]any{
		"spec":      reshapeSpec,
		"direction": "right",
	}, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req.NormalizedData = map[string]any{"name": "a"}
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Equal(t, map[string]any{"name": "a"}, req.NormalizedData)

	resp := testResponse(t, []byte(`{"name":"a","account":"b"}`))
	resp, err = mw.Right(resp)
	require.NoError(t, err)
	require.Equal(t, map[string]any{
		"data": map[string]any{"name": "a", "account": "b"},
	}, resp.NormalizedData)
}

func TestTransformRejectsBadOptions(t *testing.T) {
	var _, err = newTransform("bad", map[string]any{}, nil)
	require.Error(t, err)

	_, err = newTransform("bad", map[string]any{"spec": reshapeSpec, "direction": "sideways"}, nil)
	require.Error(t, err)

	_, err = newTransform("bad", map[string]any{"spec": "not json"}, nil)
	require.Error(t, err)
}

func TestTransformNilValueIsNoop(t *testing.T) {
	var mw, err = newTransform("reshape", map[string]any{"spec": reshapeSpec}, nil)
	require.NoError(t, err)

	var req = envelope.NewRequest(envelope.NewRequestDetails(), nil).ToJSON()
	req, err = mw.Left(req)
	require.NoError(t, err)
	require.Nil(t, req.NormalizedData)
	require.Nil(t, req.NormalizedSnapshot)
}
