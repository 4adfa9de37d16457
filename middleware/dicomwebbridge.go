package middleware

import (
	"bytes"
	"fmt"
	"mime/multipart"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/aurabox/harmony/envelope"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// dicomwebBridge translates DICOMweb requests into DIMSE operations and
// the DIMSE results back into DICOMweb response shapes. On the left it
// recognizes the QIDO and WADO sub-paths, builds the DICOM JSON
// identifier, and tags the envelope with the dimse_op for the DICOM
// backend. On the right it renders the backend's operation result as the
// QIDO array, WADO metadata array, or WADO multipart body.
type dicomwebBridge struct {
	base
}

func newDicomWebBridge(name string, _ map[string]any, _ *config.Config) (Middleware, error) {
	logInstance("dicomweb_bridge", name)
	return &dicomwebBridge{base{name: name}}, nil
}

// QIDO/WADO query parameter keywords mapped to their tags.
var keywordTags = map[string]string{
	"PatientID":         dicomjson.TagPatientID,
	"PatientName":       dicomjson.TagPatientName,
	"StudyDate":         dicomjson.TagStudyDate,
	"AccessionNumber":   dicomjson.TagAccessionNumber,
	"ModalitiesInStudy": dicomjson.TagModalitiesInStudy,
	"StudyDescription":  dicomjson.TagStudyDescription,
	"StudyInstanceUID":  dicomjson.TagStudyInstanceUID,
	"SeriesInstanceUID": dicomjson.TagSeriesInstanceUID,
	"Modality":          dicomjson.TagModality,
	"SeriesDescription": dicomjson.TagSeriesDescription,
	"SeriesNumber":      dicomjson.TagSeriesNumber,
	"SOPInstanceUID":    dicomjson.TagSOPInstanceUID,
	"SOPClassUID":       dicomjson.TagSOPClassUID,
	"InstanceNumber":    dicomjson.TagInstanceNumber,
}

// dicomwebTarget is the parsed shape of a DICOMweb sub-path.
type dicomwebTarget struct {
	operation string // qido, wado_metadata, wado_instance, wado_frames, wado_bulkdata
	level     string // STUDY, SERIES, IMAGE
	study     string
	series    string
	instance  string
	frames    []int
}

// parseDicomwebPath recognizes the PS3.18 resource paths relative to the
// service prefix.
func parseDicomwebPath(path string) (*dicomwebTarget, bool) {
	var segments []string
	for _, s := range strings.Split(strings.Trim(path, "/"), "/") {
		if s != "" {
			segments = append(segments, s)
		}
	}
	if len(segments) == 0 || segments[0] != "studies" {
		return nil, false
	}

	var t = &dicomwebTarget{operation: "qido", level: "STUDY"}
	var i = 1
	if i < len(segments) && segments[i] != "series" && segments[i] != "metadata" {
		t.study = segments[i]
		t.operation = "wado_instance"
		i++
	}
	for i < len(segments) {
		switch segments[i] {
		case "metadata":
			t.operation = "wado_metadata"
			i++
		case "series":
			t.level = "SERIES"
			t.operation = "qido"
			i++
			if i < len(segments) && segments[i] != "instances" && segments[i] != "metadata" {
				t.series = segments[i]
				t.operation = "wado_instance"
				i++
			}
		case "instances":
			t.level = "IMAGE"
			t.operation = "qido"
			i++
			if i < len(segments) && segments[i] != "metadata" && segments[i] != "frames" && segments[i] != "bulkdata" {
				t.instance = segments[i]
				t.operation = "wado_instance"
				i++
			}
		case "frames":
			t.operation = "wado_frames"
			i++
			if i < len(segments) {
				for _, f := range strings.Split(segments[i], ",") {
					if n, err := strconv.Atoi(f); err == nil {
						t.frames = append(t.frames, n)
					}
				}
				i++
			}
		case "bulkdata":
			t.operation = "wado_bulkdata"
			i = len(segments)
		default:
			i++
		}
	}
	return t, true
}

func (b *dicomwebBridge) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	var target, ok = parseDicomwebPath(req.Meta("path"))
	if !ok {
		return req, nil
	}

	var id = dicomjson.NewIdentifier()
	var params = make(map[string]string)
	var matchTypes = make(map[string]string)
	var maxResults = 0

	if target.study != "" {
		params[dicomjson.TagStudyInstanceUID] = target.study
	}
	if target.series != "" {
		params[dicomjson.TagSeriesInstanceUID] = target.series
	}
	if target.instance != "" {
		params[dicomjson.TagSOPInstanceUID] = target.instance
	}

	for key, values := range req.RequestDetails.QueryParams {
		if len(values) == 0 {
			continue
		}
		switch key {
		case "limit":
			if n, err := strconv.Atoi(values[0]); err == nil {
				maxResults = n
			}
		case "offset", "fuzzymatching":
			// Recognized but not forwarded to the identifier.
		case "includefield":
			for _, field := range values {
				if tag, known := keywordTags[field]; known {
					id.SetReturnKey(tag)
				} else {
					id.SetReturnKey(field)
				}
			}
		default:
			var tag = key
			if mapped, known := keywordTags[key]; known {
				tag = mapped
			}
			params[tag] = values[0]
		}
	}

	for tag, value := range params {
		id.Set(tag, value)
		matchTypes[tag] = dicomjson.ClassifyMatch(value)
	}
	for _, tag := range dicomjson.DefaultReturnKeys(target.level) {
		id.SetReturnKey(tag)
	}

	var op = "find"
	if target.operation != "qido" {
		op = "get"
	}

	req.NormalizedData = map[string]any{
		"query_level": target.level,
		"params":      anyMap(params),
		"match_types": anyMap(matchTypes),
		"max_results": maxResults,
		"identifier":  id,
	}
	req.SetMeta("dimse_op", op)
	req.SetMeta("dicomweb_operation", target.operation)
	req.SetMeta("dicomweb_level", target.level)
	// Clear any skeleton response an earlier stage may have left.
	delete(req.RequestDetails.Metadata, "response_status")
	delete(req.RequestDetails.Metadata, "response_body")

	log.WithFields(log.Fields{
		"operation": target.operation,
		"level":     target.level,
		"dimse_op":  op,
	}).Debug("bridged DICOMweb request to DIMSE")
	return req, nil
}

func (b *dicomwebBridge) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	var operation = resp.Meta("dicomweb_operation")
	if operation == "" {
		return resp, nil
	}

	var result, _ = resp.OriginalData.(map[string]any)
	switch operation {
	case "qido":
		return b.rightQIDO(resp, result)
	case "wado_metadata":
		return b.rightMetadata(resp, result)
	case "wado_instance", "wado_bulkdata":
		return b.rightMultipart(resp, result)
	case "wado_frames":
		return b.rightFrames(resp, result)
	}
	return resp, nil
}

// rightQIDO emits the application/dicom+json match array; an empty match
// list answers 204.
func (b *dicomwebBridge) rightQIDO(resp *envelope.JSONResponse, result map[string]any) (*envelope.JSONResponse, error) {
	var matches = matchList(result)
	if len(matches) == 0 {
		resp.ResponseDetails.Status = 204
		resp.SetRawBody(nil)
		return resp, nil
	}
	resp.ResponseDetails.Status = 200
	resp.OriginalData = matches
	setHeader(resp, "content-type", "application/dicom+json")
	return resp, nil
}

// rightMetadata renders the WADO metadata array from the retrieved
// instances' DICOM JSON.
func (b *dicomwebBridge) rightMetadata(resp *envelope.JSONResponse, result map[string]any) (*envelope.JSONResponse, error) {
	var out []any
	for _, match := range matchList(result) {
		out = append(out, match)
	}
	if out == nil {
		if instances, ok := result["instances"].([]any); ok {
			out = instances
		}
	}
	if out == nil {
		resp.ResponseDetails.Status = 404
		resp.OriginalData = nil
		return resp, nil
	}
	resp.ResponseDetails.Status = 200
	resp.OriginalData = out
	setHeader(resp, "content-type", "application/dicom+json")
	return resp, nil
}

// rightMultipart packages the retrieved files as multipart/related with
// application/dicom parts.
func (b *dicomwebBridge) rightMultipart(resp *envelope.JSONResponse, result map[string]any) (*envelope.JSONResponse, error) {
	var folder, _ = result["folder_path"].(string)
	if folder == "" || !isSuccess(result) {
		resp.ResponseDetails.Status = 404
		resp.OriginalData = nil
		return resp, nil
	}

	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("reading retrieved folder %s: %w", folder, err)
	}

	var buf bytes.Buffer
	var writer = multipart.NewWriter(&buf)
	var boundary = uuid.NewString()
	if err = writer.SetBoundary(boundary); err != nil {
		return nil, fmt.Errorf("setting multipart boundary: %w", err)
	}

	var parts = 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		data, readErr := os.ReadFile(filepath.Join(folder, entry.Name()))
		if readErr != nil {
			return nil, fmt.Errorf("reading retrieved file %s: %w", entry.Name(), readErr)
		}
		part, partErr := writer.CreatePart(textproto.MIMEHeader{
			"Content-Type": []string{"application/dicom"},
		})
		if partErr != nil {
			return nil, fmt.Errorf("creating multipart part: %w", partErr)
		}
		if _, err = part.Write(data); err != nil {
			return nil, fmt.Errorf("writing multipart part: %w", err)
		}
		parts++
	}
	if err = writer.Close(); err != nil {
		return nil, fmt.Errorf("finalizing multipart body: %w", err)
	}
	if parts == 0 {
		resp.ResponseDetails.Status = 404
		resp.OriginalData = nil
		return resp, nil
	}

	resp.ResponseDetails.Status = 200
	resp.SetRawBody(buf.Bytes())
	setHeader(resp, "content-type",
		fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, boundary))
	return resp, nil
}

// rightFrames answers a frame request with the decoded image, negotiated
// through Accept; without a decodable frame the raw frame bytes go out
// as application/octet-stream.
func (b *dicomwebBridge) rightFrames(resp *envelope.JSONResponse, result map[string]any) (*envelope.JSONResponse, error) {
	var folder, _ = result["folder_path"].(string)
	if folder == "" || !isSuccess(result) {
		resp.ResponseDetails.Status = 404
		resp.OriginalData = nil
		return resp, nil
	}

	var accept = resp.RequestDetails.Headers["accept"]
	var body, contentType, err = renderFirstFrame(folder, accept)
	if err != nil {
		log.WithFields(log.Fields{"folder": folder, "error": err}).Warn("frame decode failed")
		resp.ResponseDetails.Status = 404
		resp.OriginalData = nil
		return resp, nil
	}
	resp.ResponseDetails.Status = 200
	resp.SetRawBody(body)
	setHeader(resp, "content-type", contentType)
	return resp, nil
}

func matchList(result map[string]any) []any {
	if result == nil {
		return nil
	}
	var matches, _ = result["matches"].([]any)
	return matches
}

func isSuccess(result map[string]any) bool {
	var ok, _ = result["success"].(bool)
	return ok
}

func setHeader(resp *envelope.JSONResponse, key, value string) {
	if resp.ResponseDetails.Headers == nil {
		resp.ResponseDetails.Headers = make(map[string]string)
	}
	resp.ResponseDetails.Headers[key] = value
}

func anyMap(m map[string]string) map[string]any {
	var out = make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
