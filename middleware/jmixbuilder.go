package middleware

import (
	"fmt"
	"os"
	"strings"

	"github.com/aurabox/harmony/config"
	"github.com/aurabox/harmony/dimse/dicomjson"
	"github.com/aurabox/harmony/envelope"
	"github.com/aurabox/harmony/jmix"
	log "github.com/sirupsen/logrus"
)

// jmixBuilder serves and produces JMIX packages. On the left it answers
// requests a cached package can satisfy, short-circuiting the backend;
// cache misses proceed as a DICOM get. On the right it packages a DICOM
// retrieve result into the store, indexes it, and tags the response
// metadata for the serving endpoint.
type jmixBuilder struct {
	base
	storeRoot   string
	index       *jmix.Index
	skipHashing bool
	skipListing bool
}

func newJmixBuilder(name string, options map[string]any, cfg *config.Config) (Middleware, error) {
	var storagePath string
	if cfg != nil {
		storagePath = cfg.Storage.Path()
	}
	var storeRoot = jmix.StoreRoot(storagePath)
	if err := os.MkdirAll(storeRoot, 0o755); err != nil {
		return nil, fmt.Errorf("jmix_builder %q: creating store root: %w", name, err)
	}
	var index, err = jmix.OpenIndex(jmix.IndexPath(storeRoot))
	if err != nil {
		return nil, fmt.Errorf("jmix_builder %q: %w", name, err)
	}

	var skipHashing, _ = options["skip_hashing"].(bool)
	var skipListing, _ = options["skip_listing"].(bool)
	logInstance("jmix_builder", name)
	return &jmixBuilder{
		base:        base{name: name},
		storeRoot:   storeRoot,
		index:       index,
		skipHashing: skipHashing,
		skipListing: skipListing,
	}, nil
}

func (j *jmixBuilder) Left(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	var sub = strings.Trim(req.Meta("path"), "/")
	if !strings.HasPrefix(sub, "api/jmix") {
		return req, nil
	}
	var rest = strings.Trim(strings.TrimPrefix(sub, "api/jmix"), "/")

	switch {
	case rest == "":
		return j.leftQuery(req)
	case strings.HasSuffix(rest, "/manifest"):
		return j.leftManifest(req, strings.TrimSuffix(rest, "/manifest"))
	default:
		return j.leftZip(req, rest)
	}
}

// leftQuery answers ?studyInstanceUid= lookups: a JSON index or the
// first matching zip per Accept. With no match and a JSON Accept the
// request proceeds to the backend as a DICOM get.
func (j *jmixBuilder) leftQuery(req *envelope.JSONRequest) (*envelope.JSONRequest, error) {
	var uids = req.RequestDetails.QueryParams["studyInstanceUid"]
	if len(uids) == 0 || uids[0] == "" {
		req.SetMeta(envelope.MetaSkipBackends, "true")
		req.SetMeta("response_status", "400")
		req.SetMeta("response_body", "missing studyInstanceUid")
		return req, nil
	}
	var uid = uids[0]

	var matches, err = j.index.QueryByStudyUID(uid)
	if err != nil {
		return nil, err
	}
	var wantsZip = strings.Contains(req.RequestDetails.Headers["accept"], "application/zip")

	if len(matches) == 0 {
		if wantsZip {
			req.SetMeta(envelope.MetaSkipBackends, "true")
			req.SetMeta("response_status", "404")
			return req, nil
		}
		// Cache miss: let the pipeline retrieve the study.
		req.SetMeta("dimse_op", "get")
		req.NormalizedData = map[string]any{
			"query_level": "STUDY",
			"params":      map[string]any{dicomjson.TagStudyInstanceUID: uid},
		}
		return req, nil
	}

	if wantsZip {
		return j.serveZip(req, matches[0])
	}
	req.SetMeta(envelope.MetaSkipBackends, "true")
	req.NormalizedData = indexListing(matches)
	req.SetMeta("jmix_serving", "index")
	return req, nil
}

func (j *jmixBuilder) leftZip(req *envelope.JSONRequest, id string) (*envelope.JSONRequest, error) {
	var info, err = j.index.GetByID(id)
	if err != nil {
		return nil, err
	}
	if info == nil {
		req.SetMeta(envelope.MetaSkipBackends, "true")
		req.SetMeta("response_status", "404")
		return req, nil
	}
	return j.serveZip(req, *info)
}

func (j *jmixBuilder) leftManifest(req *envelope.JSONRequest, id string) (*envelope.JSONRequest, error) {
	var info, err = j.index.GetByID(id)
	if err != nil {
		return nil, err
	}
	req.SetMeta(envelope.MetaSkipBackends, "true")
	if info == nil {
		req.SetMeta("response_status", "404")
		return req, nil
	}
	req.SetMeta("response_file", info.ManifestPath())
	req.SetMeta("response_content_type", "application/json")
	req.SetMeta("jmix_serving", "manifest")
	return req, nil
}

func (j *jmixBuilder) serveZip(req *envelope.JSONRequest, info jmix.PackageInfo) (*envelope.JSONRequest, error) {
	req.SetMeta(envelope.MetaSkipBackends, "true")
	if _, err := os.Stat(info.ZipPath()); err != nil {
		log.WithFields(log.Fields{"id": info.ID, "error": err}).Warn("indexed package zip missing")
		req.SetMeta("response_status", "404")
		return req, nil
	}
	req.SetMeta("response_file", info.ZipPath())
	req.SetMeta("response_content_type", "application/zip")
	req.SetMeta("jmix_serving", "zip")
	return req, nil
}

func (j *jmixBuilder) Right(resp *envelope.JSONResponse) (*envelope.JSONResponse, error) {
	var result, ok = resp.OriginalData.(map[string]any)
	if !ok || !isSuccess(result) {
		return resp, nil
	}
	var operation, _ = result["operation"].(string)
	if operation != "move" && operation != "get" {
		return resp, nil
	}
	var folder, _ = result["folder_path"].(string)
	if folder == "" {
		return resp, nil
	}
	var instances, _ = result["instances"].([]any)

	built, err := jmix.Build(folder, j.storeRoot, instances, jmix.BuildOptions{
		SkipHashing: j.skipHashing,
		SkipListing: j.skipListing,
	})
	if err != nil {
		return nil, fmt.Errorf("building JMIX package: %w", err)
	}
	if err = j.index.Insert(built.Info); err != nil {
		return nil, fmt.Errorf("indexing JMIX package: %w", err)
	}
	if err = os.RemoveAll(folder); err != nil {
		log.WithFields(log.Fields{"folder": folder, "error": err}).Warn("failed to remove source folder")
	}

	resp.ResponseDetails.Metadata = ensureMap(resp.ResponseDetails.Metadata)
	resp.ResponseDetails.Metadata["jmix_id"] = built.Info.ID
	resp.ResponseDetails.Metadata["jmix_zip_ready"] = "true"
	resp.ResponseDetails.Metadata["jmix_study_uid"] = built.Info.StudyUID

	// Requests that came through the jmix endpoint get the package
	// itself: the zip when asked for, the JSON index otherwise.
	if resp.Meta("jmix_request") == "true" {
		if strings.Contains(resp.RequestDetails.Headers["accept"], "application/zip") {
			var data, readErr = os.ReadFile(built.Info.ZipPath())
			if readErr != nil {
				return nil, fmt.Errorf("reading built package zip: %w", readErr)
			}
			resp.SetRawBody(data)
			setHeader(resp, "content-type", "application/zip")
			resp.SetMeta("jmix_serving", "zip")
		} else {
			resp.OriginalData = indexListing([]jmix.PackageInfo{built.Info})
			setHeader(resp, "content-type", "application/json")
			resp.SetMeta("jmix_serving", "index")
		}
		resp.ResponseDetails.Status = 200
	}
	return resp, nil
}

func indexListing(matches []jmix.PackageInfo) map[string]any {
	var envelopes = make([]any, 0, len(matches))
	for _, info := range matches {
		envelopes = append(envelopes, map[string]any{
			"id":               info.ID,
			"path":             info.Path,
			"studyInstanceUid": info.StudyUID,
		})
	}
	return map[string]any{"jmixEnvelopes": envelopes}
}

func ensureMap(m map[string]string) map[string]string {
	if m == nil {
		return make(map[string]string)
	}
	return m
}
