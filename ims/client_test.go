package ims

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"imshelper/pkg/s3"
)

const testBucket = "boot-images"

// fakeStore is an in-memory ObjectStore.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]fakeObject // bucket/key
	uploads []string
	failKey string // uploads whose key contains this fail
}

type fakeObject struct {
	data     []byte
	metadata map[string]string
	etag     string
}

func newFakeStore() *fakeStore {
	return &fakeStore{objects: map[string]fakeObject{}}
}

func (f *fakeStore) Upload(_ context.Context, bucket, key, path string, metadata map[string]string) (string, error) {
	if f.failKey != "" && strings.Contains(key, f.failKey) {
		return "", errors.New("injected upload failure")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := md5.Sum(data)
	etag := hex.EncodeToString(sum[:])

	meta := map[string]string{}
	for k, v := range metadata {
		meta[k] = v
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[bucket+"/"+key] = fakeObject{data: data, metadata: meta, etag: etag}
	f.uploads = append(f.uploads, key)
	return etag, nil
}

func (f *fakeStore) Head(_ context.Context, bucket, key string) (*s3.HeadInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("not found: %s/%s", bucket, key)
	}
	return &s3.HeadInfo{ETag: obj.etag, Size: int64(len(obj.data)), Metadata: obj.metadata}, nil
}

func (f *fakeStore) Get(_ context.Context, bucket, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("not found: %s/%s", bucket, key)
	}
	return obj.data, nil
}

func (f *fakeStore) DeletePrefix(_ context.Context, bucket, prefix string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for k := range f.objects {
		if strings.HasPrefix(k, bucket+"/"+prefix) {
			delete(f.objects, k)
		}
	}
	return nil
}

func (f *fakeStore) keys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		keys = append(keys, k)
	}
	return keys
}

// fakeIMS is an in-memory rendition of the record API.
type fakeIMS struct {
	mu       sync.Mutex
	images   map[string]ImageRecord
	recipes  map[string]RecipeRecord
	jobs     map[string]JobRecord
	requests []string
}

func newFakeIMS() *fakeIMS {
	return &fakeIMS{
		images:  map[string]ImageRecord{},
		recipes: map[string]RecipeRecord{},
		jobs:    map[string]JobRecord{},
	}
}

func (f *fakeIMS) handler() http.Handler {
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			f.mu.Lock()
			f.requests = append(f.requests, req.Method+" "+req.URL.Path)
			f.mu.Unlock()
			next.ServeHTTP(w, req)
		})
	})

	r.Get("/images", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]ImageRecord, 0, len(f.images))
		for _, img := range f.images {
			out = append(out, img)
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Post("/images", func(w http.ResponseWriter, req *http.Request) {
		var body struct {
			Name string `json:"name"`
		}
		_ = json.NewDecoder(req.Body).Decode(&body)
		record := ImageRecord{ID: uuid.NewString(), Name: body.Name}
		f.mu.Lock()
		f.images[record.ID] = record
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, record)
	})
	r.Get("/images/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		f.mu.Lock()
		defer f.mu.Unlock()
		record, ok := f.images[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found", "detail": "no image " + id})
			return
		}
		writeJSON(w, http.StatusOK, record)
	})
	r.Patch("/images/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		var patch struct {
			Link *ArtifactLink `json:"link"`
		}
		_ = json.NewDecoder(req.Body).Decode(&patch)
		f.mu.Lock()
		defer f.mu.Unlock()
		record, ok := f.images[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found", "detail": "no image " + id})
			return
		}
		record.Link = patch.Link
		f.images[id] = record
		writeJSON(w, http.StatusOK, record)
	})
	r.Delete("/images/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		f.mu.Lock()
		defer f.mu.Unlock()
		if _, ok := f.images[id]; !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found", "detail": "no image " + id})
			return
		}
		delete(f.images, id)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/recipes", func(w http.ResponseWriter, req *http.Request) {
		f.mu.Lock()
		defer f.mu.Unlock()
		out := make([]RecipeRecord, 0, len(f.recipes))
		for _, rec := range f.recipes {
			out = append(out, rec)
		}
		writeJSON(w, http.StatusOK, out)
	})
	r.Post("/recipes", func(w http.ResponseWriter, req *http.Request) {
		var record RecipeRecord
		_ = json.NewDecoder(req.Body).Decode(&record)
		record.ID = uuid.NewString()
		f.mu.Lock()
		f.recipes[record.ID] = record
		f.mu.Unlock()
		writeJSON(w, http.StatusCreated, record)
	})
	r.Get("/recipes/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		f.mu.Lock()
		defer f.mu.Unlock()
		record, ok := f.recipes[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found", "detail": "no recipe " + id})
			return
		}
		writeJSON(w, http.StatusOK, record)
	})
	r.Patch("/recipes/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		var patch struct {
			Link *ArtifactLink `json:"link"`
		}
		_ = json.NewDecoder(req.Body).Decode(&patch)
		f.mu.Lock()
		defer f.mu.Unlock()
		record, ok := f.recipes[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found", "detail": "no recipe " + id})
			return
		}
		record.Link = patch.Link
		f.recipes[id] = record
		writeJSON(w, http.StatusOK, record)
	})
	r.Delete("/recipes/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.recipes, id)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Patch("/jobs/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := chi.URLParam(req, "id")
		var patch struct {
			Status           *string `json:"status"`
			ResultantImageID *string `json:"resultant_image_id"`
		}
		_ = json.NewDecoder(req.Body).Decode(&patch)
		f.mu.Lock()
		defer f.mu.Unlock()
		record, ok := f.jobs[id]
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"title": "Not Found", "detail": "no job " + id})
			return
		}
		if patch.Status != nil {
			record.Status = *patch.Status
		}
		if patch.ResultantImageID != nil {
			record.ResultantImageID = *patch.ResultantImageID
		}
		f.jobs[id] = record
		writeJSON(w, http.StatusOK, record)
	})

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, url string, store ObjectStore) *Client {
	t.Helper()
	log := logrus.New()
	log.SetOutput(io.Discard)
	client, err := New(Config{
		URL:        url,
		HTTPClient: http.DefaultClient,
		Store:      store,
		Bucket:     testBucket,
		Logger:     log,
	})
	require.NoError(t, err)
	return client
}

func writeArtifact(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func md5String(content string) string {
	sum := md5.Sum([]byte(content))
	return hex.EncodeToString(sum[:])
}

func TestUploadImageArtifactsFullFlow(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	jobID := uuid.NewString()
	api.jobs[jobID] = JobRecord{ID: jobID, Status: "packaging_artifacts"}

	dir := t.TempDir()
	set := ArtifactSet{
		RootFS: writeArtifact(t, dir, "rootfs.sqsh", "squashfs-bytes"),
		Kernel: writeArtifact(t, dir, "vmlinuz", "kernel-bytes"),
		Initrd: writeArtifact(t, dir, "initrd", "initrd-bytes"),
	}

	result, err := client.UploadImageArtifacts(context.Background(), "sles15-barebones", jobID, set)
	require.NoError(t, err)
	require.NotNil(t, result.ImageRecord)

	assert.Equal(t, StatusSuccess, result.Status)
	assert.Equal(t, "sles15-barebones", result.ImageRecord.Name)

	imageID := result.ImageRecord.ID
	require.NotEmpty(t, imageID)

	// Three artifacts plus the manifest, all keyed under the image id.
	assert.Len(t, result.ImageArtifacts, 4)
	assert.Len(t, store.keys(), 4)
	for _, key := range store.keys() {
		assert.True(t, strings.HasPrefix(key, testBucket+"/"+imageID+"/"), key)
	}

	// The record link points at the manifest.
	require.NotNil(t, result.ImageRecord.Link)
	assert.Equal(t, s3.URL(testBucket, imageID+"/manifest.json"), result.ImageRecord.Link.Path)
	assert.Equal(t, "s3", result.ImageRecord.Link.Type)

	// Manifest carries the right schema, types and digests.
	data, err := store.Get(context.Background(), testBucket, imageID+"/manifest.json")
	require.NoError(t, err)
	var manifest Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, ManifestVersion, manifest.Version)
	require.Len(t, manifest.Artifacts, 3)

	byType := map[string]ManifestEntry{}
	for _, entry := range manifest.Artifacts {
		byType[entry.Type] = entry
	}
	assert.Equal(t, md5String("squashfs-bytes"), byType[TypeRootFS].MD5)
	assert.Equal(t, md5String("kernel-bytes"), byType[TypeKernel].MD5)
	assert.Equal(t, md5String("initrd-bytes"), byType[TypeInitrd].MD5)
	assert.Equal(t, s3.URL(testBucket, imageID+"/rootfs"), byType[TypeRootFS].Link.Path)

	// Uploaded objects carry the digest and provenance metadata.
	info, err := store.Head(context.Background(), testBucket, imageID+"/kernel")
	require.NoError(t, err)
	assert.Equal(t, md5String("kernel-bytes"), info.Metadata[s3.MetadataMD5Sum])
	assert.Equal(t, imageID, info.Metadata["x-shasta-ims-image-id"])
	assert.Equal(t, "sles15-barebones", info.Metadata["x-shasta-ims-image-name"])
	assert.Equal(t, jobID, info.Metadata["x-shasta-ims-job-id"])

	// The job now points at the resultant image.
	require.NotNil(t, result.JobRecord)
	assert.Equal(t, imageID, result.JobRecord.ResultantImageID)

	// Envelope keys are fixed.
	payload, err := json.Marshal(result)
	require.NoError(t, err)
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Contains(t, envelope, "result")
	assert.Contains(t, envelope, "ims_image_record")
	assert.Contains(t, envelope, "ims_image_artifacts")
	assert.Contains(t, envelope, "ims_job_record")
}

func TestUploadImageArtifactsMissingFileFailsEarly(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	set := ArtifactSet{Kernel: filepath.Join(t.TempDir(), "missing")}
	_, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)

	assert.Empty(t, api.requests, "no record calls before local files are read")
	assert.Empty(t, store.keys())
}

func TestUploadImageArtifactsRollbackOnUploadFailure(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	store.failKey = "initrd"
	client := newTestClient(t, srv.URL, store)

	dir := t.TempDir()
	set := ArtifactSet{
		RootFS: writeArtifact(t, dir, "rootfs.sqsh", "squashfs-bytes"),
		Initrd: writeArtifact(t, dir, "initrd", "initrd-bytes"),
	}

	_, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "injected upload failure")

	assert.Empty(t, api.images, "image record removed on rollback")
	assert.Empty(t, store.keys(), "partial uploads removed on rollback")
}

func TestUploadImageArtifactsSkipsUnchanged(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	dir := t.TempDir()
	set := ArtifactSet{
		Kernel: writeArtifact(t, dir, "vmlinuz", "kernel-bytes"),
		Initrd: writeArtifact(t, dir, "initrd", "initrd-bytes"),
	}

	first, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.NoError(t, err)
	uploadsAfterFirst := len(store.uploads)

	second, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.NoError(t, err)

	assert.Equal(t, first.ImageRecord.ID, second.ImageRecord.ID, "existing record reused")
	assert.Len(t, api.images, 1)
	assert.Equal(t, uploadsAfterFirst, len(store.uploads), "no re-upload when digests match")
	assert.NotEmpty(t, second.ImageArtifacts)
}

func TestUploadImageArtifactsReuploadsChanged(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	dir := t.TempDir()
	kernel := writeArtifact(t, dir, "vmlinuz", "kernel-v1")
	set := ArtifactSet{Kernel: kernel}

	first, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(kernel, []byte("kernel-v2"), 0o644))

	second, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.NoError(t, err)

	assert.NotEqual(t, first.ImageRecord.ID, second.ImageRecord.ID, "changed content registers a new image")
	assert.Len(t, api.images, 2)
}

func TestUploadRecipeCreatesRecordAndLink(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	path := writeArtifact(t, t.TempDir(), "recipe.tar.gz", "recipe-bytes")
	record, err := client.UploadRecipe(context.Background(), RecipeUploadRequest{
		Name: "barebones",
		Path: path,
		TemplateDictionary: []TemplateKV{
			{Key: "CSM_RELEASE_VERSION", Value: "1.6"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "barebones", record.Name)
	assert.Equal(t, "kiwi-ng", record.RecipeType)
	assert.Equal(t, "sles15", record.LinuxDistribution)
	require.NotNil(t, record.Link)
	assert.Equal(t, s3.URL(testBucket, "recipes/"+record.ID+"/recipe.tar.gz"), record.Link.Path)

	info, err := store.Head(context.Background(), testBucket, "recipes/"+record.ID+"/recipe.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, md5String("recipe-bytes"), info.Metadata[s3.MetadataMD5Sum])
}

func TestUploadRecipeIdempotent(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	path := writeArtifact(t, t.TempDir(), "recipe.tar.gz", "recipe-bytes")
	req := RecipeUploadRequest{Name: "barebones", Path: path}

	first, err := client.UploadRecipe(context.Background(), req)
	require.NoError(t, err)
	uploadsAfterFirst := len(store.uploads)

	second, err := client.UploadRecipe(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, api.recipes, 1)
	assert.Equal(t, uploadsAfterFirst, len(store.uploads), "matching digest skips the upload")
}

func TestUploadRecipeReuploadsChangedArchive(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	path := writeArtifact(t, t.TempDir(), "recipe.tar.gz", "recipe-v1")
	req := RecipeUploadRequest{Name: "barebones", Path: path}

	first, err := client.UploadRecipe(context.Background(), req)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("recipe-v2"), 0o644))

	second, err := client.UploadRecipe(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "record survives a content change")
	assert.NotEqual(t, first.Link.ETag, second.Link.ETag, "link refreshed for the new archive")

	data, err := store.Get(context.Background(), testBucket, "recipes/"+first.ID+"/recipe.tar.gz")
	require.NoError(t, err)
	assert.Equal(t, "recipe-v2", string(data))
}

func TestUploadRecipeRollsBackNewRecord(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	store.failKey = "recipe.tar.gz"
	client := newTestClient(t, srv.URL, store)

	path := writeArtifact(t, t.TempDir(), "recipe.tar.gz", "recipe-bytes")
	_, err := client.UploadRecipe(context.Background(), RecipeUploadRequest{Name: "barebones", Path: path})
	require.Error(t, err)

	assert.Empty(t, api.recipes, "record created for this upload is removed on failure")
}

func TestGetImage(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	set := ArtifactSet{Kernel: writeArtifact(t, t.TempDir(), "vmlinuz", "kernel-bytes")}
	uploaded, err := client.UploadImageArtifacts(context.Background(), "img", "", set)
	require.NoError(t, err)

	record, err := client.GetImage(context.Background(), uploaded.ImageRecord.ID)
	require.NoError(t, err)
	assert.Equal(t, "img", record.Name)
	require.NotNil(t, record.Link)
	assert.Equal(t, uploaded.ImageRecord.Link.Path, record.Link.Path)

	_, err = client.GetImage(context.Background(), uuid.NewString())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestGetRecipe(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	store := newFakeStore()
	client := newTestClient(t, srv.URL, store)

	path := writeArtifact(t, t.TempDir(), "recipe.tar.gz", "recipe-bytes")
	uploaded, err := client.UploadRecipe(context.Background(), RecipeUploadRequest{Name: "barebones", Path: path})
	require.NoError(t, err)

	record, err := client.GetRecipe(context.Background(), uploaded.ID)
	require.NoError(t, err)
	assert.Equal(t, "barebones", record.Name)
	require.NotNil(t, record.Link)
	assert.Equal(t, uploaded.Link.Path, record.Link.Path)

	_, err = client.GetRecipe(context.Background(), uuid.NewString())
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
}

func TestSetJobStatus(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, newFakeStore())

	jobID := uuid.NewString()
	api.jobs[jobID] = JobRecord{ID: jobID, Status: "building_image"}

	result, err := client.SetJobStatus(context.Background(), jobID, "packaging_artifacts")
	require.NoError(t, err)

	assert.Equal(t, StatusSuccess, result.Status)
	require.NotNil(t, result.JobRecord)
	assert.Equal(t, "packaging_artifacts", result.JobRecord.Status)

	payload, err := json.Marshal(result)
	require.NoError(t, err)
	var envelope map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(payload, &envelope))
	assert.Contains(t, envelope, "result")
	assert.Contains(t, envelope, "ims_job_record")
	assert.NotContains(t, envelope, "ims_image_record")
}

func TestAPIErrorSurfacesProblemBody(t *testing.T) {
	api := newFakeIMS()
	srv := httptest.NewServer(api.handler())
	defer srv.Close()

	client := newTestClient(t, srv.URL, newFakeStore())

	_, err := client.SetJobStatus(context.Background(), uuid.NewString(), "error")
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "Not Found", apiErr.Title)
	assert.Contains(t, apiErr.Detail, "no job")
}
