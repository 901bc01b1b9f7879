package ims

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"imshelper/pkg/s3"
)

// ArtifactSet names the local files to register for an image. Empty fields
// are skipped.
type ArtifactSet struct {
	RootFS         string
	Kernel         string
	Initrd         string
	DebugKernel    string
	BootParameters string
}

type artifactFile struct {
	kind string
	mime string
	path string
	md5  string
}

func (s ArtifactSet) files() []artifactFile {
	var files []artifactFile
	add := func(kind, mime, path string) {
		if path != "" {
			files = append(files, artifactFile{kind: kind, mime: mime, path: path})
		}
	}
	add("rootfs", TypeRootFS, s.RootFS)
	add("kernel", TypeKernel, s.Kernel)
	add("initrd", TypeInitrd, s.Initrd)
	add("debug_kernel", TypeDebugKernel, s.DebugKernel)
	add("boot_parameters", TypeBootParameters, s.BootParameters)
	return files
}

// UploadImageArtifacts registers the artifact files with the image service:
// it creates an image record, uploads each artifact plus a manifest.json
// under the image id, links the manifest to the record and, when jobID is
// set, points the job at the resultant image.
//
// If an image of the same name already exists and the stored manifest
// carries identical md5 digests for every candidate artifact, the upload is
// skipped and the existing record returned.
//
// On an upload failure the image record and any objects already written
// under the image id are removed before the error is returned.
func (c *Client) UploadImageArtifacts(ctx context.Context, imageName, jobID string, set ArtifactSet) (*Result, error) {
	files := set.files()

	// Digests are computed up front so a missing local file fails before
	// any record or object is created.
	for i := range files {
		sum, err := s3.MD5File(files[i].path)
		if err != nil {
			return nil, err
		}
		files[i].md5 = sum
	}

	if existing, entries, err := c.findUnchangedImage(ctx, imageName, files); err != nil {
		return nil, err
	} else if existing != nil {
		c.log.WithFields(logrus.Fields{"image": imageName, "id": existing.ID}).
			Info("image already registered with matching checksums; skipping upload")
		result := &Result{Status: StatusSuccess, ImageRecord: existing, ImageArtifacts: entries}
		if jobID != "" {
			job, err := c.patchJobResultantImage(ctx, jobID, existing.ID)
			if err != nil {
				return nil, err
			}
			result.JobRecord = job
		}
		return result, nil
	}

	record, err := c.createImage(ctx, imageName)
	if err != nil {
		return nil, err
	}

	rollback := func() {
		// Best effort; the original error is what the caller needs.
		if err := c.deleteImage(ctx, record.ID); err != nil {
			c.log.WithError(err).Warn("rollback: delete image record failed")
		}
		if err := c.store.DeletePrefix(ctx, c.bucket, record.ID+"/"); err != nil {
			c.log.WithError(err).Warn("rollback: delete uploaded artifacts failed")
		}
	}

	c.log.WithFields(logrus.Fields{"image": imageName, "id": record.ID, "count": len(files)}).
		Info("uploading image artifacts")

	entries := make([]ManifestEntry, 0, len(files)+1)
	for _, f := range files {
		entry, err := c.uploadArtifact(ctx, f.mime, record.ID+"/"+f.kind, f.path, f.md5, imageMetadata(record.ID, imageName, jobID))
		if err != nil {
			c.log.WithError(err).WithField("artifact", f.kind).Error("artifact upload failed; rolling back image")
			rollback()
			return nil, err
		}
		entries = append(entries, entry)
	}

	manifestEntry, err := c.uploadManifest(ctx, record.ID, entries)
	if err != nil {
		c.log.WithError(err).Error("manifest upload failed; rolling back image")
		rollback()
		return nil, err
	}

	record, err = c.patchImage(ctx, record.ID, map[string]any{"link": manifestEntry.Link})
	if err != nil {
		return nil, err
	}

	result := &Result{
		Status:         StatusSuccess,
		ImageRecord:    record,
		ImageArtifacts: append(entries, manifestEntry),
	}

	if jobID != "" {
		job, err := c.patchJobResultantImage(ctx, jobID, record.ID)
		if err != nil {
			return nil, err
		}
		result.JobRecord = job
	}

	return result, nil
}

func imageMetadata(imageID, imageName, jobID string) map[string]string {
	meta := map[string]string{}
	if imageID != "" {
		meta["x-shasta-ims-image-id"] = imageID
	}
	if imageName != "" {
		meta["x-shasta-ims-image-name"] = imageName
	}
	if jobID != "" {
		meta["x-shasta-ims-job-id"] = jobID
	}
	return meta
}

// uploadArtifact pushes one file into the artifact bucket and returns its
// manifest entry.
func (c *Client) uploadArtifact(ctx context.Context, mimeType, key, path, md5sum string, extra map[string]string) (ManifestEntry, error) {
	metadata := map[string]string{s3.MetadataMD5Sum: md5sum}
	for k, v := range extra {
		metadata[k] = v
	}

	c.log.WithFields(logrus.Fields{"key": key, "type": mimeType}).Debug("uploading artifact")

	etag, err := c.store.Upload(ctx, c.bucket, key, path, metadata)
	if err != nil {
		return ManifestEntry{}, err
	}

	return ManifestEntry{
		Link: ArtifactLink{
			Path: s3.URL(c.bucket, key),
			ETag: etag,
			Type: "s3",
		},
		Type: mimeType,
		MD5:  md5sum,
	}, nil
}

func (c *Client) uploadManifest(ctx context.Context, imageID string, entries []ManifestEntry) (ManifestEntry, error) {
	manifest := Manifest{
		Version:   ManifestVersion,
		Created:   time.Now().UTC().Format(time.RFC3339),
		Artifacts: entries,
	}

	data, err := json.MarshalIndent(manifest, "", "    ")
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("marshal manifest: %w", err)
	}

	tmp, err := os.CreateTemp("", "ims-manifest-*.json")
	if err != nil {
		return ManifestEntry{}, fmt.Errorf("create manifest temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return ManifestEntry{}, fmt.Errorf("write manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return ManifestEntry{}, fmt.Errorf("close manifest: %w", err)
	}

	sum, err := s3.MD5File(tmp.Name())
	if err != nil {
		return ManifestEntry{}, err
	}

	return c.uploadArtifact(ctx, TypeManifest, imageID+"/"+manifestFileName, tmp.Name(), sum, nil)
}

const manifestFileName = "manifest.json"

// findUnchangedImage returns the existing image of the same name when its
// stored manifest matches the digests of every candidate file.
func (c *Client) findUnchangedImage(ctx context.Context, name string, files []artifactFile) (*ImageRecord, []ManifestEntry, error) {
	if len(files) == 0 {
		return nil, nil, nil
	}

	images, err := c.listImages(ctx)
	if err != nil {
		return nil, nil, err
	}

	for i := range images {
		img := &images[i]
		if img.Name != name || img.Link == nil {
			continue
		}

		manifest, err := c.readManifest(ctx, img.Link.Path)
		if err != nil {
			c.log.WithError(err).WithField("image", name).
				Debug("existing image manifest unreadable; treating image as changed")
			return nil, nil, nil
		}

		if manifestMatches(manifest, files) {
			return img, manifest.Artifacts, nil
		}
		return nil, nil, nil
	}
	return nil, nil, nil
}

func (c *Client) readManifest(ctx context.Context, link string) (*Manifest, error) {
	bucket, key, err := s3.ParseURL(link)
	if err != nil {
		return nil, err
	}
	data, err := c.store.Get(ctx, bucket, key)
	if err != nil {
		return nil, err
	}
	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("unmarshal manifest %s: %w", link, err)
	}
	return &manifest, nil
}

func manifestMatches(manifest *Manifest, files []artifactFile) bool {
	byType := make(map[string]string, len(manifest.Artifacts))
	for _, entry := range manifest.Artifacts {
		byType[entry.Type] = entry.MD5
	}
	for _, f := range files {
		if byType[f.mime] != f.md5 {
			return false
		}
	}
	return true
}

// GetImage fetches a single image record by id.
func (c *Client) GetImage(ctx context.Context, id string) (*ImageRecord, error) {
	var record ImageRecord
	if err := c.do(ctx, http.MethodGet, "/images/"+id, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) listImages(ctx context.Context) ([]ImageRecord, error) {
	var images []ImageRecord
	if err := c.do(ctx, http.MethodGet, "/images", nil, &images); err != nil {
		return nil, err
	}
	return images, nil
}

func (c *Client) createImage(ctx context.Context, name string) (*ImageRecord, error) {
	c.log.WithField("name", name).Info("creating image record")
	var record ImageRecord
	if err := c.do(ctx, http.MethodPost, "/images", map[string]any{"name": name}, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) patchImage(ctx context.Context, id string, patch map[string]any) (*ImageRecord, error) {
	c.log.WithFields(logrus.Fields{"id": id}).Info("patching image record")
	var record ImageRecord
	if err := c.do(ctx, http.MethodPatch, "/images/"+id, patch, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) deleteImage(ctx context.Context, id string) error {
	c.log.WithField("id", id).Info("deleting image record")
	return c.do(ctx, http.MethodDelete, "/images/"+id, nil, nil)
}
