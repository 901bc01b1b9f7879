package ims

import "time"

// Artifact MIME types understood by the image service. The keys under the
// image prefix are derived from these kinds.
const (
	TypeRootFS         = "application/vnd.cray.image.rootfs.squashfs"
	TypeKernel         = "application/vnd.cray.image.kernel"
	TypeInitrd         = "application/vnd.cray.image.initrd"
	TypeDebugKernel    = "application/vnd.cray.image.debug.kernel"
	TypeBootParameters = "application/vnd.cray.image.parameters.boot"
	TypeRecipe         = "application/x-compressed-tar"
	TypeManifest       = "application/json"
)

// ManifestVersion is the manifest.json schema version written next to the
// image artifacts.
const ManifestVersion = "1.0"

// ArtifactLink points a record at its object-store location.
type ArtifactLink struct {
	Path string `json:"path"`
	ETag string `json:"etag"`
	Type string `json:"type"`
}

// ManifestEntry is one artifact in the 1.0 manifest schema.
type ManifestEntry struct {
	Link ArtifactLink `json:"link"`
	Type string       `json:"type"`
	MD5  string       `json:"md5"`
}

// Manifest is the manifest.json document uploaded alongside the image
// artifacts and linked from the image record.
type Manifest struct {
	Version   string          `json:"version"`
	Created   string          `json:"created"`
	Artifacts []ManifestEntry `json:"artifacts"`
}

// ImageRecord mirrors the image resource on the service.
type ImageRecord struct {
	ID      string        `json:"id"`
	Name    string        `json:"name"`
	Created *time.Time    `json:"created,omitempty"`
	Link    *ArtifactLink `json:"link,omitempty"`
}

// TemplateKV is one entry of a recipe template dictionary.
type TemplateKV struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// RecipeRecord mirrors the recipe resource on the service.
type RecipeRecord struct {
	ID                 string        `json:"id"`
	Name               string        `json:"name"`
	RecipeType         string        `json:"recipe_type,omitempty"`
	LinuxDistribution  string        `json:"linux_distribution,omitempty"`
	TemplateDictionary []TemplateKV  `json:"template_dictionary,omitempty"`
	Created            *time.Time    `json:"created,omitempty"`
	Link               *ArtifactLink `json:"link,omitempty"`
}

// JobRecord mirrors the create/customize job resource on the service.
type JobRecord struct {
	ID                  string     `json:"id"`
	Status              string     `json:"status,omitempty"`
	JobType             string     `json:"job_type,omitempty"`
	ArtifactID          string     `json:"artifact_id,omitempty"`
	BuildEnvSize        string     `json:"build_env_size,omitempty"`
	ResultantImageID    string     `json:"resultant_image_id,omitempty"`
	KubernetesJob       string     `json:"kubernetes_job,omitempty"`
	KubernetesService   string     `json:"kubernetes_service,omitempty"`
	KubernetesConfigmap string     `json:"kubernetes_configmap,omitempty"`
	SSHPort             int        `json:"ssh_port,omitempty"`
	Created             *time.Time `json:"created,omitempty"`
}

// Result statuses used in the envelope.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Result is the fixed-key envelope returned to callers and printed by the
// CLI. ims_image_artifacts and ims_job_record appear only when applicable.
type Result struct {
	Status         string          `json:"result"`
	ImageRecord    *ImageRecord    `json:"ims_image_record,omitempty"`
	ImageArtifacts []ManifestEntry `json:"ims_image_artifacts,omitempty"`
	JobRecord      *JobRecord      `json:"ims_job_record,omitempty"`
}
