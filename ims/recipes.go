package ims

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"

	"imshelper/pkg/s3"
)

// RecipeUploadRequest describes one recipe archive to register.
type RecipeUploadRequest struct {
	// Name identifies the recipe record; uploads are idempotent per name.
	Name string

	// Path is the local recipe tarball (tar.gz of the kiwi-ng description).
	Path string

	// RecipeType defaults to "kiwi-ng".
	RecipeType string

	// LinuxDistribution defaults to "sles15".
	LinuxDistribution string

	// TemplateDictionary records the keys the builder substitutes into the
	// recipe at fetch time.
	TemplateDictionary []TemplateKV
}

const (
	defaultRecipeType   = "kiwi-ng"
	defaultRecipeDistro = "sles15"
	recipeArchiveName   = "recipe.tar.gz"
)

// UploadRecipe registers the recipe archive, creating the record when one of
// the same name does not exist. The upload is idempotent: when the stored
// object's digest matches the local archive nothing is re-uploaded, while a
// changed archive replaces the object and refreshes the record link.
//
// If a newly created record's upload fails, the record is removed so a retry
// starts clean.
func (c *Client) UploadRecipe(ctx context.Context, req RecipeUploadRequest) (*RecipeRecord, error) {
	if req.RecipeType == "" {
		req.RecipeType = defaultRecipeType
	}
	if req.LinuxDistribution == "" {
		req.LinuxDistribution = defaultRecipeDistro
	}

	md5sum, err := s3.MD5File(req.Path)
	if err != nil {
		return nil, err
	}

	record, err := c.findRecipeByName(ctx, req.Name)
	if err != nil {
		return nil, err
	}

	created := false
	if record == nil {
		record, err = c.createRecipe(ctx, req)
		if err != nil {
			return nil, err
		}
		created = true
	}

	key := "recipes/" + record.ID + "/" + recipeArchiveName

	if record.Link != nil {
		unchanged, err := c.recipeUnchanged(ctx, record.Link, md5sum)
		if err != nil {
			return nil, err
		}
		if unchanged {
			c.log.WithFields(logrus.Fields{"recipe": req.Name, "id": record.ID}).
				Info("recipe already uploaded with matching checksum; skipping")
			return record, nil
		}
		c.log.WithFields(logrus.Fields{"recipe": req.Name, "id": record.ID}).
			Info("recipe archive changed; re-uploading")
	}

	metadata := map[string]string{
		s3.MetadataMD5Sum:          md5sum,
		"x-shasta-ims-recipe-id":   record.ID,
		"x-shasta-ims-recipe-name": req.Name,
	}
	etag, err := c.store.Upload(ctx, c.bucket, key, req.Path, metadata)
	if err != nil {
		if created {
			if delErr := c.deleteRecipe(ctx, record.ID); delErr != nil {
				c.log.WithError(delErr).Warn("rollback: delete recipe record failed")
			}
		}
		return nil, err
	}

	link := ArtifactLink{Path: s3.URL(c.bucket, key), ETag: etag, Type: "s3"}
	record, err = c.patchRecipe(ctx, record.ID, map[string]any{"link": link})
	if err != nil {
		return nil, err
	}
	return record, nil
}

// recipeUnchanged compares the stored object's digest against the local
// archive. The md5sum metadata key is authoritative; the ETag only counts
// for single-part uploads, where it equals the body digest.
func (c *Client) recipeUnchanged(ctx context.Context, link *ArtifactLink, md5sum string) (bool, error) {
	bucket, key, err := s3.ParseURL(link.Path)
	if err != nil {
		return false, err
	}

	info, err := c.store.Head(ctx, bucket, key)
	if err != nil {
		// A dangling link means the object is gone; upload again.
		c.log.WithError(err).WithField("key", key).Debug("linked recipe object missing")
		return false, nil
	}

	if stored, ok := info.Metadata[s3.MetadataMD5Sum]; ok {
		return stored == md5sum, nil
	}
	return info.ETag == md5sum, nil
}

func (c *Client) findRecipeByName(ctx context.Context, name string) (*RecipeRecord, error) {
	var recipes []RecipeRecord
	if err := c.do(ctx, http.MethodGet, "/recipes", nil, &recipes); err != nil {
		return nil, err
	}
	for i := range recipes {
		if recipes[i].Name == name {
			return &recipes[i], nil
		}
	}
	return nil, nil
}

func (c *Client) createRecipe(ctx context.Context, req RecipeUploadRequest) (*RecipeRecord, error) {
	c.log.WithField("name", req.Name).Info("creating recipe record")
	body := map[string]any{
		"name":               req.Name,
		"recipe_type":        req.RecipeType,
		"linux_distribution": req.LinuxDistribution,
	}
	if len(req.TemplateDictionary) > 0 {
		body["template_dictionary"] = req.TemplateDictionary
	}
	var record RecipeRecord
	if err := c.do(ctx, http.MethodPost, "/recipes", body, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) patchRecipe(ctx context.Context, id string, patch map[string]any) (*RecipeRecord, error) {
	c.log.WithField("id", id).Info("patching recipe record")
	var record RecipeRecord
	if err := c.do(ctx, http.MethodPatch, "/recipes/"+id, patch, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) deleteRecipe(ctx context.Context, id string) error {
	c.log.WithField("id", id).Info("deleting recipe record")
	return c.do(ctx, http.MethodDelete, "/recipes/"+id, nil, nil)
}

// GetRecipe fetches a single recipe record by id.
func (c *Client) GetRecipe(ctx context.Context, id string) (*RecipeRecord, error) {
	var record RecipeRecord
	if err := c.do(ctx, http.MethodGet, "/recipes/"+id, nil, &record); err != nil {
		return nil, err
	}
	return &record, nil
}
