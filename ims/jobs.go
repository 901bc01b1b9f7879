package ims

import (
	"context"
	"net/http"

	"github.com/sirupsen/logrus"
)

// SetJobStatus moves the job to the given lifecycle status and returns the
// envelope with the updated record.
func (c *Client) SetJobStatus(ctx context.Context, jobID, status string) (*Result, error) {
	job, err := c.patchJob(ctx, jobID, map[string]any{"status": status})
	if err != nil {
		return nil, err
	}
	return &Result{Status: StatusSuccess, JobRecord: job}, nil
}

func (c *Client) patchJob(ctx context.Context, id string, patch map[string]any) (*JobRecord, error) {
	c.log.WithFields(logrus.Fields{"id": id, "patch": patch}).Info("patching job record")
	var record JobRecord
	if err := c.do(ctx, http.MethodPatch, "/jobs/"+id, patch, &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func (c *Client) patchJobResultantImage(ctx context.Context, jobID, imageID string) (*JobRecord, error) {
	return c.patchJob(ctx, jobID, map[string]any{"resultant_image_id": imageID})
}
