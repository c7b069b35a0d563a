package hostctl

import (
	"fmt"
	"time"
)

// WaitJob polls a certificate job until it finishes or timeout passes.
// A job that finished in the failed state is returned together with an error.
func (c *Client) WaitJob(jobID string, interval, timeout time.Duration) (*Job, error) {
	deadline := time.Now().Add(timeout)
	for {
		job, err := c.GetJob(jobID)
		if err != nil {
			return nil, err
		}
		if job.Finished() {
			if job.State == "failed" {
				msg := "unknown error"
				if job.Error != nil {
					msg = job.Error.Message
				}
				return job, fmt.Errorf("job %s failed: %s", jobID, msg)
			}
			return job, nil
		}
		if time.Now().After(deadline) {
			return job, fmt.Errorf("job %s still %s after %s", jobID, job.State, timeout)
		}
		time.Sleep(interval)
	}
}
