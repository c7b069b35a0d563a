package hostctl

import (
	"fmt"
	"net/url"
)

func (c *Client) result(resp *Response, err error) (*Result, error) {
	if err != nil {
		return nil, err
	}
	return resp.Result()
}

func hostPath(id string) string {
	return "/hosts/" + url.PathEscape(id)
}

func (c *Client) CreateHost(subdomain string, port int) (*Result, error) {
	return c.result(c.Post("/hosts", map[string]any{"subdomain": subdomain, "port": port}))
}

func (c *Client) ListHosts() ([]*Host, error) {
	res, err := c.result(c.Get("/hosts"))
	if err != nil {
		return nil, err
	}
	return res.Hosts, nil
}

func (c *Client) GetHost(id string) (*Result, error) {
	return c.result(c.Get(hostPath(id)))
}

func (c *Client) UpdateHost(id string, port int) (*Result, error) {
	return c.result(c.Put(hostPath(id), map[string]any{"port": port}))
}

func (c *Client) DeleteHost(id string) (*Result, error) {
	return c.result(c.Delete(hostPath(id)))
}

func (c *Client) CertificateStatus(id string) (*Result, error) {
	return c.result(c.Get(hostPath(id) + "/certificate"))
}

func (c *Client) IssueCertificate(id string, req IssueRequest) (*Result, error) {
	return c.result(c.Post(hostPath(id)+"/certificate", req))
}

func (c *Client) RenewCertificate(id string) (*Result, error) {
	return c.result(c.Post(hostPath(id)+"/certificate/renew", nil))
}

func (c *Client) GetJob(id string) (*Job, error) {
	res, err := c.result(c.Get("/jobs/" + url.PathEscape(id)))
	if err != nil {
		return nil, err
	}
	if res.Job == nil {
		return nil, fmt.Errorf("job %s: response carried no job", id)
	}
	return res.Job, nil
}
