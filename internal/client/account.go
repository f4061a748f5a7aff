package client

import (
	"context"
	"encoding/json"
)

// Account returns the raw account document for the authorized user.
func (c *Client) Account(ctx context.Context) (json.RawMessage, error) {
	res, err := c.Fetch(ctx, Request{URL: "/accounts/self"})
	if err != nil {
		return nil, err
	}
	return json.RawMessage(res.Body), nil
}
