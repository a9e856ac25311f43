// Copyright (c) 2025 AUTHORS All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package ociclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ocimirror/ocimirror/pkg/ociref"
)

// Tags lists all tags in the repository of ref, following RFC 5988 Link
// pagination until the registry stops offering a next page. Order is
// whatever the registry returns, which in practice is lexicographic.
func (c *Client) Tags(ctx context.Context, ref ociref.Reference) ([]string, error) {
	cred, err := c.credential(ref, PrivilegeRead)
	if err != nil {
		return nil, err
	}

	var tags []string
	u := c.endpoint(ref, "tags", "list")
	for u != "" {
		req, err := c.newRequest(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.do(ctx, req, ref, PrivilegeRead, cred)
		if err != nil {
			return nil, err
		}
		page, next, err := decodeTagsPage(resp, ref)
		if err != nil {
			return nil, err
		}
		tags = append(tags, page...)
		u = next
	}
	return tags, nil
}

func decodeTagsPage(resp *http.Response, ref ociref.Reference) (tags []string, next string, err error) {
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, "", fmt.Errorf("%s: %w", ref.Name(), ErrRepositoryNotFound)
	default:
		return nil, "", &TransferError{Op: "list tags", Ref: ref.Name(),
			Status: resp.StatusCode, Err: parseErrorResponse(resp)}
	}

	var body struct {
		Tags []string `json:"tags"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, "", &TransferError{Op: "list tags", Ref: ref.Name(), Err: err}
	}

	if link := parseLinkNext(resp.Header.Get("Link")); link != "" {
		u, err := resp.Request.URL.Parse(link)
		if err != nil {
			return nil, "", &TransferError{Op: "list tags", Ref: ref.Name(),
				Err: fmt.Errorf("invalid Link header %q: %v", link, err)}
		}
		next = u.String()
	}
	return body.Tags, next, nil
}

// parseLinkNext extracts the rel="next" target from a Link header value.
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		fields := strings.Split(part, ";")
		if len(fields) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(fields[0]), "<>")
		for _, attr := range fields[1:] {
			if k, v, ok := strings.Cut(strings.TrimSpace(attr), "="); ok &&
				strings.TrimSpace(k) == "rel" && strings.Trim(strings.TrimSpace(v), `"`) == "next" {
				return target
			}
		}
	}
	return ""
}
