// Package listing reads the archive's hierarchical JSON listings:
//
//	{base}/{archiveSet}/{product}.json              -> years
//	{base}/{archiveSet}/{product}/{year}.json       -> days of year
//	{base}/{archiveSet}/{product}/{year}/{day}.json -> files
//
// Every listing is a JSON array of objects with a "name" field. Some mirrors
// wrap the array in {"content": [...]}; both forms are accepted.
package listing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	tilehttp "github.com/ligustah/tilesync/internal/http"
)

// maxListingSize bounds a single listing response.
const maxListingSize = 64 << 20

// Client fetches listings through a retrying HTTP client.
type Client struct {
	http    *tilehttp.Client
	baseURL string
}

// New returns a listing client rooted at baseURL.
func New(client *tilehttp.Client, baseURL string) *Client {
	return &Client{
		http:    client,
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

// Years lists the years available for a product.
func (c *Client) Years(ctx context.Context, archiveSet, product string) ([]string, error) {
	return c.list(ctx, c.baseURL+"/"+archiveSet+"/"+product+".json")
}

// Days lists the days of year available in year.
func (c *Client) Days(ctx context.Context, archiveSet, product, year string) ([]string, error) {
	return c.list(ctx, c.baseURL+"/"+archiveSet+"/"+product+"/"+year+".json")
}

// Files lists the filenames published on one day, one per tile.
func (c *Client) Files(ctx context.Context, archiveSet, product, year, day string) ([]string, error) {
	return c.list(ctx, c.baseURL+"/"+archiveSet+"/"+product+"/"+year+"/"+day+".json")
}

func (c *Client) list(ctx context.Context, url string) ([]string, error) {
	body, err := c.http.Get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(io.LimitReader(body, maxListingSize))
	if err != nil {
		return nil, fmt.Errorf("listing: read %s: %w", url, err)
	}

	entries, err := decode(data)
	if err != nil {
		return nil, fmt.Errorf("listing: decode %s: %w", url, err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Name != "" {
			names = append(names, string(e.Name))
		}
	}
	return names, nil
}

type entry struct {
	Name name `json:"name"`
}

// name accepts both "2021" and 2021.
type name string

func (n *name) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*n = name(s)
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err != nil {
		return fmt.Errorf("name must be a string or number: %s", data)
	}
	*n = name(num.String())
	return nil
}

func decode(data []byte) ([]entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var wrapped struct {
			Content []entry `json:"content"`
		}
		if err := json.Unmarshal(data, &wrapped); err != nil {
			return nil, err
		}
		return wrapped.Content, nil
	}

	var entries []entry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}
