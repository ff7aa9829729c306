// ABOUTME: Directory group membership lookup for search access filters
// ABOUTME: Follows next-page links in a bounded loop and fails open to no filter

package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/2389/coursechat-gateway/internal/config"
)

const directoryBackend = "directory"

// ErrTooManyPages is returned when the group listing does not end within the page limit.
var ErrTooManyPages = errors.New("directory listing exceeded page limit")

// Directory resolves a caller's group memberships.
type Directory struct {
	cfg        config.DirectoryConfig
	httpClient *http.Client
	logger     *slog.Logger
}

// NewDirectory creates a directory client.
func NewDirectory(cfg config.DirectoryConfig, httpClient *http.Client, logger *slog.Logger) *Directory {
	if httpClient == nil {
		httpClient = newHTTPClient(0)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Directory{
		cfg:        cfg,
		httpClient: httpClient,
		logger:     logger.With("component", "directory"),
	}
}

type groupPage struct {
	Value []struct {
		ID string `json:"id"`
	} `json:"value"`
	NextLink string `json:"@odata.nextLink"`
}

// Groups returns every group id the token's owner belongs to. Any page
// failing fails the whole listing.
func (d *Directory) Groups(ctx context.Context, token string) ([]string, error) {
	maxPages := d.cfg.MaxPages
	if maxPages <= 0 {
		maxPages = 20
	}

	var ids []string
	next := d.cfg.Endpoint
	for page := 0; next != ""; page++ {
		if page >= maxPages {
			return nil, fmt.Errorf("%w (%d)", ErrTooManyPages, maxPages)
		}

		resp, err := doJSON(ctx, d.httpClient, directoryBackend, http.MethodGet, next,
			map[string]string{"Authorization": "bearer " + token}, nil)
		if err != nil {
			return nil, err
		}

		var body groupPage
		err = json.NewDecoder(resp.Body).Decode(&body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("%w: decoding group page: %v", ErrMalformedResponse, err)
		}

		for _, g := range body.Value {
			ids = append(ids, g.ID)
		}
		next = body.NextLink
	}
	return ids, nil
}

// Filter builds the membership predicate over column for the token's owner.
// It returns nil when there is no token, no groups, or the lookup failed.
func (d *Directory) Filter(ctx context.Context, column, token string) *string {
	if column == "" || token == "" {
		return nil
	}

	groups, err := d.Groups(ctx, token)
	if err != nil {
		d.logger.Warn("group lookup failed, searching without filter", "error", err)
		return nil
	}
	return groupFilter(column, groups)
}

func groupFilter(column string, groups []string) *string {
	if len(groups) == 0 {
		return nil
	}
	filter := fmt.Sprintf("%s/any(g:search.in(g, '%s'))", column, strings.Join(groups, ", "))
	return &filter
}
