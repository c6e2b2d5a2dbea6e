// pkg/resolve/source.go
package resolve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xtoazt/paper-sub000/pkg/pkarr"
	"github.com/xtoazt/paper-sub000/pkg/types"
)

// maxRecordBytes bounds how much of a gateway response gets read.
const maxRecordBytes = 64 << 10

// HTTPSource resolves names against a remote gateway's HTTP API.
type HTTPSource struct {
	base   string
	client *http.Client
}

func NewHTTPSource(base string) *HTTPSource {
	return &HTTPSource{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSource) Resolve(ctx context.Context, name string) (*types.Record, error) {
	endpoint := fmt.Sprintf("%s/api/resolve?name=%s", s.base, url.QueryEscape(name))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, pkarr.ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("resolve: gateway returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRecordBytes))
	if err != nil {
		return nil, err
	}

	// The gateway wraps the winning record in a result envelope.
	var reply struct {
		Record *types.Record `json:"record"`
	}
	if err := json.Unmarshal(body, &reply); err != nil {
		return nil, err
	}
	if reply.Record == nil {
		return nil, pkarr.ErrNotFound
	}
	return reply.Record, nil
}
