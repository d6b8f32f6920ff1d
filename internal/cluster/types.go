package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// NodeAddress identifies a node as "host:port". It is only ever used as a map
// key and to build URLs.
type NodeAddress string

// URL builds the control-plane URL for path on this node.
func (a NodeAddress) URL(path string) string {
	base := string(a)
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
}

// FileURL is the canonical fetch URL for a stored file on this node.
func (a NodeAddress) FileURL(name string) string {
	return a.URL("files/" + url.PathEscape(name))
}

// Seed orders nodes during elections. It carries no other meaning.
//
// Older nodes report their seed as a quoted string, so decoding accepts both
// a JSON number and a numeric string.
type Seed int64

func (s *Seed) UnmarshalJSON(data []byte) error {
	raw := strings.TrimSpace(string(data))
	if raw == "null" || raw == `""` {
		*s = 0
		return nil
	}
	raw = strings.Trim(raw, `"`)
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return errors.Wrapf(err, "invalid seed %q", raw)
	}
	*s = Seed(v)
	return nil
}

// Role is the position a node holds in the mesh.
type Role string

const (
	RoleUninitialized Role = "uninitialized"
	RoleMaster        Role = "master"
	RoleSlave         Role = "slave"
)

// PeerInfo is one member as observed by a single probe cycle. Values are
// replaced wholesale on every cycle and never mutated in place.
type PeerInfo struct {
	Address   NodeAddress `json:"address"`
	Master    NodeAddress `json:"master,omitempty"`
	Seed      Seed        `json:"seed"`
	Files     int         `json:"files,omitempty"`
	Reachable bool        `json:"reachable"`
}

// SlaveEntry is the wire form of a registered slave in a status reply.
type SlaveEntry struct {
	Seed Seed `json:"seed"`
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Slaves map[NodeAddress]SlaveEntry `json:"slaves"`
	Status string                     `json:"status"`
	Node   NodeAddress                `json:"node"`
	Master NodeAddress                `json:"master"`
	Role   Role                       `json:"role,omitempty"`
	Seed   Seed                       `json:"seed"`
	Files  int                        `json:"files"`
}

// FilesResponse is the body of GET /files.
type FilesResponse struct {
	Files []string `json:"files"`
}

// MessageResponse is the generic {status, ...} body used by mutating routes
// and error replies.
type MessageResponse struct {
	Status   string `json:"status"`
	Filename string `json:"filename,omitempty"`
	Message  string `json:"message,omitempty"`
}

// SyncResponse is the body of GET /sync.
type SyncResponse struct {
	Failed map[NodeAddress]string `json:"failed,omitempty"`
	Status string                 `json:"status"`
	Synced int                    `json:"synced"`
}

// StatusError is returned by the helpers below for non-2xx replies.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.Code)
}

// httpClient has no overall timeout. Callers bound each request through ctx.
var httpClient = &http.Client{}

// GetJSON issues a GET and decodes a JSON reply into out. The caller bounds
// the call through ctx.
func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// PostForm submits form-encoded values and decodes a JSON reply into out when
// out is non-nil.
func PostForm(ctx context.Context, url string, form url.Values, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBufferString(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &StatusError{URL: url, Code: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
