package replication

import (
	"context"
	"path/filepath"

	"github.com/dreamware/meshcdn/internal/cluster"
	"github.com/dreamware/meshcdn/internal/transfer"
)

// IngestRequest is a POST /files submission.
type IngestRequest struct {
	URL  string
	Name string

	// Origin is set when a peer's broadcast triggered the request. Such
	// requests are pulls of a file that is already spreading, so they are
	// never broadcast again.
	Origin cluster.NodeAddress
}

// IngestResult describes what Ingest did.
type IngestResult struct {
	Broadcast *BroadcastResult
	Filename  string
	Path      string
	Present   bool
}

// Ingest downloads a submitted file and, for client submissions, broadcasts
// it to peers. A relayed request for a name we already hold is a no-op.
func (m *Manager) Ingest(ctx context.Context, req IngestRequest, peers []cluster.NodeAddress) (IngestResult, error) {
	_, name, err := transfer.ResolveName(req.URL, req.Name)
	if err != nil {
		return IngestResult{}, err
	}

	if req.Origin != "" && m.store.Has(name) {
		m.logger.Debug("relayed file already present", "name", name, "origin", req.Origin)
		return IngestResult{Filename: name, Path: filepath.Join(m.store.Dir(), name), Present: true}, nil
	}

	path, err := m.fetcher.Download(ctx, req.URL, m.store.Dir(), name)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Filename: filepath.Base(path), Path: path}
	m.logger.Info("file received", "url", req.URL, "name", res.Filename, "origin", req.Origin)

	if req.Origin == "" {
		b := m.Broadcast(ctx, peers, res.Filename)
		res.Broadcast = &b
	}
	return res, nil
}
