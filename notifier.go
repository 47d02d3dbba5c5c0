package natkeeper

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"
)

const setPreferencesPath = "/api/v2/app/setPreferences"

// QBittorrentNotifier sets qBittorrent's listening port through its Web API.
type QBittorrentNotifier struct {
	endpoint string
	client   *http.Client
}

// NewQBittorrentNotifier targets the Web API at baseURL, e.g. http://127.0.0.1:8080.
// A nil client gets a 10 second timeout.
func NewQBittorrentNotifier(baseURL string, client *http.Client) (*QBittorrentNotifier, error) {
	u, err := url.Parse(strings.TrimRight(baseURL, "/") + setPreferencesPath)
	if err != nil {
		return nil, fmt.Errorf("invalid qBittorrent URL %q: %w", baseURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid qBittorrent URL %q: scheme must be http or https", baseURL)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &QBittorrentNotifier{endpoint: u.String(), client: client}, nil
}

// ApplyPort posts {"listen_port":port} as the "json" form field.
func (n *QBittorrentNotifier) ApplyPort(ctx context.Context, port uint16) error {
	form := url.Values{}
	form.Set("json", fmt.Sprintf(`{"listen_port":%d}`, port))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("set qBittorrent preferences: %w", err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		slog.Debug("draining qBittorrent response failed", "error", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("set qBittorrent preferences: unexpected status %s", resp.Status)
	}
	return nil
}

// FileNotifier appends "<pid>,<port>" lines to a file.
type FileNotifier struct {
	path string
	pid  int
	mu   sync.Mutex
}

// NewFileNotifier writes to path, tagging lines with the current process id.
func NewFileNotifier(path string) *FileNotifier {
	return &FileNotifier{path: path, pid: os.Getpid()}
}

// ApplyPort appends one line for port.
func (n *FileNotifier) ApplyPort(_ context.Context, port uint16) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	f, err := os.OpenFile(n.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open port file: %w", err)
	}
	if _, err := fmt.Fprintf(f, "%d,%d\n", n.pid, port); err != nil {
		f.Close()
		return fmt.Errorf("write port file: %w", err)
	}
	return f.Close()
}

// NopNotifier ignores port changes.
type NopNotifier struct{}

// ApplyPort does nothing.
func (NopNotifier) ApplyPort(context.Context, uint16) error { return nil }
