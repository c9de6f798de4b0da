// Package transfer moves series between two time-series servers through a
// transfer file using the native export and import endpoints.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/omnistat/omnistat/pkg/util"
	"k8s.io/klog/v2"
)

var (
	ErrExportFailed = errors.New("export failed")
	ErrImportFailed = errors.New("import failed")
)

const defaultTimeout = 30 * time.Minute

// Agent exports from a source and imports into a target. Both servers are
// expected to be Ready; the agent does no readiness polling of its own.
type Agent struct {
	transferFile string
	exportPath   string
	importPath   string
	client       *http.Client
}

type Option func(*Agent)

func WithHTTPClient(client *http.Client) Option {
	return func(a *Agent) {
		a.client = client
	}
}

func WithExportPath(path string) Option {
	return func(a *Agent) {
		a.exportPath = path
	}
}

func WithImportPath(path string) Option {
	return func(a *Agent) {
		a.importPath = path
	}
}

func NewAgent(transferFile string, opts ...Option) *Agent {
	if len(transferFile) == 0 {
		transferFile = util.DefaultTransferFile
	}
	agent := &Agent{
		transferFile: transferFile,
		exportPath:   util.ExportPath,
		importPath:   util.ImportPath,
		client:       &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(agent)
	}
	return agent
}

// TransferFile returns the path export writes to.
func (a *Agent) TransferFile() string {
	return a.transferFile
}

// Export streams the series of sourceURL matching filter into the transfer
// file, replacing any previous content. On failure no transfer file is left
// behind and the returned error wraps ErrExportFailed.
func (a *Agent) Export(ctx context.Context, sourceURL, filter string) (file string, err error) {
	defer func() {
		if err != nil {
			if removeErr := a.Remove(a.transferFile); removeErr != nil {
				klog.ErrorS(removeErr, "Unable to remove transfer file", "file", a.transferFile)
			}
		}
	}()
	query := url.Values{}
	query.Set("match[]", filter)
	endpoint := util.BaseURL(sourceURL) + a.exportPath + "?" + query.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	klog.V(4).Infof("Exporting %s to %s", endpoint, a.transferFile)
	resp, err := a.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("%w: %s returned %s: %s", ErrExportFailed, sourceURL, resp.Status, readSnippet(resp.Body))
	}

	if err = os.MkdirAll(filepath.Dir(a.transferFile), 0755); err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	out, err := os.OpenFile(a.transferFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrExportFailed, err)
	}
	written, copyErr := io.Copy(out, resp.Body)
	closeErr := out.Close()
	if err = errors.Join(copyErr, closeErr); err != nil {
		return "", fmt.Errorf("%w: write %s: %v", ErrExportFailed, a.transferFile, err)
	}
	klog.V(4).Infof("Exported %d bytes from %s", written, sourceURL)
	return a.transferFile, nil
}

// Import posts the content of file to targetURL. The file is left in place
// whatever the outcome.
func (a *Agent) Import(ctx context.Context, targetURL, file string) error {
	body, err := os.Open(file)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportFailed, err)
	}
	defer body.Close()
	info, err := body.Stat()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportFailed, err)
	}

	endpoint := util.BaseURL(targetURL) + a.importPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportFailed, err)
	}
	req.ContentLength = info.Size()
	req.Header.Set("Content-Type", "application/octet-stream")
	klog.V(4).Infof("Importing %s (%d bytes) into %s", file, info.Size(), endpoint)
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrImportFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%w: %s returned %s: %s", ErrImportFailed, targetURL, resp.Status, readSnippet(resp.Body))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Remove deletes a transfer file. A missing file is not an error.
func (a *Agent) Remove(file string) error {
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

func readSnippet(r io.Reader) string {
	data, _ := io.ReadAll(io.LimitReader(r, 512))
	return string(data)
}
