// Package extension downloads, unpacks and caches the challenge-bypass
// browser extension.
package extension

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
	"github.com/xkilldash9x/autorenew/internal/config"
	"github.com/xkilldash9x/autorenew/internal/retry"
	"go.uber.org/zap"
)

const manifestFile = "manifest.json"

var (
	// ErrNoZipPayload means the archive holds no ZIP local file header.
	ErrNoZipPayload = errors.New("archive has no zip payload")
	// ErrTooSmall means the download is smaller than the configured minimum.
	ErrTooSmall = errors.New("archive smaller than minimum size")
)

var zipMagic = []byte("PK\x03\x04")

// ProvisionError reports which provisioning step failed.
type ProvisionError struct {
	Op  string
	Err error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("extension %s failed: %v", e.Op, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Bundle describes the installed extension.
type Bundle struct {
	ID          string
	DownloadURL string
	ArchivePath string
	InstallDir  string
	Validated   bool
	Reused      bool
}

// Provisioner ensures a validated, unpacked copy of the extension exists on disk.
type Provisioner struct {
	fs        afero.Fs
	client    *http.Client
	cfg       config.ExtensionConfig
	userAgent string
	logger    *zap.Logger
}

// NewProvisioner creates a Provisioner. A nil client gets one bounded by
// cfg.RequestTimeout.
func NewProvisioner(fs afero.Fs, client *http.Client, cfg config.ExtensionConfig, userAgent string, logger *zap.Logger) *Provisioner {
	if client == nil {
		client = &http.Client{Timeout: cfg.RequestTimeout}
	}
	return &Provisioner{
		fs:        fs,
		client:    client,
		cfg:       cfg,
		userAgent: userAgent,
		logger:    logger.Named("extension"),
	}
}

// DownloadURL returns the distribution endpoint for the configured extension.
func (p *Provisioner) DownloadURL() string {
	return fmt.Sprintf(p.cfg.DownloadURL, p.cfg.ProdVersion, p.cfg.ID)
}

// Ensure returns the absolute install directory, provisioning it first when
// needed.
func (p *Provisioner) Ensure(ctx context.Context) (string, error) {
	b, err := p.Provision(ctx)
	if err != nil {
		return "", err
	}
	return b.InstallDir, nil
}

// Provision reuses an install directory that holds a manifest, and otherwise
// downloads and unpacks the archive. Any failure leaves neither the install
// directory nor the archive behind.
func (p *Provisioner) Provision(ctx context.Context) (Bundle, error) {
	installDir, err := p.absPath(p.cfg.InstallDir)
	if err != nil {
		return Bundle{}, &ProvisionError{Op: "resolve", Err: err}
	}
	archivePath, err := p.absPath(p.cfg.ArchivePath)
	if err != nil {
		return Bundle{}, &ProvisionError{Op: "resolve", Err: err}
	}

	b := Bundle{
		ID:          p.cfg.ID,
		DownloadURL: p.DownloadURL(),
		ArchivePath: archivePath,
		InstallDir:  installDir,
	}

	if ok, _ := afero.DirExists(p.fs, installDir); ok {
		if has, _ := afero.Exists(p.fs, filepath.Join(installDir, manifestFile)); has {
			p.logger.Info("Reusing cached extension.", zap.String("dir", installDir))
			b.Validated, b.Reused = true, true
			return b, nil
		}
		p.logger.Warn("Extension directory has no manifest; re-provisioning.", zap.String("dir", installDir))
		if err := p.fs.RemoveAll(installDir); err != nil {
			return b, &ProvisionError{Op: "cleanup", Err: err}
		}
	}

	if err := p.download(ctx, b.DownloadURL, archivePath); err != nil {
		return b, &ProvisionError{Op: "download", Err: err}
	}

	if err := p.extract(archivePath, installDir); err != nil {
		p.discard(installDir, archivePath)
		return b, &ProvisionError{Op: "extract", Err: err}
	}
	if err := p.validate(installDir); err != nil {
		p.discard(installDir, archivePath)
		return b, &ProvisionError{Op: "validate", Err: err}
	}

	p.removeArchive(archivePath)

	b.Validated = true
	p.logger.Info("Extension provisioned.", zap.String("dir", installDir))
	return b, nil
}

// discard removes a failed install and the archive it came from.
func (p *Provisioner) discard(installDir, archivePath string) {
	if err := p.fs.RemoveAll(installDir); err != nil {
		p.logger.Debug("Failed to remove install directory.", zap.Error(err))
	}
	p.removeArchive(archivePath)
}

func (p *Provisioner) removeArchive(archivePath string) {
	if err := p.fs.Remove(archivePath); err != nil && !os.IsNotExist(err) {
		p.logger.Debug("Failed to remove archive.", zap.Error(err))
	}
}

func (p *Provisioner) absPath(name string) (string, error) {
	expanded, err := homedir.Expand(name)
	if err != nil {
		return "", err
	}
	return filepath.Abs(expanded)
}

// download fetches the archive, retrying with jittered delays. A partial
// archive never survives a failed attempt.
func (p *Provisioner) download(ctx context.Context, url, dst string) error {
	policy := retry.Policy{
		Attempts: p.cfg.DownloadAttempts,
		Delay:    p.cfg.DownloadDelay,
		Notify: func(err error, next time.Duration) {
			p.logger.Warn("Extension download failed, retrying.", zap.Error(err), zap.Duration("backoff", next))
		},
	}
	return retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		p.logger.Debug("Downloading extension.", zap.Int("attempt", attempt), zap.String("url", url))
		if err := p.fetch(ctx, url, dst); err != nil {
			if rmErr := p.fs.Remove(dst); rmErr != nil && !os.IsNotExist(rmErr) {
				p.logger.Debug("Failed to remove partial archive.", zap.Error(rmErr))
			}
			return err
		}
		return nil
	})
}

func (p *Provisioner) fetch(ctx context.Context, url, dst string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("User-Agent", p.userAgent)
	req.Header.Set("Accept", "application/x-chrome-extension")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("unexpected status %s", resp.Status)
	}
	if resp.ContentLength >= 0 && resp.ContentLength < p.cfg.MinSize {
		return fmt.Errorf("%w: declared %d bytes", ErrTooSmall, resp.ContentLength)
	}

	f, err := p.fs.Create(dst)
	if err != nil {
		return err
	}
	written, copyErr := io.Copy(f, resp.Body)
	closeErr := f.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}
	if written < p.cfg.MinSize {
		return fmt.Errorf("%w: wrote %d bytes", ErrTooSmall, written)
	}
	p.logger.Debug("Extension archive downloaded.", zap.Int64("bytes", written))
	return nil
}

// extract unpacks the ZIP payload embedded in a CRX archive.
func (p *Provisioner) extract(archivePath, installDir string) error {
	blob, err := afero.ReadFile(p.fs, archivePath)
	if err != nil {
		return err
	}
	offset := bytes.Index(blob, zipMagic)
	if offset < 0 {
		return ErrNoZipPayload
	}
	payload := blob[offset:]

	zr, err := zip.NewReader(bytes.NewReader(payload), int64(len(payload)))
	if err != nil {
		return fmt.Errorf("failed to open zip payload: %w", err)
	}

	if err := p.fs.MkdirAll(installDir, 0o755); err != nil {
		return err
	}
	root := filepath.Clean(installDir) + string(filepath.Separator)

	for _, zf := range zr.File {
		name := path.Clean("/" + zf.Name)
		target := filepath.Join(installDir, filepath.FromSlash(name))
		if !strings.HasPrefix(target+string(filepath.Separator), root) {
			return fmt.Errorf("illegal path in archive: %q", zf.Name)
		}
		if zf.FileInfo().IsDir() {
			if err := p.fs.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := p.writeEntry(zf, target); err != nil {
			return fmt.Errorf("failed to extract %q: %w", zf.Name, err)
		}
	}
	return nil
}

func (p *Provisioner) writeEntry(zf *zip.File, target string) error {
	if err := p.fs.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	rc, err := zf.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := p.fs.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func (p *Provisioner) validate(installDir string) error {
	required := append([]string{manifestFile}, p.cfg.RequiredFiles...)
	for _, name := range required {
		ok, err := afero.Exists(p.fs, filepath.Join(installDir, name))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("missing required file %q", name)
		}
	}
	return nil
}
