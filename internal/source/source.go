// Package source materialises a build job's source tree into a workspace.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/splax/peep/internal/archive"
	"github.com/splax/peep/internal/domain"
	"github.com/splax/peep/internal/failure"
	"github.com/splax/peep/internal/storage"
)

// Downloader fetches single objects; storage.Store satisfies it.
type Downloader interface {
	DownloadFile(ctx context.Context, key, dest string) error
}

// Result describes an acquired source tree.
type Result struct {
	CommitSHA string
	Archive   *archive.Stats
}

// Acquirer clones git repositories and unpacks uploaded archives.
type Acquirer struct {
	objects    Downloader
	limits     archive.Limits
	token      string
	gitTimeout time.Duration
	tempDir    string
	logger     *slog.Logger
}

// Option customises an Acquirer.
type Option func(*Acquirer)

// WithGitToken authenticates HTTPS clones with a personal access token.
func WithGitToken(token string) Option {
	return func(a *Acquirer) { a.token = strings.TrimSpace(token) }
}

// WithGitTimeout bounds a single clone.
func WithGitTimeout(d time.Duration) Option {
	return func(a *Acquirer) { a.gitTimeout = d }
}

// WithLimits overrides the archive validation limits.
func WithLimits(l archive.Limits) Option {
	return func(a *Acquirer) { a.limits = l }
}

// WithTempDir sets where downloaded archives are staged before extraction.
func WithTempDir(dir string) Option {
	return func(a *Acquirer) { a.tempDir = dir }
}

// NewAcquirer constructs an Acquirer. objects may be nil when only git
// sources are expected.
func NewAcquirer(objects Downloader, logger *slog.Logger, opts ...Option) *Acquirer {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Acquirer{
		objects:    objects,
		limits:     archive.DefaultLimits,
		gitTimeout: 2 * time.Minute,
		logger:     logger.With("component", "source"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Acquire populates dir, which must be empty, with the job's source.
// Progress output from the clone is written to progress when non-nil.
func (a *Acquirer) Acquire(ctx context.Context, job domain.BuildJob, dir string, progress io.Writer) (Result, error) {
	switch job.SourceType {
	case domain.SourceGit:
		return a.clone(ctx, job, dir, progress)
	case domain.SourceZip:
		return a.unpack(ctx, job, dir)
	default:
		return Result{}, failure.New(failure.Validation, "acquire source", "unsupported source type %q", job.SourceType)
	}
}

// CheckRepoURL accepts only remote https, ssh and git endpoints. Local paths
// and file:// URLs would let a deployment read the builder's own disk.
func CheckRepoURL(repoURL string) error {
	ep, err := transport.NewEndpoint(strings.TrimSpace(repoURL))
	if err != nil {
		return fmt.Errorf("invalid repository URL %s: %w", redact(repoURL), err)
	}
	switch ep.Protocol {
	case "https", "ssh", "git":
	default:
		return fmt.Errorf("repository URL scheme %q is not allowed", ep.Protocol)
	}
	if ep.Host == "" {
		return fmt.Errorf("repository URL %s has no host", redact(repoURL))
	}
	return nil
}

func (a *Acquirer) clone(ctx context.Context, job domain.BuildJob, dir string, progress io.Writer) (Result, error) {
	if strings.TrimSpace(job.RepoURL) == "" {
		return Result{}, failure.New(failure.SourceAcquisition, "clone", "repository URL cannot be empty")
	}
	if err := CheckRepoURL(job.RepoURL); err != nil {
		return Result{}, failure.Wrap(failure.Validation, "clone", err)
	}
	if a.gitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.gitTimeout)
		defer cancel()
	}

	opts := &git.CloneOptions{
		URL:          job.RepoURL,
		Depth:        1,
		SingleBranch: true,
		Tags:         git.NoTags,
		Auth:         a.auth(job.RepoURL),
	}
	if branch := strings.TrimSpace(job.Branch); branch != "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(branch)
	}
	if progress != nil {
		opts.Progress = progress
	}

	repo, err := git.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return Result{}, failure.Wrap(failure.SourceAcquisition, "clone", fmt.Errorf("%s: %w", redact(job.RepoURL), err))
	}
	head, err := repo.Head()
	if err != nil {
		return Result{}, failure.Wrap(failure.SourceAcquisition, "clone", fmt.Errorf("resolve HEAD: %w", err))
	}
	sha := head.Hash().String()
	if want := strings.TrimSpace(job.CommitSHA); want != "" && !strings.HasPrefix(sha, want) {
		a.logger.Warn("cloned head differs from requested commit",
			"deployment_id", job.DeploymentID, "requested", want, "head", sha)
	}
	return Result{CommitSHA: sha}, nil
}

func (a *Acquirer) auth(repoURL string) transport.AuthMethod {
	if a.token == "" || !strings.HasPrefix(repoURL, "https://") {
		return nil
	}
	return &githttp.BasicAuth{Username: "x-access-token", Password: a.token}
}

func (a *Acquirer) unpack(ctx context.Context, job domain.BuildJob, dir string) (Result, error) {
	if a.objects == nil {
		return Result{}, failure.New(failure.SourceAcquisition, "download archive", "no object store configured")
	}
	tmp, err := os.CreateTemp(a.tempDir, "peep-src-*.zip")
	if err != nil {
		return Result{}, failure.Wrap(failure.SourceAcquisition, "download archive", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := a.objects.DownloadFile(ctx, job.ZipPath, tmpPath); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, failure.New(failure.SourceAcquisition, "download archive", "archive %s not found", job.ZipPath)
		}
		return Result{}, failure.Wrap(failure.SourceAcquisition, "download archive", err)
	}

	stats, err := a.limits.Extract(tmpPath, dir)
	if err != nil {
		return Result{}, err
	}
	a.logger.Info("archive extracted",
		"deployment_id", job.DeploymentID,
		"files", stats.FileCount,
		"uncompressed_bytes", stats.UncompressedSize,
	)
	return Result{Archive: &stats}, nil
}

// redact strips credentials embedded in a clone URL before it is logged.
func redact(repoURL string) string {
	scheme, rest, ok := strings.Cut(repoURL, "://")
	if !ok {
		return repoURL
	}
	if at := strings.Index(rest, "@"); at >= 0 && at < strings.Index(rest+"/", "/") {
		rest = "***@" + rest[at+1:]
	}
	return scheme + "://" + rest
}
