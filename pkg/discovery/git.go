package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	gogithttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/gatewayshift/orchestrator/pkg/inventory"
)

// GitConfig configures a GitSource.
type GitConfig struct {
	URL       string `mapstructure:"url" yaml:"url"`
	Branch    string `mapstructure:"branch" yaml:"branch"`
	Path      string `mapstructure:"path" yaml:"path"`
	AuthToken string `mapstructure:"authToken" yaml:"authToken"`
	// Shallow clones with depth 1. Defaults to true.
	Shallow *bool `mapstructure:"shallow" yaml:"shallow"`
}

// GitSource reads inventory documents from a Git repository. The first
// listing clones it; later listings pull.
type GitSource struct {
	cfg    GitConfig
	logger *slog.Logger

	mu         sync.Mutex
	dir        string
	lastCommit string
}

// NewGitSource creates a GitSource.
func NewGitSource(cfg GitConfig, logger *slog.Logger) (*GitSource, error) {
	if cfg.URL == "" {
		return nil, errors.New("git source: url is required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.Path == "" {
		cfg.Path = "**/*.yaml"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GitSource{cfg: cfg, logger: logger}, nil
}

// Name implements Source.
func (s *GitSource) Name() string { return "git:" + s.cfg.URL }

// LastCommit returns the HEAD commit of the last sync.
func (s *GitSource) LastCommit() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommit
}

// ListDiscoveredAPIs implements Source.
func (s *GitSource) ListDiscoveredAPIs(ctx context.Context, f Filter) ([]inventory.APIRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	docs, err := readDocuments(s.dir, s.cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("read inventory from %s: %w", s.cfg.URL, err)
	}
	var out []inventory.APIRecord
	for _, d := range docs {
		out = append(out, f.Apply(d.Records)...)
	}
	s.logger.Info("read git inventory", "repo", s.cfg.URL, "commit", s.lastCommit, "files", len(docs), "apis", len(out))
	return out, nil
}

// Close removes the local clone.
func (s *GitSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dir == "" {
		return nil
	}
	err := os.RemoveAll(s.dir)
	s.dir = ""
	return err
}

func (s *GitSource) auth() *gogithttp.BasicAuth {
	if s.cfg.AuthToken == "" {
		return nil
	}
	// The username is ignored for token auth.
	return &gogithttp.BasicAuth{Username: "git", Password: s.cfg.AuthToken}
}

func (s *GitSource) sync(ctx context.Context) error {
	ref := plumbing.NewBranchReferenceName(s.cfg.Branch)
	if s.dir == "" {
		dir, err := os.MkdirTemp("", "inventory-git-*")
		if err != nil {
			return fmt.Errorf("create clone dir: %w", err)
		}
		opts := &gogit.CloneOptions{URL: s.cfg.URL, ReferenceName: ref, SingleBranch: true}
		if s.cfg.Shallow == nil || *s.cfg.Shallow {
			opts.Depth = 1
		}
		if a := s.auth(); a != nil {
			opts.Auth = a
		}
		repo, err := gogit.PlainCloneContext(ctx, dir, false, opts)
		if err != nil {
			os.RemoveAll(dir)
			return fmt.Errorf("git clone %s: %w", s.cfg.URL, err)
		}
		s.dir = dir
		return s.recordHead(repo)
	}

	repo, err := gogit.PlainOpen(s.dir)
	if err != nil {
		return fmt.Errorf("open clone: %w", err)
	}
	w, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	opts := &gogit.PullOptions{RemoteName: "origin", ReferenceName: ref, SingleBranch: true}
	if a := s.auth(); a != nil {
		opts.Auth = a
	}
	err = w.PullContext(ctx, opts)
	if errors.Is(err, gogit.NoErrAlreadyUpToDate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("git pull %s: %w", s.cfg.URL, err)
	}
	return s.recordHead(repo)
}

func (s *GitSource) recordHead(repo *gogit.Repository) error {
	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("read HEAD: %w", err)
	}
	s.lastCommit = head.Hash().String()
	return nil
}
