package projects

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

//go:embed projects.schema.json
var projectsSchema string

const schemaURL = "projects.schema.json"

// ErrNoProjects is returned when neither the server nor the cache yields a project.
var ErrNoProjects = errors.New("project list is empty")

// Config locates the project list.
type Config struct {
	URL       string
	APIKey    string
	CacheFile string
	Timeout   time.Duration
}

// Client loads the monitored projects from the central server and keeps a
// local copy to fall back on when the server is unreachable.
type Client struct {
	url       string
	apiKey    string
	cacheFile string
	http      *http.Client
	schema    *jsonschema.Schema
	logger    *slog.Logger

	mu   sync.Mutex
	last []domain.Project
}

var _ ports.ProjectProvider = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) (*Client, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:       cfg.URL,
		apiKey:    cfg.APIKey,
		cacheFile: cfg.CacheFile,
		http:      &http.Client{Timeout: timeout},
		schema:    schema,
		logger:    logger,
	}, nil
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(projectsSchema))
	if err != nil {
		return nil, fmt.Errorf("parse project schema: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(schemaURL, doc); err != nil {
		return nil, fmt.Errorf("add project schema: %w", err)
	}
	schema, err := c.Compile(schemaURL)
	if err != nil {
		return nil, fmt.Errorf("compile project schema: %w", err)
	}
	return schema, nil
}

// Projects refreshes the list from the server. When that fails the cached
// file is used instead.
func (c *Client) Projects(ctx context.Context) ([]domain.Project, error) {
	raw, fetchErr := c.download(ctx)
	if fetchErr == nil {
		list, err := c.decode(raw)
		if err == nil {
			c.writeCache(raw)
			c.remember(list)
			c.logger.Info("project list refreshed", "projects", len(list))
			return list, nil
		}
		fetchErr = err
	}

	c.logger.Warn("project list refresh failed, using cache", "error", fetchErr)
	cached, err := c.readCache()
	if err != nil {
		return nil, fmt.Errorf("load projects: %w", errors.Join(fetchErr, err))
	}
	list, err := c.decode(cached)
	if err != nil {
		return nil, fmt.Errorf("cached project list: %w", err)
	}
	c.remember(list)
	return list, nil
}

// Last returns the most recently loaded list without any I/O.
func (c *Client) Last() []domain.Project {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Project(nil), c.last...)
}

func (c *Client) remember(list []domain.Project) {
	c.mu.Lock()
	c.last = list
	c.mu.Unlock()
}

func (c *Client) download(ctx context.Context) ([]byte, error) {
	if c.url == "" {
		return nil, fmt.Errorf("project list url is not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read project list: %w", err)
	}
	return raw, nil
}

// decode validates raw against the project schema before unmarshalling.
func (c *Client) decode(raw []byte) ([]domain.Project, error) {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse project list: %w", err)
	}
	if err := c.schema.Validate(inst); err != nil {
		return nil, fmt.Errorf("invalid project list: %w", err)
	}
	var list []domain.Project
	if err := json.Unmarshal(raw, &list); err != nil {
		return nil, fmt.Errorf("decode project list: %w", err)
	}
	if len(list) == 0 {
		return nil, ErrNoProjects
	}
	return list, nil
}

func (c *Client) readCache() ([]byte, error) {
	if c.cacheFile == "" {
		return nil, fmt.Errorf("no project cache file configured")
	}
	raw, err := os.ReadFile(c.cacheFile)
	if err != nil {
		return nil, fmt.Errorf("read project cache: %w", err)
	}
	return raw, nil
}

func (c *Client) writeCache(raw []byte) {
	if c.cacheFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cacheFile), 0o755); err != nil {
		c.logger.Warn("create project cache dir failed", "error", err)
		return
	}
	tmp := c.cacheFile + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		c.logger.Warn("write project cache failed", "error", err)
		return
	}
	if err := os.Rename(tmp, c.cacheFile); err != nil {
		c.logger.Warn("replace project cache failed", "error", err)
	}
}
