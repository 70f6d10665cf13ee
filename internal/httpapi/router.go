package httpapi

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"StoryProcessor/internal/domain"
	"StoryProcessor/internal/ports"
)

const (
	defaultRecentLimit = 5
	maxRecentLimit     = 100
)

// Pinger reports whether a backing store is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

type handler struct {
	reporter ports.LedgerReporter
	db       Pinger
	logger   *slog.Logger
}

// NewRouter constructs a Gin engine with the status routes. db may be nil.
func NewRouter(reporter ports.LedgerReporter, db Pinger, logger *slog.Logger) *gin.Engine {
	if logger == nil {
		logger = slog.Default()
	}
	h := &handler{reporter: reporter, db: db, logger: logger}

	r := gin.New()
	r.Use(gin.Recovery())
	r.GET("/healthz", h.health)

	g := r.Group("/projects/:id")
	g.GET("/stats", h.stats)
	g.GET("/stories/recent", h.recent)
	return r
}

func (h *handler) health(c *gin.Context) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *handler) stats(c *gin.Context) {
	projectID, ok := projectParam(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	stats, err := h.reporter.ProjectStats(ctx, projectID)
	if err != nil {
		h.fail(c, "project stats", err)
		return
	}
	bins, err := h.reporter.BinnedScores(ctx, projectID)
	if err != nil {
		h.fail(c, "binned scores", err)
		return
	}
	if bins == nil {
		bins = []domain.ScoreBin{}
	}
	c.JSON(http.StatusOK, gin.H{"stats": stats, "scores": bins})
}

func (h *handler) recent(c *gin.Context) {
	projectID, ok := projectParam(c)
	if !ok {
		return
	}
	above, err := strconv.ParseBool(c.DefaultQuery("above", "true"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "above must be a boolean"})
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultRecentLimit)))
	if err != nil || limit < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return
	}
	limit = min(limit, maxRecentLimit)

	stories, err := h.reporter.RecentStories(c.Request.Context(), projectID, above, limit)
	if err != nil {
		h.fail(c, "recent stories", err)
		return
	}
	out := make([]storyView, 0, len(stories))
	for _, s := range stories {
		out = append(out, newStoryView(s))
	}
	c.JSON(http.StatusOK, gin.H{"project_id": projectID, "above_threshold": above, "stories": out})
}

func (h *handler) fail(c *gin.Context, what string, err error) {
	h.logger.Error("status query failed", "query", what, "path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": what + " failed"})
}

func projectParam(c *gin.Context) (int, bool) {
	id, err := strconv.Atoi(c.Param("id"))
	if err != nil || id < 1 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return 0, false
	}
	return id, true
}

type storyView struct {
	ID             int64              `json:"id"`
	Source         domain.Source      `json:"source"`
	URL            string             `json:"url"`
	PublishedAt    time.Time          `json:"published_date"`
	QueuedAt       time.Time          `json:"queued_date"`
	ProcessedAt    *time.Time         `json:"processed_date"`
	PostedAt       *time.Time         `json:"posted_date"`
	ModelScore     *float64           `json:"model_score"`
	AboveThreshold bool               `json:"above_threshold"`
	ScoreStatus    domain.ScoreStatus `json:"score_status"`
}

func newStoryView(s domain.Story) storyView {
	return storyView{
		ID:             s.ID,
		Source:         s.Source,
		URL:            s.URL,
		PublishedAt:    s.PublishedAt,
		QueuedAt:       s.QueuedAt,
		ProcessedAt:    s.ProcessedAt,
		PostedAt:       s.PostedAt,
		ModelScore:     s.ModelScore,
		AboveThreshold: s.AboveThreshold,
		ScoreStatus:    s.ScoreStatus,
	}
}
