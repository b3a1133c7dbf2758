package http

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/ingestd/internal/apperr"
	"github.com/fyrsmithlabs/ingestd/internal/intake"
	"github.com/fyrsmithlabs/ingestd/internal/metadata"
	"github.com/fyrsmithlabs/ingestd/internal/progress"
	"github.com/fyrsmithlabs/ingestd/internal/telemetry"
	"github.com/fyrsmithlabs/ingestd/internal/tenant"
	"github.com/fyrsmithlabs/ingestd/internal/vectorindex"
)

// Search limits.
const (
	DefaultSearchLimit = 10
	MaxSearchLimit     = 100
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status    string                  `json:"status"`
	Checks    map[string]string       `json:"checks,omitempty"`
	Telemetry *telemetry.HealthStatus `json:"telemetry,omitempty"`
}

// SearchFilter narrows a search inside the tenant's collection.
type SearchFilter struct {
	FileID    string   `json:"fileId,omitempty"`
	FileIDs   []string `json:"fileIds,omitempty"`
	ProjectID string   `json:"projectId,omitempty"`
}

// SearchRequest is the request body for POST /api/v1/tenants/:tenant/search.
type SearchRequest struct {
	Query  string        `json:"query"`
	Limit  int           `json:"limit,omitempty"`
	Filter *SearchFilter `json:"filter,omitempty"`
	Rerank bool          `json:"rerank,omitempty"`
	// FetchK overrides the number of first-stage candidates when reranking.
	FetchK int `json:"fetchK,omitempty"`
}

// SearchResponse is the response body for a search.
type SearchResponse struct {
	Results  []vectorindex.Result `json:"results"`
	Reranked bool                 `json:"reranked"`
}

// FileResponse wraps a file record.
type FileResponse struct {
	File *metadata.FileRecord `json:"file"`
}

// DeleteResponse is the response body for a file deletion.
type DeleteResponse struct {
	FileID        string `json:"fileId"`
	PointsRemoved int    `json:"pointsRemoved"`
}

// DeleteProjectResponse is the response body for a project deletion.
type DeleteProjectResponse struct {
	ProjectID     string `json:"projectId"`
	PointsRemoved int    `json:"pointsRemoved"`
}

// ProgressResponse reports where a file's indexing job stands.
type ProgressResponse struct {
	FileID   string              `json:"fileId"`
	Status   metadata.FileStatus `json:"status"`
	Progress *int                `json:"progress,omitempty"`
	Result   *progress.JobResult `json:"result,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), s.config.HealthTimeout)
	defer cancel()

	resp := HealthResponse{Status: "ok"}
	code := http.StatusOK
	if len(s.deps.Checks) > 0 {
		resp.Checks = make(map[string]string, len(s.deps.Checks))
		for name, check := range s.deps.Checks {
			if err := check(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "unavailable"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	if s.deps.Telemetry != nil {
		h := s.deps.Telemetry.Health()
		resp.Telemetry = &h
	}
	return c.JSON(code, resp)
}

func (s *Server) collection(c echo.Context) (string, error) {
	name, err := tenant.CollectionName(s.config.CollectionPrefix, c.Param("tenant"))
	if err != nil {
		return "", apperr.Validation(apperr.ReasonBadRequest, err.Error())
	}
	return name, nil
}

func (s *Server) handleSearch(c echo.Context) error {
	collection, err := s.collection(c)
	if err != nil {
		return err
	}
	var req SearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	req.Query = strings.TrimSpace(req.Query)
	if req.Query == "" {
		return apperr.Validation(apperr.ReasonBadRequest, "query is required")
	}
	if req.Limit == 0 {
		req.Limit = DefaultSearchLimit
	}
	if req.Limit < 0 || req.Limit > MaxSearchLimit {
		return apperr.Validation(apperr.ReasonBadRequest, fmt.Sprintf("limit must be between 1 and %d", MaxSearchLimit))
	}

	filter := &vectorindex.Filter{TenantID: c.Param("tenant")}
	if req.Filter != nil {
		filter.FileID = req.Filter.FileID
		filter.FileIDs = req.Filter.FileIDs
		filter.ProjectID = req.Filter.ProjectID
	}

	ctx := c.Request().Context()
	var results []vectorindex.Result
	if req.Rerank {
		results, err = s.deps.Search.SearchWithRerank(ctx, collection, req.Query, req.Limit, filter, req.FetchK)
	} else {
		results, err = s.deps.Search.SearchText(ctx, collection, req.Query, req.Limit, filter)
	}
	if err != nil {
		return err
	}
	if results == nil {
		results = []vectorindex.Result{}
	}
	return c.JSON(http.StatusOK, SearchResponse{Results: results, Reranked: req.Rerank})
}

// handleUpload streams a multipart upload into intake. The file part is
// read last: a projectId form field must precede it, or be passed as a
// query parameter.
func (s *Server) handleUpload(c echo.Context) error {
	req := c.Request()
	req.Body = http.MaxBytesReader(c.Response(), req.Body, s.config.MaxUploadSize)

	mr, err := req.MultipartReader()
	if err != nil {
		return apperr.Validation(apperr.ReasonBadRequest, "expected multipart/form-data body")
	}

	projectID := c.QueryParam("projectId")
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return apperr.Validation(apperr.ReasonBadRequest, `missing "file" part`)
		}
		if err != nil {
			return fmt.Errorf("reading multipart body: %w", err)
		}

		switch part.FormName() {
		case "projectId":
			v, err := io.ReadAll(io.LimitReader(part, 256))
			if err != nil {
				return fmt.Errorf("reading projectId: %w", err)
			}
			projectID = strings.TrimSpace(string(v))
		case "file":
			return s.acceptFile(c, part, projectID)
		}
		_ = part.Close()
	}
}

func (s *Server) acceptFile(c echo.Context, part *multipart.Part, projectID string) error {
	defer part.Close()
	f, err := s.deps.Files.Upload(c.Request().Context(), intake.Upload{
		TenantID:  c.Param("tenant"),
		ProjectID: projectID,
		Filename:  part.FileName(),
		MimeType:  part.Header.Get(echo.HeaderContentType),
		Body:      part,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, FileResponse{File: f})
}

func (s *Server) handleReindex(c echo.Context) error {
	f, err := s.deps.Files.Reindex(c.Request().Context(), c.Param("tenant"), c.Param("file"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, FileResponse{File: f})
}

func (s *Server) handleDelete(c echo.Context) error {
	fileID := c.Param("file")
	removed, err := s.deps.Files.Delete(c.Request().Context(), c.Param("tenant"), fileID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DeleteResponse{FileID: fileID, PointsRemoved: removed})
}

func (s *Server) handleDeleteProject(c echo.Context) error {
	projectID := c.Param("project")
	removed, err := s.deps.Files.DeleteProject(c.Request().Context(), c.Param("tenant"), projectID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, DeleteProjectResponse{ProjectID: projectID, PointsRemoved: removed})
}

func (s *Server) handleProgress(c echo.Context) error {
	ctx := c.Request().Context()
	fileID := c.Param("file")

	f, err := s.deps.Lookup.GetFile(ctx, fileID)
	if err != nil {
		return err
	}
	// another tenant's file is reported as missing
	if f.TenantID != c.Param("tenant") {
		return apperr.NotFound("file", fileID)
	}

	resp := ProgressResponse{FileID: fileID, Status: f.Status}
	pct, ok, err := s.deps.Progress.Progress(ctx, fileID)
	if err != nil {
		s.logger.Warn(ctx, "reading progress failed", zap.String("file_id", fileID), zap.Error(err))
	} else if ok {
		resp.Progress = &pct
	}
	res, ok, err := s.deps.Progress.Result(ctx, fileID)
	if err != nil {
		s.logger.Warn(ctx, "reading job result failed", zap.String("file_id", fileID), zap.Error(err))
	} else if ok {
		resp.Result = res
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleReconcile(c echo.Context) error {
	rep, err := s.deps.Reconciler.Run(c.Request().Context(), c.Param("tenant"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, rep)
}
