package http

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"webshield/internal/domain"
	"webshield/internal/importer"
	"webshield/internal/intercept"
	"webshield/internal/settings"
	"webshield/internal/store"
)

// maxSettingsBytes bounds a settings document.
const maxSettingsBytes = 1 << 20

type domainRequest struct {
	Domain string `json:"domain" binding:"required"`
}

type importRequest struct {
	URL string `json:"url" binding:"required"`
}

type checkResponse struct {
	Blocked bool              `json:"blocked"`
	Verdict intercept.Verdict `json:"verdict"`
	Host    string            `json:"host,omitempty"`
	Match   string            `json:"match,omitempty"`
}

// abort maps err to a status code and writes it as {"error": ...}.
func (s *Server) abort(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	body := gin.H{"error": err.Error()}

	var rej *domain.RejectedError
	switch {
	case errors.As(err, &rej):
		status = http.StatusUnprocessableEntity
		body["candidate"] = rej.Candidate
		body["reason"] = rej.Reason
	case errors.Is(err, domain.ErrInvalidURL), errors.Is(err, store.ErrUnknownKind):
		status = http.StatusBadRequest
	case errors.Is(err, importer.ErrImportRunning):
		status = http.StatusConflict
	case errors.Is(err, importer.ErrJobNotFound):
		status = http.StatusNotFound
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("route", c.FullPath()), zap.Error(err))
	}
	c.AbortWithStatusJSON(status, body)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
}

func (s *Server) check(c *gin.Context) {
	raw := strings.TrimSpace(c.Query("url"))
	if raw == "" {
		s.badRequest(c, errors.New("url is required"))
		return
	}

	d := s.deps.Checker.Decide(raw)
	if d.Verdict == intercept.VerdictInvalid {
		s.abort(c, domain.ErrInvalidURL)
		return
	}
	c.JSON(http.StatusOK, checkResponse{
		Blocked: d.Blocked(),
		Verdict: d.Verdict,
		Host:    d.Host,
		Match:   d.Match,
	})
}

// listEntries returns the entries of k, filtered by ?q= when given.
func (s *Server) listEntries(k store.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		items := s.deps.Store.Filter(k, c.Query("q"))
		if items == nil {
			items = []string{}
		}
		c.JSON(http.StatusOK, items)
	}
}

func (s *Server) blockDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	d, err := s.deps.Store.BlockDomain(req.Domain, s.deps.Settings.WhitelistEnabled())
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"domain": d})
}

func (s *Server) allowDomain(c *gin.Context) {
	var req domainRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	d, err := s.deps.Store.AllowDomain(req.Domain)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"domain": d})
}

func (s *Server) removeDomain(k store.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		s.remove(c, k, entryKey(c.Param("domain")))
	}
}

// entryKey maps a path parameter to the stored key, punycode included.
func entryKey(raw string) string {
	key := domain.EntryKey(raw)
	if d, reason := domain.NormalizeDomain(key, domain.Validation{Mode: domain.ValidationRelaxed}); reason == "" {
		return d
	}
	return key
}

func (s *Server) removeList(c *gin.Context) {
	u := strings.TrimSpace(c.Query("url"))
	if u == "" {
		s.badRequest(c, errors.New("url is required"))
		return
	}
	s.remove(c, store.Lists, u)
}

func (s *Server) remove(c *gin.Context, k store.Kind, entry string) {
	ok, err := s.deps.Store.Remove(k, entry)
	if err != nil {
		s.abort(c, err)
		return
	}
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": entry + " is not in " + string(k)})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) export(c *gin.Context) {
	k, err := store.ParseKind(c.Param("kind"))
	if err != nil {
		s.abort(c, err)
		return
	}

	c.Header("Content-Type", "application/json; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="`+string(k)+`.json"`)
	c.Status(http.StatusOK)
	if err := s.deps.Store.Export(k, c.Writer); err != nil {
		s.logger.Warn("export failed", zap.String("kind", string(k)), zap.Error(err))
	}
}

func (s *Server) importEntries(c *gin.Context) {
	k, err := store.ParseKind(c.Param("kind"))
	if err != nil {
		s.abort(c, err)
		return
	}

	v := s.deps.Settings.Get().Validation("", s.deps.Store.IsAllowed)
	res, err := s.deps.Store.Import(k, c.Request.Body, v)
	if err != nil {
		if errors.Is(err, domain.ErrPersistence) {
			s.abort(c, err)
			return
		}
		s.badRequest(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) getSettings(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Settings.Get())
}

// putSettings replaces the settings. Keys missing from the body get their
// default values.
func (s *Server) putSettings(c *gin.Context) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSettingsBytes))
	if err != nil {
		s.badRequest(c, err)
		return
	}
	next, err := settings.Decode(data)
	if err != nil {
		s.badRequest(c, err)
		return
	}

	if s.deps.SettingsPath != "" {
		if err := settings.Save(s.deps.SettingsPath, next); err != nil {
			s.abort(c, err)
			return
		}
	}
	s.deps.Settings.Set(next)
	s.logger.Info("settings updated")
	c.JSON(http.StatusOK, next)
}

func (s *Server) listImports(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Imports.List())
}

func (s *Server) startImport(c *gin.Context) {
	var req importRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	u, err := importer.NormalizeListURL(req.URL)
	if err != nil {
		s.abort(c, err)
		return
	}

	job, err := s.deps.Imports.Start(u)
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"id": job.ID, "url": job.URL})
}

func (s *Server) getImport(c *gin.Context) {
	job, err := s.deps.Imports.Get(c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	c.JSON(http.StatusOK, job.Snapshot())
}

// cancelImport requests cancellation. The job stops at the next batch
// boundary, so the returned snapshot may still be running.
func (s *Server) cancelImport(c *gin.Context) {
	job, err := s.deps.Imports.Get(c.Param("id"))
	if err != nil {
		s.abort(c, err)
		return
	}
	job.Cancel()
	c.JSON(http.StatusAccepted, job.Snapshot())
}
