package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/duh17/oppi-sub004/internal/storage"
)

const themeKeyPrefix = "theme:"

// handleListThemes, handleGetTheme, handlePutTheme, and handleDeleteTheme
// implement the theme CRUD surface (spec §6) directly against storage.Store
// rather than through internal/storage's typed Accessors, since themes are
// opaque client-defined JSON blobs with no server-side schema.
func (s *Server) handleListThemes(c *gin.Context) {
	raw, err := s.themeStore().List(c.Request.Context(), themeKeyPrefix)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	names := make([]string, 0, len(raw))
	for key := range raw {
		names = append(names, key[len(themeKeyPrefix):])
	}
	sort.Strings(names)
	c.JSON(http.StatusOK, gin.H{"themes": names})
}

func (s *Server) handleGetTheme(c *gin.Context) {
	raw, err := s.themeStore().Get(c.Request.Context(), themeKeyPrefix+c.Param("name"))
	if errors.Is(err, storage.ErrNotFound) {
		errJSON(c, http.StatusNotFound, "THEME_NOT_FOUND", "no such theme")
		return
	}
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.Data(http.StatusOK, "application/json", raw)
}

func (s *Server) handlePutTheme(c *gin.Context) {
	var body map[string]any
	if err := c.ShouldBindJSON(&body); err != nil {
		errJSON(c, http.StatusBadRequest, "INVALID_REQUEST", "theme body must be a JSON object")
		return
	}
	blob, err := json.Marshal(body)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "ENCODE_FAILED", err.Error())
		return
	}
	if err := s.themeStore().Put(c.Request.Context(), themeKeyPrefix+c.Param("name"), blob); err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleDeleteTheme(c *gin.Context) {
	if err := s.themeStore().Delete(c.Request.Context(), themeKeyPrefix+c.Param("name")); err != nil {
		errJSON(c, http.StatusInternalServerError, "STORAGE_ERROR", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// themeStore exposes the raw Store underneath the typed Accessors; themes
// have no typed accessor of their own since their schema is client-owned.
func (s *Server) themeStore() storage.Store {
	return s.store.Raw()
}
