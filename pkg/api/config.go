package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/codelaboratoryltd/radius-ledger/pkg/radconfig"
)

func (s *Server) getConfig(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Config.Get())
}

func (s *Server) updateConfig(c *gin.Context) {
	var patch radconfig.Patch
	if !bind(c, &patch) {
		return
	}
	cfg, err := s.deps.Config.Update(patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, cfg)
}

// optionalPatch binds a patch body when one was sent.
func optionalPatch(c *gin.Context) (radconfig.Patch, bool) {
	var patch radconfig.Patch
	if c.Request.ContentLength == 0 {
		return patch, true
	}
	return patch, bind(c, &patch)
}

// POST /config/test-connection pings the database the stored settings,
// with the body applied, point at.
func (s *Server) testConnection(c *gin.Context) {
	patch, ok := optionalPatch(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, s.deps.Config.TestConnection(c.Request.Context(), patch))
}

func (s *Server) saveConfig(c *gin.Context) {
	patch, ok := optionalPatch(c)
	if !ok {
		return
	}
	res, err := s.deps.Config.Save(patch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}
