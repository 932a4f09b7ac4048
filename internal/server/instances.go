package server

import (
	"net/http"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"

	instancedomain "github.com/wolkenlauf/metered/internal/instance/domain"
)

func (s *Server) ListInstances(c *gin.Context) {
	instances, err := s.instanceSvc.List(c.Request.Context(), userIDFrom(c))
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances})
}

func (s *Server) CreateInstance(c *gin.Context) {
	var req instancedomain.CreateInstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	req.UserID = userIDFrom(c)

	instance, err := s.instanceSvc.Create(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, instance)
}

func (s *Server) GetInstance(c *gin.Context) {
	id, ok := instanceIDParam(c)
	if !ok {
		return
	}
	instance, err := s.instanceSvc.Get(c.Request.Context(), userIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) ListInstanceUsage(c *gin.Context) {
	id, ok := instanceIDParam(c)
	if !ok {
		return
	}
	// ownership check first; usage rows are keyed by instance only
	if _, err := s.instanceSvc.Get(c.Request.Context(), userIDFrom(c), id); err != nil {
		AbortWithError(c, err)
		return
	}
	records, err := s.usageSvc.ListByInstance(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"usage": records})
}

func (s *Server) SyncInstance(c *gin.Context) {
	id, ok := instanceIDParam(c)
	if !ok {
		return
	}
	instance, err := s.instanceSvc.Sync(c.Request.Context(), userIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) TerminateInstance(c *gin.Context) {
	id, ok := instanceIDParam(c)
	if !ok {
		return
	}
	instance, err := s.instanceSvc.Terminate(c.Request.Context(), userIDFrom(c), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, instance)
}

func (s *Server) ForgetInstance(c *gin.Context) {
	id, ok := instanceIDParam(c)
	if !ok {
		return
	}
	if err := s.instanceSvc.Forget(c.Request.Context(), userIDFrom(c), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func instanceIDParam(c *gin.Context) (snowflake.ID, bool) {
	id, err := snowflake.ParseString(c.Param("id"))
	if err != nil {
		AbortWithError(c, newValidationError("id", "invalid_instance_id", "instance id must be a valid snowflake"))
		return 0, false
	}
	return id, true
}
